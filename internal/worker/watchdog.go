package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/metrics"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

// watchdogBatchSize bounds how many stuck labs a single watchdog pass
// acts on.
const watchdogBatchSize = 50

// Action is what the watchdog does with a lab it finds stuck in ENDING
// past WatchdogStaleAfter.
type Action int

const (
	// ActionRedispatch re-runs Teardown, the same as a normal worker poll
	// would have — the default, since most stuck-ENDING labs are simply
	// labs whose worker crashed mid-attempt and need another try.
	ActionRedispatch Action = iota
	// ActionMarkFailed gives up on the lab outright and marks it FAILED
	// without attempting teardown again, for operators who'd rather have
	// a bounded incident than an indefinitely retried one.
	ActionMarkFailed
)

func (a Action) String() string {
	switch a {
	case ActionMarkFailed:
		return "mark_failed"
	default:
		return "redispatch"
	}
}

// Result records what the watchdog did (or would have done) to a single
// stuck lab.
type Result struct {
	LabID  uuid.UUID
	Action Action
	DryRun bool
	Err    error
}

// Watchdog periodically finds ENDING labs that have been stuck past
// WatchdogStaleAfter and recovers them, the operational safety net
// test_ending_watchdog.py exercises: a worker can crash mid-teardown and
// leave a lab claimed-but-abandoned once its claim goes stale, and
// nothing else in the system re-notices that lab without this loop.
type Watchdog struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	cfg          *config.Settings
	logger       zerolog.Logger

	action Action
	dryRun bool

	stopCh chan struct{}
}

// NewWatchdog wires a Watchdog. action is what to do with each stuck lab
// found; dryRun logs the decision without acting on it, for an operator
// verifying behavior before turning it loose.
func NewWatchdog(st *store.Store, orch *orchestrator.Orchestrator, cfg *config.Settings, logger zerolog.Logger, action Action, dryRun bool) *Watchdog {
	return &Watchdog{
		store:        st,
		orchestrator: orch,
		cfg:          cfg,
		logger:       logger.With().Str("component", "watchdog").Logger(),
		action:       action,
		dryRun:       dryRun,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic watchdog loop, polling every
// WatchdogStaleAfter/2 (never less than a minute) so a stuck lab isn't
// left sitting for a full staleness window before the first check.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop halts the loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	interval := w.cfg.WatchdogStaleAfter / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Str("action", w.action.String()).Bool("dry_run", w.dryRun).Msg("watchdog started")

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("watchdog pass failed")
			}
		case <-w.stopCh:
			w.logger.Info().Msg("watchdog stopped")
			return
		}
	}
}

// RunOnce lists every lab stuck in ENDING past WatchdogStaleAfter and
// acts on each, returning the outcomes for a CLI invocation or test to
// inspect.
func (w *Watchdog) RunOnce(ctx context.Context) ([]Result, error) {
	stuck, err := w.store.ListStuckEnding(w.cfg.WatchdogStaleAfter, watchdogBatchSize)
	if err != nil {
		return nil, fmt.Errorf("listing stuck ENDING labs: %w", err)
	}

	results := make([]Result, 0, len(stuck))
	for _, lab := range stuck {
		results = append(results, w.act(ctx, lab))
	}
	return results, nil
}

// CheckLab acts on a single lab regardless of how long it has been
// ENDING, bypassing the age filter RunOnce applies -- the operator
// override for "I know this one is stuck, fix it now" without waiting
// for the staleness window to elapse.
func (w *Watchdog) CheckLab(ctx context.Context, id uuid.UUID) (*Result, error) {
	lab, err := w.store.GetLab(id)
	if err != nil {
		return nil, fmt.Errorf("loading lab: %w", err)
	}
	if lab.Status != types.StatusEnding {
		return nil, fmt.Errorf("lab %s is not in ENDING status (status=%s)", id, lab.Status)
	}
	result := w.act(ctx, lab)
	return &result, nil
}

func (w *Watchdog) act(ctx context.Context, lab *types.Lab) Result {
	result := Result{LabID: lab.ID, Action: w.action, DryRun: w.dryRun}
	metrics.WatchdogActionsTotal.WithLabelValues(w.action.String()).Inc()

	if w.dryRun {
		w.logger.Warn().Str("lab_id", lab.ID.String()).Str("action", w.action.String()).
			Msg("dry run: would act on stuck ENDING lab")
		return result
	}

	switch w.action {
	case ActionMarkFailed:
		result.Err = w.markFailed(lab)
	default:
		result.Err = w.redispatch(ctx, lab)
	}

	if result.Err != nil {
		w.logger.Error().Err(result.Err).Str("lab_id", lab.ID.String()).Str("action", w.action.String()).
			Msg("watchdog action failed")
	} else {
		w.logger.Warn().Str("lab_id", lab.ID.String()).Str("action", w.action.String()).
			Msg("watchdog acted on stuck ENDING lab")
	}
	return result
}

func (w *Watchdog) redispatch(ctx context.Context, lab *types.Lab) error {
	claimed, ok, err := w.store.ClaimLab(lab.ID, "watchdog", w.cfg.TeardownTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() { _ = w.store.ReleaseLab(claimed.ID) }()

	timeout := w.cfg.TeardownTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.orchestrator.Teardown(tctx, claimed)
}

func (w *Watchdog) markFailed(lab *types.Lab) error {
	now := time.Now().UTC()
	lab.Status = types.StatusFailed
	lab.FinishedAt = &now
	lab.DegradedReason = "marked failed by watchdog after exceeding teardown staleness threshold"
	metrics.LabsTotal.WithLabelValues(string(types.StatusFailed)).Inc()
	return w.store.UpdateLab(lab)
}
