// Package worker runs the background loops that drive ENDING labs to a
// terminal state and recover ones that got stuck, grounded on
// pkg/reconciler/reconciler.go's ticker-driven Start/Stop/run shape.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/metrics"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

// claimBatchSize bounds how many ENDING rows a single poll cycle claims,
// so one worker can't starve other instances of a deployment running
// more than one.
const claimBatchSize = 20

// TeardownWorker repeatedly claims ENDING labs and drives them through
// orchestrator.Teardown, the background half of terminate_lab — the HTTP
// handler only ever flips a lab to ENDING, this is what actually tears
// runtime resources down.
type TeardownWorker struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	cfg          *config.Settings
	logger       zerolog.Logger

	workerToken string
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewTeardownWorker wires a TeardownWorker. token identifies this
// process's claims in the store so a crashed worker's claims go stale and
// become reclaimable rather than stuck forever.
func NewTeardownWorker(st *store.Store, orch *orchestrator.Orchestrator, cfg *config.Settings, logger zerolog.Logger, token string) *TeardownWorker {
	return &TeardownWorker{
		store:        st,
		orchestrator: orch,
		cfg:          cfg,
		logger:       logger.With().Str("component", "teardown_worker").Logger(),
		workerToken:  token,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the poll loop.
func (w *TeardownWorker) Start() {
	go w.run()
}

// Stop halts the poll loop and waits for any in-flight teardown attempts
// to finish. Each attempt is individually bounded by TeardownTimeout, so
// this cannot hang indefinitely. In-flight work is deliberately left to
// run to completion rather than cancelled: cancelling mid-teardown would
// leave the orchestrator unable to tell a worker shutdown apart from a
// genuine runtime failure, and would mark the lab FAILED for the wrong
// reason. A worker that is killed outright (not stopped gracefully)
// simply leaves its claims to go stale, and the next poll cycle -- on
// this process or another -- reclaims them.
func (w *TeardownWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *TeardownWorker) run() {
	interval := w.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("teardown worker started")

	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.stopCh:
			w.logger.Info().Msg("teardown worker stopped")
			return
		}
	}
}

// pollOnce claims up to claimBatchSize ENDING labs and dispatches each to
// Teardown concurrently. Claim staleness (not this process's liveness) is
// what protects against two workers driving the same lab at once.
func (w *TeardownWorker) pollOnce() {
	metrics.TeardownWorkerCyclesTotal.Inc()

	labs, err := w.store.ListEnding(w.cfg.TeardownTimeout, claimBatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("listing ENDING labs failed")
		return
	}

	for _, lab := range labs {
		claimed, ok, err := w.store.ClaimLab(lab.ID, w.workerToken, w.cfg.TeardownTimeout)
		if err != nil {
			w.logger.Error().Err(err).Str("lab_id", lab.ID.String()).Msg("claiming lab for teardown failed")
			continue
		}
		if !ok {
			continue
		}

		w.wg.Add(1)
		go w.teardownOne(claimed)
	}
}

func (w *TeardownWorker) teardownOne(lab *types.Lab) {
	defer w.wg.Done()
	defer func() {
		if err := w.store.ReleaseLab(lab.ID); err != nil {
			w.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("releasing teardown claim failed")
		}
	}()

	timeout := w.cfg.TeardownTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := w.orchestrator.Teardown(ctx, lab); err != nil {
		w.logger.Error().Err(err).Str("lab_id", lab.ID.String()).Msg("teardown attempt failed")
	}
}
