// Package orchestrator implements the lab lifecycle state machine: the
// single place that drives a runtime driver, the gateway provisioner, and
// the evidence subsystem through REQUESTED/PROVISIONING/READY/DEGRADED/
// ENDING/FINISHED/FAILED. Grounded on lab_service.py's create_lab_for_user/
// provision_lab/terminate_lab control flow, restated in idiomatic Go:
// explicit error returns and typed sentinels from internal/orcherr
// in place of raised exceptions, a goroutine bounded by context.WithTimeout
// in place of an asyncio task wrapped in asyncio.wait_for.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/evidence"
	"github.com/octolab-io/octolab/internal/gateway"
	"github.com/octolab-io/octolab/internal/metrics"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/redact"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/security"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

// failedProvisionCleanupTimeout bounds the best-effort teardown run after a
// provisioning failure, matching _mark_lab_failed_with_cleanup's 30s window.
const failedProvisionCleanupTimeout = 30 * time.Second

// evidenceRetention is how long a finished lab's evidence stays available
// for download before it's eligible for garbage collection.
const evidenceRetention = 24 * time.Hour

// Orchestrator is the lab state machine. It never talks to Docker, the
// Firecracker agent, or Guacamole directly — those are the job of the
// runtime.Driver and *gateway.Provisioner it holds.
type Orchestrator struct {
	store   *store.Store
	drivers map[types.Runtime]runtime.Driver
	gateway *gateway.Provisioner
	cfg     *config.Settings
	logger  zerolog.Logger
}

// New wires an Orchestrator against its store, one driver per supported
// runtime, and the gateway provisioner.
func New(st *store.Store, drivers map[types.Runtime]runtime.Driver, gw *gateway.Provisioner, cfg *config.Settings, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   st,
		drivers: drivers,
		gateway: gw,
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) driverFor(rt types.Runtime) (runtime.Driver, error) {
	d, ok := o.drivers[rt]
	if !ok {
		return nil, orcherr.New(orcherr.ErrRuntimeError, "no driver registered for runtime", map[string]any{"runtime": string(rt)})
	}
	return d, nil
}

// CreateLab validates the recipe, enforces the per-owner active-lab quota,
// persists a PROVISIONING row with the server-chosen runtime, and
// dispatches provisioning in the background bounded by
// Settings.ProvisioningTimeout. A missing or inactive recipe fails
// synchronously, before any row is written.
func (o *Orchestrator) CreateLab(ctx context.Context, ownerID string, recipe *types.Recipe) (*types.Lab, error) {
	return o.createLab(ctx, ownerID, recipe, types.Runtime(o.cfg.RuntimeSelector), nil)
}

// CreateLabForRuntime bypasses the operator's server-wide runtime policy for
// a single lab, forcing it onto forcedRuntime, and seeds the new row's
// RuntimeMeta with initialMeta before provisioning starts. The only caller
// is deploy-from-dockerfile, which always requires a microVM — a submitted
// Dockerfile builds an image the container runtime has no safe way to run
// untrusted — and needs the declared EXPOSE ports recorded up front.
// initialMeta must be set before the provisioning goroutine starts, not
// patched in afterward, since that goroutine mutates the same lab's
// RuntimeMeta map concurrently.
func (o *Orchestrator) CreateLabForRuntime(ctx context.Context, ownerID string, recipe *types.Recipe, forcedRuntime types.Runtime, initialMeta map[string]string) (*types.Lab, error) {
	return o.createLab(ctx, ownerID, recipe, forcedRuntime, initialMeta)
}

func (o *Orchestrator) createLab(ctx context.Context, ownerID string, recipe *types.Recipe, rt types.Runtime, initialMeta map[string]string) (*types.Lab, error) {
	if recipe == nil || !recipe.IsActive {
		return nil, orcherr.New(orcherr.ErrNotFound, "recipe not found or inactive", nil)
	}

	active, err := o.store.ListActiveForOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: checking active lab quota: %w", err)
	}
	if len(active) >= o.cfg.MaxActiveLabsPerUser {
		return nil, orcherr.New(orcherr.ErrQuotaExceeded, "maximum active labs exceeded", map[string]any{
			"limit": o.cfg.MaxActiveLabsPerUser,
		})
	}

	if _, err := o.driverFor(rt); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lab := &types.Lab{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		RecipeID:           recipe.ID,
		Status:             types.StatusProvisioning,
		Runtime:            rt,
		RuntimeMeta:        initialMeta,
		EvidenceState:      types.EvidenceAbsent,
		EvidenceSealStatus: types.SealNone,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(o.cfg.DefaultLabTTL),
	}
	lab.EvidenceAuthVolume, lab.EvidenceUserVolume = evidence.VolumeNames(lab.ID)

	if err := o.store.CreateLab(lab); err != nil {
		return nil, fmt.Errorf("orchestrator: persisting new lab: %w", err)
	}
	metrics.LabsTotal.WithLabelValues(string(types.StatusProvisioning)).Inc()

	go o.runProvision(lab, recipe)

	return lab, nil
}

func (o *Orchestrator) runProvision(lab *types.Lab, recipe *types.Recipe) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProvisioningTimeout)
	defer cancel()

	start := time.Now()
	err := o.provision(ctx, lab, recipe)
	metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		o.failProvisioning(lab, err)
	}
}

// provision drives a single lab from PROVISIONING to READY or DEGRADED.
// Any error it returns is the caller's signal to mark the lab FAILED; the
// typed orcherr sentinel produced by the driver or the gateway travels
// with it unchanged, so the orchestrator never re-derives a classification
// the lower layer already computed.
func (o *Orchestrator) provision(ctx context.Context, lab *types.Lab, recipe *types.Recipe) error {
	driver, err := o.driverFor(lab.Runtime)
	if err != nil {
		return err
	}

	vncPassword, err := security.GenerateSecurePassword(24)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	if err := driver.CreateLab(ctx, lab, recipe, vncPassword); err != nil {
		return err
	}
	if err := o.store.UpdateLab(lab); err != nil {
		return fmt.Errorf("orchestrator: persisting runtime metadata: %w", err)
	}

	degradedReason := ""
	if err := driver.WaitForHealthy(ctx, lab, o.cfg.ProvisioningTimeout); err != nil {
		degradedReason = fmt.Sprintf("desktop health check: %v", err)
		o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).
			Msg("desktop health check did not pass in time, proceeding anyway")
	}

	if o.cfg.GatewayEnabled {
		if err := o.gateway.Provision(ctx, lab, vncPassword); err != nil {
			return err
		}
	} else if lab.Runtime == types.RuntimeContainer {
		lab.ConnectionURL = fmt.Sprintf("vnc://%s:%s/", o.cfg.BindHost, lab.RuntimeMeta["bound_port"])
	}

	lab.UpdatedAt = time.Now().UTC()
	if degradedReason != "" {
		lab.Status = types.StatusDegraded
		lab.DegradedReason = degradedReason
	} else {
		lab.Status = types.StatusReady
	}
	metrics.LabsTotal.WithLabelValues(string(lab.Status)).Inc()
	return o.store.UpdateLab(lab)
}

// failProvisioning marks lab FAILED and runs a best-effort, time-bounded
// teardown of whatever the driver may already have created, matching
// _mark_lab_failed_with_cleanup.
func (o *Orchestrator) failProvisioning(lab *types.Lab, cause error) {
	now := time.Now().UTC()
	lab.Status = types.StatusFailed
	lab.FinishedAt = &now
	lab.UpdatedAt = now
	lab.DegradedReason = cause.Error()
	o.attachFailureDiagnostics(lab, cause)
	if err := o.store.UpdateLab(lab); err != nil {
		o.logger.Error().Err(err).Str("lab_id", lab.ID.String()).Msg("failed to persist FAILED status")
	}
	o.logger.Error().Err(cause).Str("lab_id", lab.ID.String()).Msg("lab provisioning failed")
	metrics.LabsTotal.WithLabelValues(string(types.StatusFailed)).Inc()

	driver, err := o.driverFor(lab.Runtime)
	if err != nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), failedProvisionCleanupTimeout)
	defer cancel()
	if _, err := driver.DestroyLab(cleanupCtx, lab); err != nil {
		o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).
			Msg("best-effort cleanup after failed provisioning also failed")
	}
}

// attachFailureDiagnostics pulls whatever detail the driver's typed error
// carried (compose stderr, agent diag output) onto the lab row so an
// operator can see why provisioning failed without grepping logs. The
// driver errors are *orcherr.Error already, so their Details map is the
// diagnostic excerpt itself — this just redacts and bounds it.
func (o *Orchestrator) attachFailureDiagnostics(lab *types.Lab, cause error) {
	oe, ok := cause.(*orcherr.Error)
	if !ok || len(oe.Details) == 0 {
		return
	}
	raw, err := json.Marshal(oe.Details)
	if err != nil {
		return
	}
	r := redact.Redactor{Secrets: []string{
		string(o.cfg.HMACSecret),
		o.cfg.GatewayAdminPass,
	}}
	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = map[string]string{}
	}
	lab.RuntimeMeta["failure_diagnostics"] = r.String(string(raw))
}

// EndLab transitions a lab from PROVISIONING/READY/DEGRADED to ENDING.
// The teardown itself is picked up asynchronously by the teardown worker,
// never run inline from this call.
func (o *Orchestrator) EndLab(ctx context.Context, ownerID, id string) error {
	labID, err := uuid.Parse(id)
	if err != nil {
		return orcherr.ErrNotFound
	}
	lab, err := o.store.GetLabForOwner(ownerID, labID)
	if err != nil {
		return err
	}

	switch lab.Status {
	case types.StatusProvisioning, types.StatusReady, types.StatusDegraded:
	default:
		return orcherr.New(orcherr.ErrTerminal, "lab cannot be ended from its current state", map[string]any{
			"status": string(lab.Status),
		})
	}

	lab.Status = types.StatusEnding
	lab.EvidenceState = types.EvidenceCollecting
	lab.UpdatedAt = time.Now().UTC()
	metrics.LabsTotal.WithLabelValues(string(types.StatusEnding)).Inc()
	return o.store.UpdateLab(lab)
}

// GetLabForUser fetches a lab scoped to ownerID, reconciling any
// terminal-but-unfinalized evidence state before returning it — the
// self-healing path for a teardown that crashed after destroying runtime
// resources but before finalizing evidence.
func (o *Orchestrator) GetLabForUser(ctx context.Context, ownerID, id string) (*types.Lab, error) {
	labID, err := uuid.Parse(id)
	if err != nil {
		return nil, orcherr.ErrNotFound
	}
	lab, err := o.store.GetLabForOwner(ownerID, labID)
	if err != nil {
		return nil, err
	}
	return evidence.ReconcileEvidenceState(ctx, o.store, lab, o.finalizeEvidence)
}

// ListLabsForOwner returns every lab ownerID has ever created, newest
// first, reconciling evidence state on any terminal row the same way
// GetLabForUser does for a single lab — the list endpoint must not show a
// FINISHED lab with a bundle that was never actually sealed.
func (o *Orchestrator) ListLabsForOwner(ctx context.Context, ownerID string) ([]*types.Lab, error) {
	labs, err := o.store.ListAllForOwner(ownerID)
	if err != nil {
		return nil, err
	}
	for i, lab := range labs {
		reconciled, err := evidence.ReconcileEvidenceState(ctx, o.store, lab, o.finalizeEvidence)
		if err != nil {
			o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).
				Msg("evidence reconciliation failed while listing labs")
			continue
		}
		labs[i] = reconciled
	}
	return labs, nil
}

// GetLabByIDForAdmin fetches a lab by id with no owner scoping at all. The
// only caller is the admin evidence-preview endpoint; every other path in
// this package goes through the owner-or-404 lookups above.
func (o *Orchestrator) GetLabByIDForAdmin(ctx context.Context, id string) (*types.Lab, error) {
	labID, err := uuid.Parse(id)
	if err != nil {
		return nil, orcherr.ErrNotFound
	}
	lab, err := o.store.GetLab(labID)
	if err != nil {
		return nil, err
	}
	return evidence.ReconcileEvidenceState(ctx, o.store, lab, o.finalizeEvidence)
}

// ConnectURL mints a fresh gateway client URL for a READY/DEGRADED lab.
func (o *Orchestrator) ConnectURL(ctx context.Context, ownerID, id string) (string, error) {
	labID, err := uuid.Parse(id)
	if err != nil {
		return "", orcherr.ErrNotFound
	}
	lab, err := o.store.GetLabForOwner(ownerID, labID)
	if err != nil {
		return "", err
	}
	if !lab.Status.Connectable() {
		return "", orcherr.New(orcherr.ErrTerminal, "lab is not connectable", map[string]any{
			"status": string(lab.Status),
		})
	}
	return o.gateway.Token(ctx, lab)
}

// finalizeEvidence re-verifies a lab's sealed evidence volume. It backs
// both Teardown's inline finalization (run once, while the lab is still
// ENDING) and evidence.ReconcileEvidenceState's self-healing path on read.
func (o *Orchestrator) finalizeEvidence(ctx context.Context, lab *types.Lab) error {
	if lab.EvidenceSealStatus != types.SealSealed {
		return fmt.Errorf("orchestrator: evidence was never sealed for lab %s", lab.ID)
	}
	result, err := evidence.Verify(ctx, lab.EvidenceAuthVolume, o.cfg.HMACSecret)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("orchestrator: evidence verification failed: %s", result.Reason)
	}
	return nil
}

// Teardown is the worker-invoked finalizer for a lab in ENDING. It exports
// logs, seals evidence, tears down gateway resources, and finalizes
// evidence state before destroying the runtime resources themselves —
// container logs and the evidence volume are both gone once that happens.
func (o *Orchestrator) Teardown(ctx context.Context, lab *types.Lab) error {
	if lab.Status.Terminal() {
		return nil
	}

	driver, err := o.driverFor(lab.Runtime)
	if err != nil {
		return err
	}

	if lab.Status == types.StatusEnding && !driver.ResourcesExistForLab(ctx, lab) {
		return o.reconcileAlreadyGone(lab)
	}

	if lab.Runtime == types.RuntimeContainer {
		o.sealEvidenceBeforeDestroy(ctx, lab)
	}

	if o.cfg.GatewayEnabled {
		if err := o.gateway.Teardown(ctx, lab); err != nil {
			o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("gateway teardown failed")
		}
	}

	if lab.EvidenceState == types.EvidenceCollecting && lab.EvidenceFinalizedAt == nil {
		evidence.FinalizeNow(ctx, lab, o.finalizeEvidence)
		if err := o.store.UpdateLab(lab); err != nil {
			o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("persisting finalized evidence state failed")
		}
	}

	start := time.Now()
	report, destroyErr := driver.DestroyLab(ctx, lab)
	metrics.TeardownDuration.Observe(time.Since(start).Seconds())

	now := time.Now().UTC()
	lab.UpdatedAt = now
	if destroyErr != nil || report == nil || !report.VerifiedStopped {
		if destroyErr != nil {
			o.logger.Error().Err(destroyErr).Str("lab_id", lab.ID.String()).Msg("destroying lab resources failed")
		} else {
			o.logger.Error().Str("lab_id", lab.ID.String()).Strs("errors", report.Errors).
				Msg("teardown did not verify all resources stopped")
		}
		lab.Status = types.StatusFailed
		lab.FinishedAt = &now
		metrics.LabsTotal.WithLabelValues(string(types.StatusFailed)).Inc()
		return o.store.UpdateLab(lab)
	}

	lab.Status = types.StatusFinished
	lab.FinishedAt = &now
	expires := now.Add(evidenceRetention)
	lab.EvidenceExpiresAt = &expires
	metrics.LabsTotal.WithLabelValues(string(types.StatusFinished)).Inc()
	return o.store.UpdateLab(lab)
}

// reconcileAlreadyGone handles an ENDING lab whose runtime resources were
// already destroyed out of band (e.g. a crashed prior teardown attempt
// that got as far as DestroyLab but never persisted FINISHED).
func (o *Orchestrator) reconcileAlreadyGone(lab *types.Lab) error {
	now := time.Now().UTC()
	if lab.FinishedAt == nil {
		lab.FinishedAt = &now
	}
	lab.Status = types.StatusFinished
	expires := now.Add(evidenceRetention)
	lab.EvidenceExpiresAt = &expires
	lab.UpdatedAt = now
	metrics.LabsTotal.WithLabelValues(string(types.StatusFinished)).Inc()
	return o.store.UpdateLab(lab)
}

// sealEvidenceBeforeDestroy exports compose logs into the authoritative
// evidence volume and seals it, both best-effort: a failure here degrades
// evidence quality for this lab but never blocks teardown from proceeding.
func (o *Orchestrator) sealEvidenceBeforeDestroy(ctx context.Context, lab *types.Lab) {
	if err := evidence.ExportComposeLogs(ctx, lab); err != nil {
		o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("exporting compose logs before teardown failed")
	}

	authDir, err := os.MkdirTemp("", "octolab-evidence-seal-*")
	if err != nil {
		o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("creating scratch dir for sealing failed")
		lab.EvidenceSealStatus = types.SealFailed
	} else {
		defer os.RemoveAll(authDir)
		if _, err := evidence.ExtractVolume(ctx, lab.EvidenceAuthVolume, authDir, nil); err != nil {
			o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("extracting auth volume for sealing failed")
			lab.EvidenceSealStatus = types.SealFailed
		} else if err := evidence.Seal(ctx, lab, authDir, o.cfg.HMACSecret); err != nil {
			o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("sealing evidence failed")
			lab.EvidenceSealStatus = types.SealFailed
			metrics.EvidenceSealFailuresTotal.Inc()
		}
	}

	if err := o.store.UpdateLab(lab); err != nil {
		o.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("persisting evidence seal status failed")
	}
}
