package evidence

import (
	"context"
	"time"

	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

// finalizer extracts, seals, and writes back the evidence state for a
// terminal lab whose evidence collection hasn't been finalized yet.
type finalizer func(ctx context.Context, lab *types.Lab) error

// ReconcileEvidenceState runs the finalize-once transition on read: if lab
// is terminal, its evidence is still "collecting", and it has never been
// finalized, this finalizes it (success -> present/sealed, failure ->
// unavailable) and flushes the row — a flush, not a transaction-commit
// callback, matching the store's own Flush semantics — then returns the
// re-read row. A lab that doesn't need reconciliation is returned as-is.
func ReconcileEvidenceState(ctx context.Context, st *store.Store, lab *types.Lab, finalize finalizer) (*types.Lab, error) {
	if !lab.Status.Terminal() {
		return lab, nil
	}
	if lab.EvidenceState != types.EvidenceCollecting {
		return lab, nil
	}
	if lab.EvidenceFinalizedAt != nil {
		return lab, nil
	}

	FinalizeNow(ctx, lab, finalize)

	if err := st.Flush(lab); err != nil {
		return lab, err
	}
	return st.GetLab(lab.ID)
}

// FinalizeNow runs finalize unconditionally and stamps the resulting
// evidence_state/evidence_finalized_at onto lab, without ReconcileEvidenceState's
// terminal/collecting/already-finalized guards. Used by the teardown path,
// which finalizes evidence while the lab is still ENDING (before it ever
// becomes terminal), and by ReconcileEvidenceState itself once its guards
// have passed.
func FinalizeNow(ctx context.Context, lab *types.Lab, finalize finalizer) {
	now := time.Now().UTC()
	if err := finalize(ctx, lab); err != nil {
		lab.EvidenceState = types.EvidenceUnavailable
	} else {
		lab.EvidenceState = types.EvidencePresent
	}
	lab.EvidenceFinalizedAt = &now
}
