package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReconcileSkipsNonTerminalLab(t *testing.T) {
	st := newTestStore(t)
	lab := &types.Lab{ID: uuid.New(), OwnerID: "a", Status: types.StatusReady, EvidenceState: types.EvidenceCollecting}
	require.NoError(t, st.CreateLab(lab))

	called := false
	out, err := ReconcileEvidenceState(context.Background(), st, lab, func(ctx context.Context, l *types.Lab) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, types.EvidenceCollecting, out.EvidenceState)
}

func TestReconcileFinalizesOnceOnTerminalLab(t *testing.T) {
	st := newTestStore(t)
	lab := &types.Lab{ID: uuid.New(), OwnerID: "a", Status: types.StatusFinished, EvidenceState: types.EvidenceCollecting}
	require.NoError(t, st.CreateLab(lab))

	calls := 0
	finalize := func(ctx context.Context, l *types.Lab) error {
		calls++
		return nil
	}

	out, err := ReconcileEvidenceState(context.Background(), st, lab, finalize)
	require.NoError(t, err)
	assert.Equal(t, types.EvidencePresent, out.EvidenceState)
	assert.NotNil(t, out.EvidenceFinalizedAt)
	assert.Equal(t, 1, calls)

	out2, err := ReconcileEvidenceState(context.Background(), st, out, finalize)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "finalize must not run twice")
	assert.Equal(t, types.EvidencePresent, out2.EvidenceState)
}

func TestReconcileMarksUnavailableOnFinalizeError(t *testing.T) {
	st := newTestStore(t)
	lab := &types.Lab{ID: uuid.New(), OwnerID: "a", Status: types.StatusFailed, EvidenceState: types.EvidenceCollecting}
	require.NoError(t, st.CreateLab(lab))

	out, err := ReconcileEvidenceState(context.Background(), st, lab, func(ctx context.Context, l *types.Lab) error {
		return errors.New("finalize failed")
	})
	require.NoError(t, err)
	assert.Equal(t, types.EvidenceUnavailable, out.EvidenceState)
	assert.NotNil(t, out.EvidenceFinalizedAt)
}
