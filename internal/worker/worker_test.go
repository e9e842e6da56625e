package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/gateway"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
)

type fakeDriver struct {
	resourcesExist bool
	destroyReport  *runtime.TeardownReport
	destroyErr     error
}

func (f *fakeDriver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) error {
	return nil
}

func (f *fakeDriver) DestroyLab(ctx context.Context, lab *types.Lab) (*runtime.TeardownReport, error) {
	if f.destroyErr != nil {
		return nil, f.destroyErr
	}
	if f.destroyReport != nil {
		return f.destroyReport, nil
	}
	return &runtime.TeardownReport{VerifiedStopped: true}, nil
}

func (f *fakeDriver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	return nil
}

func (f *fakeDriver) ResourcesExistForLab(ctx context.Context, lab *types.Lab) bool {
	return f.resourcesExist
}

func testSettings() *config.Settings {
	return &config.Settings{
		HMACSecret:         []byte("test-hmac-secret"),
		TeardownTimeout:    5 * time.Second,
		WorkerPollInterval: 50 * time.Millisecond,
		WatchdogStaleAfter: 2 * time.Minute,
		RuntimeSelector:    "container",
		GatewayEnabled:     false,
	}
}

func testHarness(t *testing.T, driver *fakeDriver) (*store.Store, *orchestrator.Orchestrator, *config.Settings) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := testSettings()
	drivers := map[types.Runtime]runtime.Driver{
		types.RuntimeContainer: driver,
		types.RuntimeMicroVM:   driver,
	}
	gw := gateway.NewProvisioner(cfg, zerolog.Nop())
	orch := orchestrator.New(st, drivers, gw, cfg, zerolog.Nop())
	return st, orch, cfg
}

func endingLab() *types.Lab {
	return &types.Lab{
		ID:      uuid.New(),
		OwnerID: "owner-1",
		Status:  types.StatusEnding,
		Runtime: types.RuntimeMicroVM,
	}
}

func TestTeardownWorkerPollOnceDrivesEndingLabToFinished(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	require.NoError(t, st.CreateLab(lab))

	w := NewTeardownWorker(st, orch, cfg, zerolog.Nop(), "test-worker")
	w.pollOnce()
	w.wg.Wait()

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, persisted.Status)
	assert.Empty(t, persisted.ClaimedBy, "claim must be released after the attempt completes")
}

func TestTeardownWorkerSkipsAlreadyClaimedLab(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	require.NoError(t, st.CreateLab(lab))

	_, ok, err := st.ClaimLab(lab.ID, "another-worker", cfg.TeardownTimeout)
	require.NoError(t, err)
	require.True(t, ok)

	w := NewTeardownWorker(st, orch, cfg, zerolog.Nop(), "test-worker")
	w.pollOnce()
	w.wg.Wait()

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusEnding, persisted.Status, "an already-claimed lab must not be torn down by a second worker")
	assert.Equal(t, "another-worker", persisted.ClaimedBy)
}

func TestWatchdogRedispatchRecoversStuckLab(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	lab.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionRedispatch, false)
	results, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, persisted.Status)
}

func TestWatchdogMarkFailedGivesUpOnStuckLab(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	lab.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionMarkFailed, false)
	results, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, persisted.Status)
}

func TestWatchdogDryRunTakesNoAction(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	lab.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionMarkFailed, true)
	_, err := wd.RunOnce(context.Background())
	require.NoError(t, err)

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusEnding, persisted.Status, "dry run must not change lab state")
}

func TestWatchdogRunOnceIgnoresFreshEndingLabs(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionMarkFailed, false)
	results, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "a lab that just entered ENDING is not yet stuck")
}

func TestWatchdogCheckLabBypassesAgeFilter(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := endingLab()
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionRedispatch, false)
	result, err := wd.CheckLab(context.Background(), lab.ID)
	require.NoError(t, err)
	assert.NoError(t, result.Err)

	persisted, err := st.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, persisted.Status)
}

func TestWatchdogCheckLabRejectsNonEndingLab(t *testing.T) {
	driver := &fakeDriver{resourcesExist: true}
	st, orch, cfg := testHarness(t, driver)
	lab := &types.Lab{ID: uuid.New(), OwnerID: "owner-1", Status: types.StatusReady}
	require.NoError(t, st.CreateLab(lab))

	wd := NewWatchdog(st, orch, cfg, zerolog.Nop(), ActionRedispatch, false)
	_, err := wd.CheckLab(context.Background(), lab.ID)
	assert.Error(t, err)
}
