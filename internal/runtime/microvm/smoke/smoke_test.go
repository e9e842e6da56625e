package smoke

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/config"
)

func testSettings(t *testing.T) *config.Settings {
	dir := t.TempDir()
	hv := dir + "/hypervisor.sh"
	require.NoError(t, os.WriteFile(hv, []byte("#!/bin/sh\nsleep 10\n"), 0o755))
	kernel := dir + "/kernel"
	require.NoError(t, os.WriteFile(kernel, []byte("fake"), 0o644))
	rootfs := dir + "/rootfs.img"
	require.NoError(t, os.WriteFile(rootfs, []byte("fake"), 0o644))

	return &config.Settings{
		HypervisorPath:      hv,
		KernelImagePath:     kernel,
		RootfsImagePath:     rootfs,
		MicroVMStateDirRoot: t.TempDir(),
	}
}

func TestRunFailsWhenMetricsFileNeverAppears(t *testing.T) {
	cfg := testSettings(t)
	result := Run(cfg, Options{StartupGrace: 50 * time.Millisecond, MetricsWait: 200 * time.Millisecond})
	assert.False(t, result.Ok)
	assert.Equal(t, "<state-dir>", result.Debug.TempDirRedacted)
	assert.NotEmpty(t, result.Notes)
}

func TestRunSucceedsWhenMetricsFileAppears(t *testing.T) {
	cfg := testSettings(t)
	// Replace the hypervisor script with one that writes a metrics file
	// shortly after starting, simulating a real boot sequence.
	script := "#!/bin/sh\nsleep 0.1\nSTATE_DIR=$(dirname \"$4\")\n" +
		"echo '{}' > \"$STATE_DIR/metrics.json\"\nsleep 10\n"
	require.NoError(t, os.WriteFile(cfg.HypervisorPath, []byte(script), 0o755))

	result := Run(cfg, Options{StartupGrace: 100 * time.Millisecond, MetricsWait: 2 * time.Second})
	assert.True(t, result.Ok)
}

func TestDefaultOptionsAreNonZero(t *testing.T) {
	opts := DefaultOptions()
	assert.Greater(t, opts.StartupGrace, time.Duration(0))
	assert.Greater(t, opts.MetricsWait, time.Duration(0))
}
