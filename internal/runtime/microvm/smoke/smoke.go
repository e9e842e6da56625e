// Package smoke boots a minimal, throwaway microVM and checks that the
// hypervisor process survives its startup grace period and produces a
// metrics file, without going anywhere near a real lab, the store, or the
// guest agent protocol.
package smoke

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/runtime/microvm"
	"github.com/octolab-io/octolab/internal/subprocess"
)

// DebugInfo carries diagnostic detail that is safe to log: the real state
// directory path is replaced with a placeholder so it never leaks into
// smoke-test output.
type DebugInfo struct {
	TempDirRedacted string
	HypervisorPID   int
}

// Result is the outcome of a single smoke run.
type Result struct {
	Ok      bool
	Timings map[string]time.Duration
	Notes   []string
	Debug   DebugInfo
}

// Options configures a Run invocation.
type Options struct {
	StartupGrace  time.Duration
	MetricsWait   time.Duration
	KeepOnSuccess bool
}

// DefaultOptions mirrors what a manual operator run would want: a couple
// seconds of startup grace, a few more waiting on the metrics file.
func DefaultOptions() Options {
	return Options{StartupGrace: 2 * time.Second, MetricsWait: 5 * time.Second}
}

// Run boots a throwaway microVM via cfg's hypervisor/kernel/rootfs paths
// and reports whether it came up cleanly. KeepOnSuccess preserves the
// state directory when true; a failed run always preserves it for
// postmortem.
func Run(cfg *config.Settings, opts Options) *Result {
	result := &Result{Timings: map[string]time.Duration{}}
	labID := uuid.New()

	sd, err := microvm.NewStateDir(cfg.MicroVMStateDirRoot, labID)
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("state dir: %v", err))
		return result
	}
	result.Debug.TempDirRedacted = "<state-dir>"

	bootStart := time.Now()
	pid, err := boot(cfg, sd, labID)
	result.Timings["boot"] = time.Since(bootStart)
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("boot: %v", err))
		return result
	}
	result.Debug.HypervisorPID = pid

	time.Sleep(opts.StartupGrace)
	if !pidAlive(pid) {
		result.Notes = append(result.Notes, "hypervisor process did not survive startup grace period")
		return result
	}
	result.Notes = append(result.Notes, "hypervisor alive past startup grace period")

	metricsPath, err := sd.MetricsFile()
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("metrics path: %v", err))
		return result
	}
	metricsStart := time.Now()
	found := waitForFile(metricsPath, opts.MetricsWait)
	result.Timings["metrics_wait"] = time.Since(metricsStart)
	if !found {
		result.Notes = append(result.Notes, "metrics file did not appear within timeout")
		return result
	}
	result.Notes = append(result.Notes, "metrics file observed")

	_ = killQuiet(pid)

	result.Ok = true
	if !opts.KeepOnSuccess {
		_ = sd.Remove()
	}
	return result
}

// boot launches the hypervisor directly via internal/subprocess, bypassing
// the full CreateLab sequence (no networking, no guest agent handshake) —
// this is a standalone liveness probe, not a lab provision.
func boot(cfg *config.Settings, sd *microvm.StateDir, labID uuid.UUID) (int, error) {
	bootConfigPath, err := sd.BootConfig()
	if err != nil {
		return 0, err
	}
	controlSocket, err := sd.ControlSocket()
	if err != nil {
		return 0, err
	}
	vsockPath, err := sd.VsockPath()
	if err != nil {
		return 0, err
	}
	stderrLog, err := sd.StderrLog()
	if err != nil {
		return 0, err
	}

	doc := fmt.Sprintf(`{"kernel_image_path":%q,"root_drive_path":%q,"vcpu_count":1,"mem_size_mib":256,"labels":{"octolab_smoke":%q}}`,
		cfg.KernelImagePath, cfg.RootfsImagePath, labID.String())
	if err := os.WriteFile(bootConfigPath, []byte(doc), 0o600); err != nil {
		return 0, err
	}

	return subprocess.StartDetached(cfg.HypervisorPath, []string{
		"--api-sock", controlSocket,
		"--config-file", bootConfigPath,
		"--vsock", vsockPath,
	}, stderrLog)
}

func waitForFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func killQuiet(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Signal(syscall.SIGTERM)
}
