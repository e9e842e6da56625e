package microvm

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/types"
)

// DestroyLab implements the teardown sequence from spec.md §4.4: best-effort
// compose_down via the guest agent, kill the hypervisor process, remove
// port-forward rules, tear down the TAP device and egress rules, remove the
// state directory. Every step is a no-op on already-gone state and carries
// its own fixed timeout.
//
// NetworksFound/NetworksRemoved on the returned report are repurposed to
// list the TAP device and packet-filter rule identifiers removed, not
// Docker network names.
func (d *Driver) DestroyLab(ctx context.Context, lab *types.Lab) (*runtime.TeardownReport, error) {
	report := &runtime.TeardownReport{}

	stateDirPath := lab.RuntimeMeta["state_dir"]
	tap := lab.RuntimeMeta["tap"]

	if stateDirPath != "" {
		report.PreRunning = 1
		vsockPath := stateDirPath + "/vsock.sock"
		client := d.newAgentClient(vsockPath)
		downCtx, cancel := context.WithTimeout(ctx, d.agentTimeout("compose_down"))
		_, err := client.ComposeDown(downCtx, d.agentTimeout("compose_down"))
		cancel()
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	pid, pidErr := readPidFile(stateDirPath + "/hypervisor.pid")
	if pidErr == nil {
		if err := killProcess(pid); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		waitExit(pid, 5*time.Second)
	}
	if pidErr != nil || !processAlive(pid) {
		report.RemainingFinal = 0
	} else {
		report.RemainingFinal = 1
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.TeardownTimeout)
	defer cancel()

	removedForward := removePortForward(teardownCtx, lab.ID)
	removedEgress := removeEgressRules(teardownCtx, lab.ID)
	report.NetworksFound = append(report.NetworksFound, removedForward...)
	report.NetworksFound = append(report.NetworksFound, removedEgress...)
	report.NetworksRemoved = append(report.NetworksRemoved, removedForward...)
	report.NetworksRemoved = append(report.NetworksRemoved, removedEgress...)

	if tap != "" {
		if err := teardownNetworking(teardownCtx, tap, lab.ID); err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.NetworksFound = append(report.NetworksFound, tap)
			report.NetworksRemoved = append(report.NetworksRemoved, tap)
		}
	}

	if stateDirPath != "" {
		if err := os.RemoveAll(stateDirPath); err != nil && !os.IsNotExist(err) {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	report.VerifiedStopped = report.RemainingFinal == 0 && len(report.Errors) == 0
	return report, nil
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Signal(syscall.SIGTERM)
}

func waitExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
}
