// Package microvm drives the microVM isolation backend: a per-lab
// hypervisor process launched via internal/subprocess, a TAP-backed
// network slice, and a JSON-over-vsock guest agent protocol
// (internal/runtime/microvm/agent). Grounded on spec.md §4.4's exact
// operation sequence; the process/state-directory shape takes its idiom
// from the vulcan firecracker backend reference (not its SDK — OctoLab
// shells out to an operator-supplied hypervisor binary instead of linking
// firecracker-go-sdk).
package microvm

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/runtime/microvm/agent"
	"github.com/octolab-io/octolab/internal/subprocess"
	"github.com/octolab-io/octolab/internal/types"
)

// VNCGuestPort is the desktop's VNC port inside the guest. Single source
// of truth, mirroring the container driver's VNCInternalPort: never 5901.
const VNCGuestPort = 5900

// Driver implements runtime.Driver against an operator-supplied hypervisor
// binary, driven entirely through internal/subprocess and the guest agent
// vsock protocol.
type Driver struct {
	cfg    *config.Settings
	logger zerolog.Logger

	// newAgentClient is a package-level seam so tests can stub the guest
	// agent without a real vsock proxy.
	newAgentClient func(socketPath string) agentClient
}

type agentClient interface {
	Ping(ctx context.Context, timeout time.Duration) (*agent.Response, error)
	ConfigureNetwork(ctx context.Context, ip, mask, gateway, dns string, timeout time.Duration) (*agent.Response, error)
	UploadProject(ctx context.Context, bundleBase64 string, timeout time.Duration) (*agent.Response, error)
	ComposeUp(ctx context.Context, timeout time.Duration) (*agent.Response, error)
	ComposeDown(ctx context.Context, timeout time.Duration) (*agent.Response, error)
	Diag(ctx context.Context, timeout time.Duration) (*agent.Response, error)
}

// New builds a microVM Driver.
func New(cfg *config.Settings, logger zerolog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logger,
		newAgentClient: func(socketPath string) agentClient {
			return agent.NewClient(socketPath)
		},
	}
}

var _ runtime.Driver = (*Driver)(nil)

// preflight stats and executable-checks the hypervisor binary, kernel
// image, and rootfs image, collecting warnings for optional tooling
// without failing the lab on their absence.
func (d *Driver) preflight() (warnings []string, err error) {
	required := map[string]string{
		"hypervisor": d.cfg.HypervisorPath,
		"kernel":     d.cfg.KernelImagePath,
		"rootfs":     d.cfg.RootfsImagePath,
	}
	for label, path := range required {
		if path == "" {
			return nil, orcherr.New(orcherr.ErrRuntimeError, fmt.Sprintf("microvm: %s path not configured", label), nil)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, orcherr.New(orcherr.ErrRuntimeError, fmt.Sprintf("microvm: %s not accessible", label), map[string]any{"path": path, "err": statErr.Error()})
		}
		if label == "hypervisor" && info.Mode()&0o111 == 0 {
			return nil, orcherr.New(orcherr.ErrRuntimeError, "microvm: hypervisor binary is not executable", map[string]any{"path": path})
		}
	}
	return warnings, nil
}

// CreateLab boots a microVM, configures its network, uploads the compose
// bundle, and brings it up over the guest agent protocol.
func (d *Driver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) error {
	if _, err := d.preflight(); err != nil {
		return err
	}

	tap := runtime.TAPName(lab.ID)
	if err := runtime.ValidateName(runtime.KindTAP, tap); err != nil {
		return err
	}

	slice, err := allocateSlice(d.cfg.MicroVMSubnet, lab.ID)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	sd, err := NewStateDir(d.cfg.MicroVMStateDirRoot, lab.ID)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	hostPort, err := d.allocateHostPort(lab)
	if err != nil {
		return err
	}

	if err := setupNetworking(ctx, tap, slice); err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	if err := addPortForward(ctx, lab.ID, hostPort, slice.GuestAddr, VNCGuestPort); err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	if err := d.bootHypervisor(ctx, lab, sd, tap); err != nil {
		_ = teardownNetworking(context.Background(), tap, lab.ID)
		return err
	}

	vsockPath, err := sd.VsockPath()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	client := d.newAgentClient(vsockPath)

	pingResp, err := client.Ping(ctx, d.agentTimeout("ping"))
	if err != nil {
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: guest agent ping failed", map[string]any{"err": err.Error()})
	}
	if pingResp.Stale() {
		return orcherr.New(orcherr.ErrStaleImage, "microvm: guest agent reports a stale image; rebuild the rootfs", map[string]any{
			"agent_version":   pingResp.AgentVersion,
			"rootfs_build_id": pingResp.RootfsBuildID,
		})
	}

	if _, err := client.ConfigureNetwork(ctx, slice.GuestAddr, slice.Mask, slice.HostAddr, "1.1.1.1", d.agentTimeout("configure_network")); err != nil {
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: configure_network failed", map[string]any{"err": err.Error()})
	}

	bundle, err := buildComposeBundle(lab, recipe, vncPassword)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	if _, err := client.UploadProject(ctx, bundle, d.agentTimeout("upload_project")); err != nil {
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: upload_project failed", map[string]any{"err": err.Error()})
	}

	upResp, err := client.ComposeUp(ctx, d.agentTimeout("compose_up"))
	if err != nil || !upResp.Ok {
		diag, _ := client.Diag(ctx, d.agentTimeout("diag"))
		details := map[string]any{}
		if err != nil {
			details["err"] = err.Error()
		}
		if upResp != nil {
			details["stderr"] = truncate(upResp.Stderr, 4096)
		}
		if diag != nil {
			details["diag"] = truncate(diag.Stdout, 4096)
		}
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: compose_up failed", details)
	}

	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = map[string]string{}
	}
	lab.RuntimeMeta["guest_ip"] = slice.GuestAddr
	lab.RuntimeMeta["guest_vnc_port"] = strconv.Itoa(VNCGuestPort)
	lab.RuntimeMeta["host_bridge_addr"] = slice.HostAddr
	lab.RuntimeMeta["forwarded_host_port"] = strconv.Itoa(hostPort)
	lab.RuntimeMeta["tap"] = tap
	lab.RuntimeMeta["state_dir"] = sd.Root()
	return nil
}

func (d *Driver) agentTimeout(verb string) time.Duration {
	if t, ok := d.cfg.AgentTimeouts[verb]; ok && t > 0 {
		return t
	}
	return 10 * time.Second
}

func (d *Driver) allocateHostPort(lab *types.Lab) (int, error) {
	min, max := d.cfg.ContainerPortRange.Min, d.cfg.ContainerPortRange.Max
	if max <= min {
		return 0, orcherr.New(orcherr.ErrRuntimeError, "microvm: invalid host port range", nil)
	}
	h := uuidToUint32(lab.ID)
	return min + int(h%uint32(max-min)), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// WaitForHealthy polls the guest agent's status verb until it reports
// healthy or the timeout elapses.
func (d *Driver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	stateDirPath := lab.RuntimeMeta["state_dir"]
	if stateDirPath == "" {
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: no state dir recorded for lab", nil)
	}
	vsockPath := stateDirPath + "/vsock.sock"
	client := d.newAgentClient(vsockPath)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Ping(ctx, 2*time.Second)
		if err == nil && resp.Ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return orcherr.Wrap(orcherr.ErrTimeout, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return orcherr.New(orcherr.ErrTimeout, "microvm guest did not become healthy in time", nil)
}

// ResourcesExistForLab conservatively reports true on any uncertainty, per
// the same "assume exist, attempt teardown" rule the container driver uses.
func (d *Driver) ResourcesExistForLab(ctx context.Context, lab *types.Lab) bool {
	pidPath := lab.RuntimeMeta["state_dir"]
	if pidPath == "" {
		return false
	}
	pid, err := readPidFile(pidPath + "/hypervisor.pid")
	if err != nil {
		return true
	}
	return processAlive(pid)
}

func readPidFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs no-op existence/permission checks without
	// affecting the target process.
	return proc.Signal(syscall.Signal(0)) == nil
}

// bootHypervisor launches the hypervisor binary as a detached background
// process pointed at this lab's boot config and state directory, recording
// its pid for teardown and liveness checks.
func (d *Driver) bootHypervisor(ctx context.Context, lab *types.Lab, sd *StateDir, tap string) error {
	bootConfig, err := sd.BootConfig()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	if err := writeBootConfig(bootConfig, d.cfg, lab, tap); err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	controlSocket, err := sd.ControlSocket()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	vsockPath, err := sd.VsockPath()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	stderrLog, err := sd.StderrLog()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	pidFile, err := sd.PidFile()
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	args := []string{
		"--api-sock", controlSocket,
		"--config-file", bootConfig,
		"--vsock", vsockPath,
	}
	pid, err := subprocess.StartDetached(d.cfg.HypervisorPath, args, stderrLog)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	// Give the hypervisor a moment to create its control socket before the
	// caller starts dialing the guest agent.
	select {
	case <-ctx.Done():
		return orcherr.Wrap(orcherr.ErrTimeout, ctx.Err())
	case <-time.After(200 * time.Millisecond):
	}
	if !processAlive(pid) {
		stderrContent, _ := os.ReadFile(stderrLog)
		return orcherr.New(orcherr.ErrRuntimeError, "microvm: hypervisor exited immediately after launch", map[string]any{
			"stderr": truncate(string(stderrContent), 4096),
		})
	}
	return nil
}
