// Package container drives the container isolation backend entirely
// through the docker/docker-compose CLI via internal/subprocess — never
// through a client SDK. Grounded on docker_net.py (network lifecycle,
// teardown classification) and the general compose-project shape implied
// by compose_runtime.py, not on a containerd client SDK (see DESIGN.md
// for why containerd was dropped).
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/subprocess"
	"github.com/octolab-io/octolab/internal/types"
)

// VNCInternalPort is the desktop's VNC port inside every lab container.
// Single source of truth, mirroring docker_net.py's VNC_INTERNAL_PORT
// comment: this is never 5901.
const VNCInternalPort = 5900

const desktopServiceName = "desktop"

// Driver implements runtime.Driver against the docker/docker-compose CLI.
type Driver struct {
	store  *store.Store
	cfg    *config.Settings
	logger zerolog.Logger
}

// New builds a container Driver.
func New(st *store.Store, cfg *config.Settings, logger zerolog.Logger) *Driver {
	return &Driver{store: st, cfg: cfg, logger: logger}
}

var _ runtime.Driver = (*Driver)(nil)

// CreateLab allocates a port, renders a compose bundle, and brings it up.
func (d *Driver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) error {
	if d.cfg.AuthMode == "none" && !isLoopback(d.cfg.BindHost) {
		return orcherr.New(orcherr.ErrRuntimeError, "passwordless desktop guard: auth_mode=none requires a loopback bind host", map[string]any{
			"auth_mode": d.cfg.AuthMode,
			"bind_host": d.cfg.BindHost,
		})
	}

	if err := d.preflightRemoveEmptyNetworks(ctx, lab); err != nil {
		d.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("preflight network cleanup failed, continuing")
	}

	port, err := d.reservePortWithRetry(lab)
	if err != nil {
		return err
	}

	project := runtime.ProjectName(lab.ID)
	if err := runtime.ValidateName(runtime.KindProject, project); err != nil {
		d.releasePort(lab)
		return err
	}

	dir, err := d.renderComposeBundle(lab, recipe, vncPassword, port)
	if err != nil {
		d.releasePort(lab)
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}

	res, err := subprocess.Run(ctx, "docker",
		[]string{"compose", "-p", project, "--project-directory", dir, "up", "-d"},
		subprocess.WithTimeout(d.cfg.ProvisioningTimeout),
	)
	if err != nil {
		d.releasePort(lab)
		return orcherr.Wrap(orcherr.ErrRuntimeError, err)
	}
	if res.ExitCode != 0 {
		if isPoolExhausted(res.Stderr) {
			d.releasePort(lab)
			return orcherr.New(orcherr.ErrPoolExhausted, "docker reported IP pool exhaustion", map[string]any{"stderr": res.Stderr})
		}
		d.releasePort(lab)
		return orcherr.New(orcherr.ErrRuntimeError, "compose up failed", map[string]any{"stderr": res.Stderr, "exit_code": res.ExitCode})
	}

	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = map[string]string{}
	}
	lab.RuntimeMeta["bound_port"] = fmt.Sprintf("%d", port)
	lab.RuntimeMeta["project"] = project
	lab.RuntimeMeta["compose_dir"] = dir
	lab.RuntimeMeta["desktop_hostname"] = fmt.Sprintf("%s-%s-1", strings.ReplaceAll(project, "_", "-"), desktopServiceName)
	return nil
}

func (d *Driver) reservePortWithRetry(lab *types.Lab) (int, error) {
	retries := d.cfg.PortRetryLimit
	if retries <= 0 {
		retries = 5
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		port, err := d.store.ReservePort(lab.OwnerID, lab.ID.String(), store.PortRange(d.cfg.ContainerPortRange))
		if err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, orcherr.Wrap(orcherr.ErrPoolExhausted, lastErr)
}

func (d *Driver) releasePort(lab *types.Lab) {
	if err := d.store.ReleasePort(lab.OwnerID, lab.ID.String()); err != nil {
		d.logger.Warn().Err(err).Msg("releasing port reservation failed")
	}
}

func isPoolExhausted(stderr string) bool {
	l := strings.ToLower(stderr)
	return strings.Contains(l, "no available") && strings.Contains(l, "pool") ||
		strings.Contains(l, "address already in use")
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// WaitForHealthy polls the bound web/VNC port until it accepts connections.
func (d *Driver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	port := lab.RuntimeMeta["bound_port"]
	if port == "" {
		return orcherr.New(orcherr.ErrRuntimeError, "no bound port recorded for lab", nil)
	}
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("%s:%s", firstNonLoopback(d.cfg.BindHost), port)
	for time.Now().Before(deadline) {
		if tcpDial(addr, 2*time.Second) {
			return nil
		}
		select {
		case <-ctx.Done():
			return orcherr.Wrap(orcherr.ErrTimeout, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return orcherr.New(orcherr.ErrTimeout, "desktop did not become healthy in time", map[string]any{"addr": addr})
}

// ResourcesExistForLab conservatively reports true on any error, per the
// spec's "assume exist so we try teardown rather than silently drop state"
// rule.
func (d *Driver) ResourcesExistForLab(ctx context.Context, lab *types.Lab) bool {
	project := runtime.ProjectName(lab.ID)
	res, err := subprocess.Run(ctx, "docker",
		[]string{"ps", "-a", "--filter", "label=com.docker.compose.project=" + project, "--format", "{{.ID}}"},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil {
		return true
	}
	if res.ExitCode != 0 {
		return true
	}
	return strings.TrimSpace(res.Stdout) != ""
}

func (d *Driver) preflightRemoveEmptyNetworks(ctx context.Context, lab *types.Lab) error {
	res, err := subprocess.Run(ctx, "docker",
		[]string{"network", "ls", "--filter", "label=com.docker.compose.project", "--format", "{{.Name}}"},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil || res.ExitCode != 0 {
		return err
	}
	for _, name := range strings.Fields(res.Stdout) {
		if runtime.ValidateName(runtime.KindNetwork, name) != nil {
			continue
		}
		if d.networkHasEndpoints(ctx, name) {
			continue
		}
		_, _ = removeNetworkVerified(ctx, d.cfg, name, lab.ID)
	}
	return nil
}

func (d *Driver) networkHasEndpoints(ctx context.Context, name string) bool {
	res, err := subprocess.Run(ctx, "docker",
		[]string{"network", "inspect", name, "--format", "{{len .Containers}}"},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil || res.ExitCode != 0 {
		return true
	}
	return strings.TrimSpace(res.Stdout) != "0"
}

func tcpDial(addr string, timeout time.Duration) bool {
	return dialFunc(addr, timeout)
}

// dialFunc is a package variable so tests can stub network dialing.
var dialFunc = defaultDial

func firstNonLoopback(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "127.0.0.1"
	}
	return host
}

// renderComposeBundle writes docker-compose.yml + .env to a fresh lab
// directory using a yaml.v3-built document, the compose-bundle templating
// concern named in the domain-stack table.
func (d *Driver) renderComposeBundle(lab *types.Lab, recipe *types.Recipe, vncPassword string, port int) (string, error) {
	dir := filepath.Join(os.TempDir(), "octolab-compose", lab.ID.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating compose directory: %w", err)
	}

	image := "octolab/desktop:latest"
	if recipe != nil && recipe.Software != "" {
		image = recipe.Software
	}

	doc := composeDocument{
		Services: map[string]composeService{
			desktopServiceName: {
				Image: image,
				Ports: []string{fmt.Sprintf("%d:%d", port, VNCInternalPort)},
				Environment: map[string]string{
					"OCTOLAB_LAB_ID":   lab.ID.String(),
					"OCTOLAB_AUTH":     d.cfg.AuthMode,
					"VNC_PASSWORD":     vncPassword,
					"OCTOLAB_GATEWAY":  boolEnv(d.cfg.GatewayBaseURL != ""),
				},
				Networks: []string{"lab_net", "egress_net"},
			},
		},
		Networks: map[string]composeNetwork{
			"lab_net":    {Name: runtime.LabNetworkName(lab.ID)},
			"egress_net": {Name: runtime.EgressNetworkName(lab.ID)},
		},
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshaling compose document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), out, 0o600); err != nil {
		return "", fmt.Errorf("writing docker-compose.yml: %w", err)
	}

	envContent := fmt.Sprintf("OCTOLAB_LAB_ID=%s\nVNC_PASSWORD=%s\n", lab.ID.String(), vncPassword)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0o600); err != nil {
		return "", fmt.Errorf("writing .env: %w", err)
	}
	return dir, nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Environment map[string]string `yaml:"environment"`
	Networks    []string          `yaml:"networks"`
}

type composeNetwork struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external,omitempty"`
}
