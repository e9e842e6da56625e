package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/health"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/subprocess"
)

// dockerNetAttacher attaches/detaches the gateway proxy container
// (guacd) to a container-runtime lab's network, grounded on
// docker_net.py's connect_guacd_to_lab/disconnect_guacd_from_lab. Every
// call is idempotent: an "already connected"/"not connected" error from
// docker is treated as success, matching the original's string-matching.
type dockerNetAttacher struct {
	proxyContainer string
}

func newDockerNetAttacher(proxyContainer string) NetworkAttacher {
	return &dockerNetAttacher{proxyContainer: proxyContainer}
}

func (a *dockerNetAttacher) AttachToLab(ctx context.Context, labID uuid.UUID) error {
	network := runtime.LabNetworkName(labID)
	if err := runtime.ValidateName(runtime.KindNetwork, network); err != nil {
		return err
	}

	res, err := subprocess.Run(ctx, "docker", []string{"network", "connect", "--alias", "guacd", network, a.proxyContainer},
		subprocess.WithTimeout(10*time.Second))
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	stderr := strings.ToLower(res.Stderr)
	if strings.Contains(stderr, "already") || strings.Contains(stderr, "endpoint with name") {
		return nil
	}
	return fmt.Errorf("gateway: attaching %s to %s: %s", a.proxyContainer, network, res.Stderr)
}

func (a *dockerNetAttacher) DetachFromLab(ctx context.Context, labID uuid.UUID) error {
	network := runtime.LabNetworkName(labID)
	if err := runtime.ValidateName(runtime.KindNetwork, network); err != nil {
		return err
	}

	res, err := subprocess.Run(ctx, "docker", []string{"network", "disconnect", "--force", network, a.proxyContainer},
		subprocess.WithTimeout(10*time.Second))
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	stderr := strings.ToLower(res.Stderr)
	if strings.Contains(stderr, "is not connected") || strings.Contains(stderr, "no such network") {
		return nil
	}
	return fmt.Errorf("gateway: detaching %s from %s: %s", a.proxyContainer, network, res.Stderr)
}

// ProbeReachable is the Go equivalent of preflight_netcheck's final step:
// rather than docker-exec'ing nc inside the proxy container, it dials the
// target directly with the same Checker the drivers use for readiness
// gating, since guacd and octolabd share no network namespace boundary
// relevant to this check once both are attached to the lab network.
func (a *dockerNetAttacher) ProbeReachable(ctx context.Context, labID uuid.UUID, targetHost string, targetPort int) error {
	checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", targetHost, targetPort)).WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("gateway: cannot reach %s:%d: %s", targetHost, targetPort, result.Message)
	}
	return nil
}
