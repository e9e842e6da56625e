package container

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/subprocess"
	"github.com/octolab-io/octolab/internal/types"
)

// networkRemoveResult classifies a single `docker network rm` attempt,
// grounded on docker_net.py's NetworkRemoveResult/classify_network_error.
type networkRemoveResult int

const (
	networkRmOK networkRemoveResult = iota
	networkRmNotFound
	networkRmInUse
	networkRmError
)

var (
	networkNotFoundPatterns = []string{"not found", "no such network"}
	networkInUsePatterns    = []string{"has active endpoints", "resource is still in use", "network is in use"}
)

func classifyNetworkError(stderr string) networkRemoveResult {
	lower := strings.ToLower(stderr)
	for _, p := range networkNotFoundPatterns {
		if strings.Contains(lower, p) {
			return networkRmNotFound
		}
	}
	for _, p := range networkInUsePatterns {
		if strings.Contains(lower, p) {
			return networkRmInUse
		}
	}
	return networkRmError
}

// DestroyLab performs the verify -> act -> verify teardown protocol and the
// bounded network-removal retry, grounded on spec.md §4.3/§4.3.1 verbatim.
func (d *Driver) DestroyLab(ctx context.Context, lab *types.Lab) (*runtime.TeardownReport, error) {
	project := runtime.ProjectName(lab.ID)
	if err := runtime.ValidateName(runtime.KindProject, project); err != nil {
		return nil, err
	}

	report := &runtime.TeardownReport{}

	preRunning, err := d.listProjectContainers(ctx, project)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.PreRunning = len(preRunning)

	_, _ = subprocess.Run(ctx, "docker",
		[]string{"compose", "-p", project, "down", "--remove-orphans"},
		subprocess.WithTimeout(d.cfg.TeardownTimeout),
	)

	remaining, err := d.listProjectContainers(ctx, project)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.RemainingAfterDown = len(remaining)

	if len(remaining) > 0 {
		rc := d.forceRemoveContainers(ctx, remaining)
		report.RmRC = rc
		remaining, err = d.listProjectContainers(ctx, project)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	report.RemainingFinal = len(remaining)

	if report.RemainingFinal == 0 {
		networks, err := d.listProjectNetworks(ctx, project)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.NetworksFound = networks
		for _, n := range networks {
			result, err := removeNetworkVerified(ctx, d.cfg, n, lab.ID)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			if result == networkRmOK || result == networkRmNotFound {
				report.NetworksRemoved = append(report.NetworksRemoved, n)
			}
		}
	}

	report.VerifiedStopped = report.RemainingFinal == 0 && len(report.NetworksRemoved) == len(report.NetworksFound)

	d.releasePort(lab)
	return report, nil
}

func (d *Driver) listProjectContainers(ctx context.Context, project string) ([]string, error) {
	res, err := subprocess.Run(ctx, "docker",
		[]string{"ps", "-aq", "--filter", "label=com.docker.compose.project=" + project},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return strings.Fields(res.Stdout), nil
}

func (d *Driver) listProjectNetworks(ctx context.Context, project string) ([]string, error) {
	res, err := subprocess.Run(ctx, "docker",
		[]string{"network", "ls", "--filter", "label=com.docker.compose.project=" + project, "--format", "{{.Name}}"},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return strings.Fields(res.Stdout), nil
}

// forceRemoveContainers removes containers by id (not name), after compose
// down has already had its chance, per §4.3 step 3.
func (d *Driver) forceRemoveContainers(ctx context.Context, ids []string) int {
	args := append([]string{"rm", "-f"}, ids...)
	res, err := subprocess.Run(ctx, "docker", args, subprocess.WithTimeout(30*time.Second))
	if err != nil {
		return -1
	}
	return res.ExitCode
}

// removeNetworkVerified implements the §4.3.1 bounded retry: classify
// failure, and on IN_USE either clean up this project's own containers,
// force-disconnect allowlisted control-plane containers, or give up naming
// the blockers.
func removeNetworkVerified(ctx context.Context, cfg *config.Settings, networkName string, labID uuid.UUID) (networkRemoveResult, error) {
	retries := cfg.NetworkRmRetries
	if retries <= 0 {
		retries = 5
	}
	backoff := cfg.NetworkRmBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for attempt := 0; attempt < retries; attempt++ {
		res, err := subprocess.Run(ctx, "docker", []string{"network", "rm", networkName}, subprocess.WithTimeout(30*time.Second))
		if err != nil {
			return networkRmError, err
		}
		if res.ExitCode == 0 {
			return networkRmOK, nil
		}

		result := classifyNetworkError(res.Stderr)
		switch result {
		case networkRmNotFound:
			return networkRmNotFound, nil
		case networkRmInUse:
			attached, err := attachedContainers(ctx, networkName)
			if err != nil {
				return networkRmError, err
			}
			if len(attached) == 0 {
				time.Sleep(backoff)
				continue
			}
			projectOwned, foreign := classifyAttached(attached, labID, cfg.ControlPlaneAllowlist)
			if len(projectOwned) > 0 {
				project := runtime.ProjectName(labID)
				_, _ = subprocess.Run(ctx, "docker", []string{"compose", "-p", project, "rm", "-sfv"}, subprocess.WithTimeout(30*time.Second))
				continue
			}
			if len(foreign) == 0 {
				for _, c := range attached {
					_, _ = subprocess.Run(ctx, "docker", []string{"network", "disconnect", "--force", networkName, c}, subprocess.WithTimeout(10*time.Second))
				}
				continue
			}
			return networkRmInUse, fmt.Errorf("cleanup_blocked: network %s still attached to %v", networkName, foreign)
		default:
			return networkRmError, fmt.Errorf("docker network rm %s failed: %s", networkName, res.Stderr)
		}
	}
	return networkRmInUse, fmt.Errorf("network %s still in use after %d retries, giving up", networkName, retries)
}

func attachedContainers(ctx context.Context, networkName string) ([]string, error) {
	res, err := subprocess.Run(ctx, "docker",
		[]string{"network", "inspect", networkName, "--format", "{{range $k, $v := .Containers}}{{$v.Name}} {{end}}"},
		subprocess.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	return strings.Fields(res.Stdout), nil
}

// projectContainerPattern accounts for compose v2's underscore->hyphen
// convention when matching a container name against a project.
func projectContainerPattern(project string) *regexp.Regexp {
	hyphenated := strings.ReplaceAll(project, "_", "-")
	return regexp.MustCompile("^" + regexp.QuoteMeta(hyphenated) + "-.+-[0-9]+$")
}

func classifyAttached(attached []string, labID uuid.UUID, allowlist []string) (projectOwned, foreign []string) {
	pattern := projectContainerPattern(runtime.ProjectName(labID))
	allow := make(map[string]bool, len(allowlist))
	for _, a := range allowlist {
		allow[a] = true
	}
	for _, c := range attached {
		switch {
		case pattern.MatchString(c):
			projectOwned = append(projectOwned, c)
		case allow[c]:
			// allowlisted control-plane container, handled by the
			// force-disconnect branch in removeNetworkVerified
		default:
			foreign = append(foreign, c)
		}
	}
	return projectOwned, foreign
}
