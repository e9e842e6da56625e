package microvm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/runtime/microvm/agent"
	"github.com/octolab-io/octolab/internal/types"
)

type stubAgentClient struct {
	pingResp   *agent.Response
	pingErr    error
	composeUp  *agent.Response
	composeErr error
}

func (s *stubAgentClient) Ping(ctx context.Context, timeout time.Duration) (*agent.Response, error) {
	return s.pingResp, s.pingErr
}
func (s *stubAgentClient) ConfigureNetwork(ctx context.Context, ip, mask, gateway, dns string, timeout time.Duration) (*agent.Response, error) {
	return &agent.Response{Ok: true}, nil
}
func (s *stubAgentClient) UploadProject(ctx context.Context, bundleBase64 string, timeout time.Duration) (*agent.Response, error) {
	return &agent.Response{Ok: true}, nil
}
func (s *stubAgentClient) ComposeUp(ctx context.Context, timeout time.Duration) (*agent.Response, error) {
	return s.composeUp, s.composeErr
}
func (s *stubAgentClient) ComposeDown(ctx context.Context, timeout time.Duration) (*agent.Response, error) {
	return &agent.Response{Ok: true}, nil
}
func (s *stubAgentClient) Diag(ctx context.Context, timeout time.Duration) (*agent.Response, error) {
	return &agent.Response{Ok: true, Stdout: "diag output"}, nil
}

func testSettings(t *testing.T) *config.Settings {
	dir := t.TempDir()
	hv := dir + "/hypervisor.sh"
	require.NoError(t, os.WriteFile(hv, []byte("#!/bin/sh\nsleep 5\n"), 0o755))
	kernel := dir + "/kernel"
	require.NoError(t, os.WriteFile(kernel, []byte("fake"), 0o644))
	rootfs := dir + "/rootfs.img"
	require.NoError(t, os.WriteFile(rootfs, []byte("fake"), 0o644))

	return &config.Settings{
		HypervisorPath:      hv,
		KernelImagePath:     kernel,
		RootfsImagePath:     rootfs,
		MicroVMStateDirRoot: t.TempDir(),
		MicroVMSubnet:       "10.200.0.0/16",
		ContainerPortRange:  config.PortRange{Min: 31000, Max: 31100},
		ProvisioningTimeout: 5 * time.Second,
		TeardownTimeout:     2 * time.Second,
		AgentTimeouts: map[string]time.Duration{
			"ping": time.Second, "configure_network": time.Second,
			"upload_project": time.Second, "compose_up": 2 * time.Second,
			"compose_down": time.Second, "diag": time.Second,
		},
	}
}

func TestPreflightFailsOnMissingHypervisor(t *testing.T) {
	cfg := testSettings(t)
	cfg.HypervisorPath = "/nonexistent/hv"
	d := New(cfg, zerolog.Nop())
	_, err := d.preflight()
	require.Error(t, err)
}

func TestCreateLabFailsOnStaleImage(t *testing.T) {
	cfg := testSettings(t)
	d := New(cfg, zerolog.Nop())
	d.newAgentClient = func(socketPath string) agentClient {
		return &stubAgentClient{pingResp: &agent.Response{Ok: true}}
	}

	lab := &types.Lab{ID: uuid.New(), OwnerID: "alice"}
	err := d.CreateLab(context.Background(), lab, &types.Recipe{}, "pw")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.ErrStaleImage))
}

func TestCreateLabFailsOnComposeUpError(t *testing.T) {
	cfg := testSettings(t)
	d := New(cfg, zerolog.Nop())
	d.newAgentClient = func(socketPath string) agentClient {
		return &stubAgentClient{
			pingResp:  &agent.Response{Ok: true, AgentVersion: "1.0", RootfsBuildID: "abc"},
			composeUp: &agent.Response{Ok: false, Stderr: "desktop failed"},
		}
	}

	lab := &types.Lab{ID: uuid.New(), OwnerID: "alice"}
	err := d.CreateLab(context.Background(), lab, &types.Recipe{}, "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compose_up")
}

func TestAllocateSliceIsDeterministic(t *testing.T) {
	id := uuid.New()
	s1, err := allocateSlice("10.200.0.0/16", id)
	require.NoError(t, err)
	s2, err := allocateSlice("10.200.0.0/16", id)
	require.NoError(t, err)
	assert.Equal(t, s1.GuestAddr, s2.GuestAddr)
	assert.NotEqual(t, s1.GuestAddr, s1.HostAddr)
}

func TestStateDirRejectsEscape(t *testing.T) {
	sd, err := NewStateDir(t.TempDir(), uuid.New())
	require.NoError(t, err)
	_, err = sd.path("../../etc/passwd")
	require.Error(t, err)
}
