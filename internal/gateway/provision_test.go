package gateway

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/security"
	"github.com/octolab-io/octolab/internal/types"
)

type stubClient struct {
	healthOK       bool
	loginErr       error
	createUserErr  error
	createConnErr  error
	grantErr       error
	deleteConnErr  error
	deleteUserErr  error
	createdConn    *Connection
	deletedConnIDs []string
	deletedUsers   []string
}

func (s *stubClient) HealthCheck(ctx context.Context) bool { return s.healthOK }

func (s *stubClient) LoginAdmin(ctx context.Context) (string, error) {
	if s.loginErr != nil {
		return "", s.loginErr
	}
	return "test-token", nil
}

func (s *stubClient) CreateUser(ctx context.Context, token, username, password string) error {
	return s.createUserErr
}

func (s *stubClient) DeleteUser(ctx context.Context, token, username string) error {
	s.deletedUsers = append(s.deletedUsers, username)
	return s.deleteUserErr
}

func (s *stubClient) CreateConnection(ctx context.Context, token, name, hostname string, port int, password string) (*Connection, error) {
	if s.createConnErr != nil {
		return nil, s.createConnErr
	}
	if s.createdConn != nil {
		return s.createdConn, nil
	}
	return &Connection{Identifier: "conn-1"}, nil
}

func (s *stubClient) DeleteConnection(ctx context.Context, token, identifier string) error {
	s.deletedConnIDs = append(s.deletedConnIDs, identifier)
	return s.deleteConnErr
}

func (s *stubClient) GrantConnectionPermission(ctx context.Context, token, username, connectionIdentifier string) error {
	return s.grantErr
}

type stubAttacher struct {
	attachCalled, detachCalled, probeCalled bool
	attachErr, probeErr                     error
}

func (s *stubAttacher) AttachToLab(ctx context.Context, labID uuid.UUID) error {
	s.attachCalled = true
	return s.attachErr
}

func (s *stubAttacher) DetachFromLab(ctx context.Context, labID uuid.UUID) error {
	s.detachCalled = true
	return nil
}

func (s *stubAttacher) ProbeReachable(ctx context.Context, labID uuid.UUID, targetHost string, targetPort int) error {
	s.probeCalled = true
	return s.probeErr
}

func testProvisioner(t *testing.T, client Client, attacher NetworkAttacher) *Provisioner {
	t.Helper()
	cfg := &config.Settings{
		GatewayEnabled:        true,
		GatewayBaseURL:        "http://127.0.0.1:1/guacamole",
		GatewayAdminUser:      "guacadmin",
		GatewayAdminPass:      "secret",
		GatewayEncryptionSeed: []byte("test-seed"),
		ControlPlaneAllowlist: []string{"guacd"},
	}
	return &Provisioner{
		cfg:       cfg,
		client:    client,
		attacher:  attacher,
		secretBox: security.NewSecretBox(security.DeriveKey(cfg.GatewayEncryptionSeed)),
		logger:    zerolog.Nop(),
	}
}

func TestUsernameAndConnectionNameUseFirst8Chars(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")
	assert.Equal(t, "lab_a1b2c3d4", Username(id))
	assert.Equal(t, "octolab-a1b2c3d4", ConnectionName(id))
}

func TestProvisionSkipsWhenGatewayDisabled(t *testing.T) {
	p := testProvisioner(t, &stubClient{}, &stubAttacher{})
	p.cfg.GatewayEnabled = false

	lab := &types.Lab{ID: uuid.New(), Runtime: types.RuntimeContainer}
	err := p.Provision(context.Background(), lab, "vnc-pass")
	require.NoError(t, err)
	assert.Empty(t, lab.GatewayUserID)
}

func TestProvisionContainerRuntimeSetsConnectionAndSeal(t *testing.T) {
	client := &stubClient{createdConn: &Connection{Identifier: "conn-xyz"}}
	attacher := &stubAttacher{}
	p := testProvisioner(t, client, attacher)

	lab := &types.Lab{
		ID:          uuid.New(),
		Runtime:     types.RuntimeContainer,
		RuntimeMeta: map[string]string{"desktop_hostname": "octolab-abc-desktop-1"},
	}

	err := p.Provision(context.Background(), lab, "vnc-pass")
	require.NoError(t, err)

	assert.Equal(t, Username(lab.ID), lab.GatewayUserID)
	assert.Equal(t, "conn-xyz", lab.GatewayConnectionID)
	assert.NotEmpty(t, lab.GatewayPasswordEnc)
	assert.Equal(t, "/labs/"+lab.ID.String()+"/connect", lab.ConnectionURL)
	assert.True(t, attacher.attachCalled)
	assert.True(t, attacher.probeCalled)

	opened, err := p.secretBox.Open(lab.GatewayPasswordEnc)
	require.NoError(t, err)
	assert.Equal(t, "vnc-pass", string(opened))
}

func TestProvisionMicroVMRuntimeDoesNotAttachNetwork(t *testing.T) {
	client := &stubClient{}
	attacher := &stubAttacher{}
	p := testProvisioner(t, client, attacher)

	lab := &types.Lab{
		ID:      uuid.New(),
		Runtime: types.RuntimeMicroVM,
		RuntimeMeta: map[string]string{
			"host_bridge_addr":    "10.200.1.1",
			"forwarded_host_port": "31000",
		},
	}

	err := p.Provision(context.Background(), lab, "vnc-pass")
	require.NoError(t, err)
	assert.False(t, attacher.attachCalled)
	assert.False(t, attacher.probeCalled)
}

func TestProvisionPropagatesCreateConnectionError(t *testing.T) {
	client := &stubClient{createConnErr: assertErr("boom")}
	p := testProvisioner(t, client, &stubAttacher{})

	lab := &types.Lab{ID: uuid.New(), Runtime: types.RuntimeContainer, RuntimeMeta: map[string]string{}}
	err := p.Provision(context.Background(), lab, "vnc-pass")
	require.Error(t, err)
	assert.Empty(t, lab.GatewayConnectionID)
}

func TestTeardownDeletesConnectionAndUserBestEffort(t *testing.T) {
	client := &stubClient{healthOK: true}
	attacher := &stubAttacher{}
	p := testProvisioner(t, client, attacher)

	lab := &types.Lab{
		ID:                  uuid.New(),
		Runtime:             types.RuntimeContainer,
		GatewayUserID:       "lab_a1b2c3d4",
		GatewayConnectionID: "conn-xyz",
	}

	err := p.Teardown(context.Background(), lab)
	require.NoError(t, err)
	assert.True(t, attacher.detachCalled)
	assert.Contains(t, client.deletedConnIDs, "conn-xyz")
	assert.Contains(t, client.deletedUsers, "lab_a1b2c3d4")
}

func TestTeardownNoopWhenNoGatewayResources(t *testing.T) {
	client := &stubClient{}
	attacher := &stubAttacher{}
	p := testProvisioner(t, client, attacher)

	lab := &types.Lab{ID: uuid.New(), Runtime: types.RuntimeContainer}
	err := p.Teardown(context.Background(), lab)
	require.NoError(t, err)
	assert.False(t, attacher.detachCalled)
}

func TestTeardownSkipsDeletionWhenGatewayUnreachable(t *testing.T) {
	client := &stubClient{healthOK: false}
	p := testProvisioner(t, client, &stubAttacher{})

	lab := &types.Lab{ID: uuid.New(), Runtime: types.RuntimeContainer, GatewayUserID: "lab_x"}
	err := p.Teardown(context.Background(), lab)
	require.NoError(t, err)
	assert.Empty(t, client.deletedUsers)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
