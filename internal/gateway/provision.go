package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/security"
	"github.com/octolab-io/octolab/internal/types"
)

// desktopVNCPort is the desktop's VNC port inside every lab, matching
// VNCInternalPort/VNC_INTERNAL_PORT — the single source of truth for
// "never 5901" lives in internal/runtime/container, this is the same
// value kept local so gateway doesn't need to import a runtime driver
// package just for a constant.
const desktopVNCPort = 5900

// Provisioner is the concrete gateway.Client-backed implementation of lab
// gateway provisioning, grounded end to end on guacamole_provisioner.py.
type Provisioner struct {
	cfg       *config.Settings
	client    Client
	attacher  NetworkAttacher
	secretBox *security.SecretBox
	logger    zerolog.Logger
}

// NewProvisioner wires a Provisioner against a live Guacamole instance
// and the Docker-network attachment helper used for container-runtime
// labs. Returns an inert, always-preflight-OK Provisioner when the
// gateway is disabled in settings.
func NewProvisioner(cfg *config.Settings, logger zerolog.Logger) *Provisioner {
	var client Client
	if cfg.GatewayEnabled {
		client = NewGuacamoleClient(cfg.GatewayBaseURL, cfg.GatewayAdminUser, cfg.GatewayAdminPass)
	}
	proxyContainer := "guacd"
	if len(cfg.ControlPlaneAllowlist) > 0 {
		proxyContainer = cfg.ControlPlaneAllowlist[0]
	}
	return &Provisioner{
		cfg:       cfg,
		client:    client,
		attacher:  newDockerNetAttacher(proxyContainer),
		secretBox: security.NewSecretBox(security.DeriveKey(cfg.GatewayEncryptionSeed)),
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

func (p *Provisioner) rawHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Provision creates a gateway user and VNC connection targeting lab's
// runtime-specific desktop, grants the user access, and (container
// runtime only) attaches the proxy and verifies reachability — the Go
// analogue of provision_guacamole_for_lab.
func (p *Provisioner) Provision(ctx context.Context, lab *types.Lab, vncPassword string) error {
	if !p.cfg.GatewayEnabled {
		p.logger.Debug().Str("lab_id", lab.ID.String()).Msg("gateway disabled, skipping provisioning")
		return nil
	}

	result, err := p.Preflight(ctx)
	if err != nil {
		return orcherr.New(orcherr.ErrGatewayUnavailable, err.Error(), nil)
	}
	if !result.OK {
		return orcherr.New(orcherr.ErrGatewayUnavailable, result.Message, map[string]any{
			"classification": string(result.Classification),
		})
	}

	username := Username(lab.ID)
	connName := ConnectionName(lab.ID)

	token, err := p.client.LoginAdmin(ctx)
	if err != nil {
		return orcherr.New(orcherr.ErrGatewayUnavailable, "admin authentication failed unexpectedly after preflight passed", nil)
	}

	if err := p.client.CreateUser(ctx, token, username, vncPassword); err != nil {
		return orcherr.Wrap(orcherr.ErrGatewayUnavailable, err)
	}

	targetHost, targetPort := desktopTarget(lab)

	conn, err := p.client.CreateConnection(ctx, token, connName, targetHost, targetPort, vncPassword)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrGatewayUnavailable, err)
	}

	if err := p.client.GrantConnectionPermission(ctx, token, username, conn.Identifier); err != nil {
		return orcherr.Wrap(orcherr.ErrGatewayUnavailable, err)
	}

	if lab.Runtime == types.RuntimeContainer {
		if err := p.attacher.AttachToLab(ctx, lab.ID); err != nil {
			p.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("failed to attach gateway proxy to lab network; VNC may not work")
		} else if err := p.attacher.ProbeReachable(ctx, lab.ID, targetHost, targetPort); err != nil {
			p.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("gateway network preflight failed")
		}
	}

	sealed, err := p.secretBox.Seal([]byte(vncPassword))
	if err != nil {
		return fmt.Errorf("gateway: sealing VNC password: %w", err)
	}

	lab.GatewayUserID = username
	lab.GatewayConnectionID = conn.Identifier
	lab.GatewayPasswordEnc = sealed
	lab.ConnectionURL = fmt.Sprintf("/labs/%s/connect", lab.ID)

	p.logger.Info().Str("lab_id", lab.ID.String()).Str("connection_id", conn.Identifier).Msg("gateway provisioned")
	return nil
}

// Teardown removes a lab's gateway connection, user, and (container
// runtime) proxy network attachment. Every step is best-effort: a
// failure is logged and teardown continues rather than blocking the
// lab's own state machine progression, matching
// teardown_guacamole_for_lab's "all_succeeded" bookkeeping without
// surfacing it as a hard error.
func (p *Provisioner) Teardown(ctx context.Context, lab *types.Lab) error {
	if !p.cfg.GatewayEnabled {
		return nil
	}
	if lab.GatewayUserID == "" && lab.GatewayConnectionID == "" {
		return nil
	}

	if lab.Runtime == types.RuntimeContainer {
		if err := p.attacher.DetachFromLab(ctx, lab.ID); err != nil {
			p.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("failed to detach gateway proxy from lab network")
		}
	}

	if !p.client.HealthCheck(ctx) {
		p.logger.Warn().Str("lab_id", lab.ID.String()).Msg("gateway unreachable during teardown")
		return nil
	}

	token, err := p.client.LoginAdmin(ctx)
	if err != nil {
		p.logger.Warn().Str("lab_id", lab.ID.String()).Msg("gateway admin auth failed during teardown")
		return nil
	}

	if lab.GatewayConnectionID != "" {
		if err := p.client.DeleteConnection(ctx, token, lab.GatewayConnectionID); err != nil {
			p.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("failed to delete gateway connection")
		}
	}
	if lab.GatewayUserID != "" {
		if err := p.client.DeleteUser(ctx, token, lab.GatewayUserID); err != nil {
			p.logger.Warn().Err(err).Str("lab_id", lab.ID.String()).Msg("failed to delete gateway user")
		}
	}

	return nil
}

// Token mints a fresh Guacamole client URL for a lab that already has a
// gateway connection. A new admin login is performed on every call rather
// than caching one, since this is only hit once per user connect action
// and Guacamole auth tokens expire.
func (p *Provisioner) Token(ctx context.Context, lab *types.Lab) (string, error) {
	if !p.cfg.GatewayEnabled || lab.GatewayConnectionID == "" {
		return lab.ConnectionURL, nil
	}

	token, err := p.client.LoginAdmin(ctx)
	if err != nil {
		return "", orcherr.New(orcherr.ErrGatewayUnavailable, "gateway admin authentication failed", nil)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(lab.GatewayConnectionID + "\x00c\x00postgresql"))
	return fmt.Sprintf("%s/#/client/%s?token=%s", strings.TrimRight(p.cfg.GatewayBaseURL, "/"), encoded, token), nil
}

// desktopTarget picks the VNC dial target per runtime backend: a
// container-runtime lab is reached by its compose container hostname on
// the lab network, a microVM lab by the host bridge address and the
// hypervisor's forwarded host port (the VM has no Docker network
// presence to resolve a hostname against).
func desktopTarget(lab *types.Lab) (host string, port int) {
	if lab.Runtime == types.RuntimeMicroVM {
		host = lab.RuntimeMeta["host_bridge_addr"]
		port = atoiOr(lab.RuntimeMeta["forwarded_host_port"], desktopVNCPort)
		return host, port
	}
	return desktopHostname(lab), desktopVNCPort
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
