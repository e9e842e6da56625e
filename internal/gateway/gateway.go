// Package gateway provisions and tears down the remote-desktop gateway
// (Guacamole) resources for a lab: a per-lab user, a VNC connection aimed
// at the lab's runtime-specific desktop target, and a permission grant
// linking the two. Grounded on guacamole_provisioner.py and docker_net.py's
// preflight_netcheck, treating the gateway itself as an external HTTP
// collaborator rather than an in-process dependency.
package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/types"
)

// Classification buckets a failed Preflight check into an actionable cause,
// mirroring guacamole_provisioner.py's _preflight_error_message branches.
type Classification string

const (
	ClassificationOK             Classification = "ok"
	ClassificationBaseURLWrong   Classification = "base_url_wrong"
	ClassificationCredsWrong     Classification = "creds_wrong"
	ClassificationServer5xx      Classification = "server_5xx"
	ClassificationNetworkDown    Classification = "network_down"
	ClassificationGUIUnreachable Classification = "gui_unreachable"
)

// PreflightResult reports whether the gateway is reachable and usable
// before any provisioning is attempted.
type PreflightResult struct {
	OK             bool
	Classification Classification
	APIStatus      int
	Message        string
}

// Connection is the gateway-side identifier for a provisioned VNC
// connection, returned by Client.CreateConnection.
type Connection struct {
	Identifier string
}

// Client is the minimal surface Provisioner needs from a gateway's admin
// API. The concrete guacamoleClient implements this against Guacamole's
// REST API; tests substitute a stub.
type Client interface {
	HealthCheck(ctx context.Context) bool
	LoginAdmin(ctx context.Context) (string, error)
	CreateUser(ctx context.Context, token, username, password string) error
	DeleteUser(ctx context.Context, token, username string) error
	CreateConnection(ctx context.Context, token, name, hostname string, port int, password string) (*Connection, error)
	DeleteConnection(ctx context.Context, token, identifier string) error
	GrantConnectionPermission(ctx context.Context, token, username, connectionIdentifier string) error
}

// NetworkAttacher attaches/detaches the gateway's proxy container
// (guacd) to a lab's Docker network so it can reach a container-runtime
// lab's desktop over Docker DNS. A microVM lab never needs this — its
// desktop is reachable via host port forwarding.
type NetworkAttacher interface {
	AttachToLab(ctx context.Context, labID uuid.UUID) error
	DetachFromLab(ctx context.Context, labID uuid.UUID) error
	ProbeReachable(ctx context.Context, labID uuid.UUID, targetHost string, targetPort int) error
}

// Username derives the gateway username for a lab: "lab_" plus the first
// 8 hex characters of the lab id, matching get_guac_username.
func Username(id uuid.UUID) string {
	return "lab_" + shortID(id)
}

// ConnectionName derives the gateway connection name for a lab.
func ConnectionName(id uuid.UUID) string {
	return "octolab-" + shortID(id)
}

func shortID(id uuid.UUID) string {
	s := id.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// desktopHostname returns the container-runtime hostname the container
// driver already computed and stashed in RuntimeMeta, per
// get_octobox_hostname's reasoning: guacd may be attached to many lab
// networks at once, so the full compose container name — never the bare
// service name — is what resolves unambiguously.
func desktopHostname(lab *types.Lab) string {
	return lab.RuntimeMeta["desktop_hostname"]
}
