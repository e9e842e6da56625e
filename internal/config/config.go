// Package config builds the process-wide Settings value once at startup
// from environment variables, optionally preloaded from a .env file.
// No package in this repository holds mutable global configuration state;
// Settings is constructed once and passed by pointer to every constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// PortRange is an inclusive range of TCP ports the container driver may bind.
type PortRange struct {
	Min int
	Max int
}

// Settings is the full configuration surface for an octolabd process.
type Settings struct {
	BindHost string
	BindPort int

	HMACSecret            []byte
	GatewayEncryptionSeed []byte

	GatewayEnabled   bool
	GatewayBaseURL   string
	GatewayAdminUser string
	GatewayAdminPass string

	ContainerPortRange PortRange
	PortRetryLimit     int

	DefaultLabTTL           time.Duration
	MaxActiveLabsPerUser    int
	ProvisioningTimeout     time.Duration
	TeardownTimeout         time.Duration
	NetworkRmRetries        int
	NetworkRmBackoff        time.Duration
	EvidenceRetention       time.Duration

	ControlPlaneAllowlist []string

	MicroVMStateDirRoot string
	HypervisorPath      string
	KernelImagePath     string
	RootfsImagePath     string
	MicroVMSubnet       string

	AgentTimeouts map[string]time.Duration

	// RuntimeSelector chooses the runtime backend for a new lab. The
	// spec forbids client-chosen runtimes; this is the one, server-owned
	// knob an operator sets for the whole deployment.
	RuntimeSelector string

	AuthMode string

	StoreDBPath string

	WorkerPollInterval time.Duration
	WatchdogStaleAfter time.Duration
}

// Load reads a .env file if present (ignoring its absence) and then builds
// Settings from the process environment, matching alex-sviridov-swim's
// cmd/swim/main.go pattern of an unconditional best-effort godotenv.Load().
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		BindHost:              getString("OCTOLAB_BIND_HOST", "0.0.0.0"),
		BindPort:              getInt("OCTOLAB_BIND_PORT", 8080),
		HMACSecret:            []byte(os.Getenv("OCTOLAB_HMAC_SECRET")),
		GatewayEncryptionSeed: []byte(os.Getenv("OCTOLAB_GATEWAY_ENC_SEED")),
		GatewayEnabled:        getBool("OCTOLAB_GATEWAY_ENABLED", true),
		GatewayBaseURL:        os.Getenv("OCTOLAB_GATEWAY_BASE_URL"),
		GatewayAdminUser:      os.Getenv("OCTOLAB_GATEWAY_ADMIN_USER"),
		GatewayAdminPass:      os.Getenv("OCTOLAB_GATEWAY_ADMIN_PASS"),
		ContainerPortRange: PortRange{
			Min: getInt("OCTOLAB_PORT_MIN", 30000),
			Max: getInt("OCTOLAB_PORT_MAX", 40000),
		},
		PortRetryLimit:       getInt("OCTOLAB_PORT_RETRY_LIMIT", 5),
		DefaultLabTTL:        getDuration("OCTOLAB_DEFAULT_TTL", 2*time.Hour),
		MaxActiveLabsPerUser: getInt("OCTOLAB_MAX_ACTIVE_LABS_PER_USER", 3),
		ProvisioningTimeout:  getDuration("OCTOLAB_PROVISIONING_TIMEOUT", 3*time.Minute),
		TeardownTimeout:      getDuration("OCTOLAB_TEARDOWN_TIMEOUT", 2*time.Minute),
		NetworkRmRetries:     getInt("OCTOLAB_NETWORK_RM_RETRIES", 5),
		NetworkRmBackoff:     getDuration("OCTOLAB_NETWORK_RM_BACKOFF", 2*time.Second),
		EvidenceRetention:    getDuration("OCTOLAB_EVIDENCE_RETENTION", 24*time.Hour),
		ControlPlaneAllowlist: splitCSV(getString("OCTOLAB_CONTROL_PLANE_ALLOWLIST", "guacd")),
		MicroVMStateDirRoot:  getString("OCTOLAB_MICROVM_STATE_ROOT", "/var/lib/octolab/microvm"),
		HypervisorPath:       os.Getenv("OCTOLAB_HYPERVISOR_PATH"),
		KernelImagePath:      os.Getenv("OCTOLAB_KERNEL_IMAGE_PATH"),
		RootfsImagePath:      os.Getenv("OCTOLAB_ROOTFS_IMAGE_PATH"),
		MicroVMSubnet:        getString("OCTOLAB_MICROVM_SUBNET", "10.200.0.0/16"),
		AgentTimeouts: map[string]time.Duration{
			"ping":              getDuration("OCTOLAB_AGENT_TIMEOUT_PING", 5*time.Second),
			"diag":              getDuration("OCTOLAB_AGENT_TIMEOUT_DIAG", 10*time.Second),
			"configure_network": getDuration("OCTOLAB_AGENT_TIMEOUT_CONFIGURE_NETWORK", 10*time.Second),
			"upload_project":    getDuration("OCTOLAB_AGENT_TIMEOUT_UPLOAD_PROJECT", 30*time.Second),
			"compose_up":        getDuration("OCTOLAB_AGENT_TIMEOUT_COMPOSE_UP", 5*time.Minute),
			"compose_down":      getDuration("OCTOLAB_AGENT_TIMEOUT_COMPOSE_DOWN", 1*time.Minute),
			"status":            getDuration("OCTOLAB_AGENT_TIMEOUT_STATUS", 5*time.Second),
		},
		RuntimeSelector:    getString("OCTOLAB_RUNTIME_SELECTOR", "container"),
		AuthMode:           getString("OCTOLAB_AUTH_MODE", "password"),
		StoreDBPath:        getString("OCTOLAB_STORE_DB_PATH", "/var/lib/octolab/octolab.db"),
		WorkerPollInterval: getDuration("OCTOLAB_WORKER_POLL_INTERVAL", 5*time.Second),
		WatchdogStaleAfter: getDuration("OCTOLAB_WATCHDOG_STALE_AFTER", 10*time.Minute),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if len(s.HMACSecret) == 0 {
		return fmt.Errorf("OCTOLAB_HMAC_SECRET must be set")
	}
	if s.RuntimeSelector != "container" && s.RuntimeSelector != "microvm" {
		return fmt.Errorf("OCTOLAB_RUNTIME_SELECTOR must be container or microvm, got %q", s.RuntimeSelector)
	}
	if s.ContainerPortRange.Min >= s.ContainerPortRange.Max {
		return fmt.Errorf("OCTOLAB_PORT_MIN must be less than OCTOLAB_PORT_MAX")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
