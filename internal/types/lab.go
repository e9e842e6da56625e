// Package types defines the core domain entities shared across OctoLab's
// orchestrator, runtime drivers, evidence subsystem, and HTTP surface.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is a lab's position in the state machine graph (spec §4.1).
type Status string

const (
	StatusRequested    Status = "REQUESTED"
	StatusProvisioning Status = "PROVISIONING"
	StatusReady        Status = "READY"
	StatusDegraded     Status = "DEGRADED"
	StatusEnding       Status = "ENDING"
	StatusFinished     Status = "FINISHED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further status transition is legal.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Connectable reports whether connect/evidence operations are permitted.
func (s Status) Connectable() bool {
	return s == StatusReady || s == StatusDegraded
}

// Runtime is the isolation backend chosen for a lab. Always server-owned.
type Runtime string

const (
	RuntimeContainer Runtime = "container"
	RuntimeMicroVM   Runtime = "microvm"
)

// EvidenceState tracks the authoritative evidence collection lifecycle.
type EvidenceState string

const (
	EvidenceAbsent      EvidenceState = "absent"
	EvidenceCollecting  EvidenceState = "collecting"
	EvidencePresent     EvidenceState = "present"
	EvidenceUnavailable EvidenceState = "unavailable"
)

// SealStatus tracks whether the authoritative manifest has been HMAC-sealed.
type SealStatus string

const (
	SealNone   SealStatus = "none"
	SealSealed SealStatus = "sealed"
	SealFailed SealStatus = "failed"
)

// Lab is the primary entity: a per-user isolated security exercise environment.
type Lab struct {
	ID       uuid.UUID `json:"id"`
	OwnerID  string    `json:"owner_id"`
	RecipeID string    `json:"recipe_id"`

	Status  Status  `json:"status"`
	Runtime Runtime `json:"runtime"`

	// RuntimeMeta holds opaque runtime-specific detail: guest IP, forwarded
	// port, generated Dockerfile, exposed ports, etc.
	RuntimeMeta map[string]string `json:"runtime_meta,omitempty"`

	ConnectionURL string `json:"connection_url,omitempty"`

	GatewayUserID       string `json:"gateway_user_id,omitempty"`
	GatewayConnectionID string `json:"gateway_connection_id,omitempty"`
	// GatewayPasswordEnc is the VNC/gateway password, AES-256-GCM encrypted
	// with a process-resident key. Never stored or logged in plaintext.
	GatewayPasswordEnc []byte `json:"gateway_password_enc,omitempty"`

	EvidenceState          EvidenceState `json:"evidence_state"`
	EvidenceSealStatus     SealStatus    `json:"evidence_seal_status"`
	EvidenceManifestSHA256 string        `json:"evidence_manifest_sha256,omitempty"`
	EvidenceAuthVolume     string        `json:"evidence_auth_volume"`
	EvidenceUserVolume     string        `json:"evidence_user_volume"`
	EvidenceSealedAt       *time.Time    `json:"evidence_sealed_at,omitempty"`
	EvidenceFinalizedAt    *time.Time    `json:"evidence_finalized_at,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	EvidenceExpiresAt *time.Time `json:"evidence_expires_at,omitempty"`

	// ClaimedBy/ClaimedAt implement the SELECT...FOR UPDATE SKIP LOCKED
	// equivalent described in DESIGN.md's Open Question decisions.
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// DegradedReason records why a lab is DEGRADED instead of READY.
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// ActiveForQuota reports whether this lab counts against a user's active-lab quota.
func (l *Lab) ActiveForQuota() bool {
	switch l.Status {
	case StatusProvisioning, StatusReady, StatusDegraded, StatusEnding:
		return true
	default:
		return false
	}
}

// Recipe describes an exploitable target template. Owned by the recipe
// catalog (external collaborator, spec §3) — the orchestrator only reads it.
type Recipe struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Software          string `json:"software"`
	VersionConstraint string `json:"version_constraint"`
	ExploitFamily     string `json:"exploit_family"`
	IsActive          bool   `json:"is_active"`
}
