// Server-owned resource naming, derived exclusively from a lab's UUID.
// Grounded on docker_net.py's OCTOLAB_NETWORK_PREFIX/LAB_NETWORK_PATTERN/
// LAB_PROJECT_PATTERN constants: every resource name is either generated by
// ProjectName/LabNetworkName/EgressNetworkName/VolumeName/TAPName, or
// rejected by ValidateName before any subprocess touches it.
package runtime

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const projectPrefix = "octolab_"

var (
	labProjectPattern = regexp.MustCompile(`^octolab_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	labNetworkPattern = regexp.MustCompile(`^octolab_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}_(lab_net|egress_net)$`)
	volumePattern     = regexp.MustCompile(`^octolab_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}_[a-z_]+$`)
	tapPattern        = regexp.MustCompile(`^tap-[0-9a-f]{8}$`)
)

// ProjectName is the docker-compose project name derived from a lab id.
func ProjectName(id uuid.UUID) string {
	return projectPrefix + id.String()
}

// LabNetworkName is the primary per-lab Docker network name.
func LabNetworkName(id uuid.UUID) string {
	return ProjectName(id) + "_lab_net"
}

// EgressNetworkName is the per-lab egress-only Docker network name.
func EgressNetworkName(id uuid.UUID) string {
	return ProjectName(id) + "_egress_net"
}

// VolumeName derives a Docker volume name from a lab id and a suffix, e.g.
// "evidence_auth" or "evidence_user".
func VolumeName(id uuid.UUID, suffix string) string {
	return ProjectName(id) + "_" + suffix
}

// TAPName derives a microVM TAP device name from the trailing 8 hex
// characters of the lab id.
func TAPName(id uuid.UUID) string {
	s := id.String()
	return "tap-" + s[len(s)-8:]
}

// Kind identifies which pattern ValidateName should check against.
type Kind int

const (
	KindProject Kind = iota
	KindNetwork
	KindVolume
	KindTAP
)

// ValidateName is the enforcement point for the "server-owned name only"
// invariant: every operation that takes a resource name calls this first.
func ValidateName(kind Kind, name string) error {
	var pattern *regexp.Regexp
	var label string
	switch kind {
	case KindProject:
		pattern, label = labProjectPattern, "project"
	case KindNetwork:
		pattern, label = labNetworkPattern, "network"
	case KindVolume:
		pattern, label = volumePattern, "volume"
	case KindTAP:
		pattern, label = tapPattern, "TAP device"
	default:
		return fmt.Errorf("runtime: unknown name kind %d", kind)
	}
	if !pattern.MatchString(name) {
		return fmt.Errorf("runtime: %s name %q failed validation", label, name)
	}
	return nil
}
