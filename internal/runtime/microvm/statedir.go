package microvm

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/pathsafe"
)

// StateDir is the per-lab directory holding everything a hypervisor
// process needs: control socket, vsock endpoint, metrics file, stderr
// log, boot config, and pid file. Every path accessor runs the candidate
// through pathsafe.Within against root, the same containment routine
// internal/evidence uses for volume extraction.
type StateDir struct {
	root string
}

// NewStateDir creates (if missing) and returns the state directory for labID
// rooted under base.
func NewStateDir(base string, labID uuid.UUID) (*StateDir, error) {
	root := filepath.Join(base, labID.String())
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &StateDir{root: root}, nil
}

func (s *StateDir) path(name string) (string, error) {
	return pathsafe.Within(s.root, name)
}

// ControlSocket is the hypervisor's API control socket path.
func (s *StateDir) ControlSocket() (string, error) { return s.path("control.sock") }

// VsockPath is the UDS the hypervisor exposes for vsock connections,
// proxied to the guest agent.
func (s *StateDir) VsockPath() (string, error) { return s.path("vsock.sock") }

// MetricsFile is where the hypervisor writes periodic metrics snapshots.
func (s *StateDir) MetricsFile() (string, error) { return s.path("metrics.json") }

// StderrLog captures the hypervisor process's stderr.
func (s *StateDir) StderrLog() (string, error) { return s.path("stderr.log") }

// BootConfig is the rendered boot configuration (kernel args, drives,
// network devices) passed to the hypervisor at launch.
func (s *StateDir) BootConfig() (string, error) { return s.path("boot-config.json") }

// PidFile records the hypervisor process's pid for teardown.
func (s *StateDir) PidFile() (string, error) { return s.path("hypervisor.pid") }

// Root returns the directory itself, for final removal during teardown.
func (s *StateDir) Root() string { return s.root }

// Remove deletes the entire state directory. No-op if already gone.
func (s *StateDir) Remove() error {
	err := os.RemoveAll(s.root)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
