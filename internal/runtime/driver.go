// Package runtime defines the contract both isolation backends (container
// and microVM) implement, plus the shared, server-owned resource naming
// and validation both backends funnel every operation through.
package runtime

import (
	"context"
	"time"

	"github.com/octolab-io/octolab/internal/types"
)

// Driver is implemented once per isolation backend (container, microVM).
// The orchestrator never knows which backend it is talking to beyond this
// interface.
type Driver interface {
	CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) error
	DestroyLab(ctx context.Context, lab *types.Lab) (*TeardownReport, error)
	WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error
	ResourcesExistForLab(ctx context.Context, lab *types.Lab) bool
}

// TeardownReport records what a DestroyLab call actually observed and did,
// so the orchestrator can decide FINISHED vs FAILED without re-deriving it.
//
// For the microVM driver, NetworksFound/NetworksRemoved are repurposed to
// list TAP device and packet-filter rule identifiers rather than Docker
// network names — the field names are kept so both drivers share one
// report shape.
type TeardownReport struct {
	PreRunning         int
	RemainingAfterDown int
	RmRC               int
	RemainingFinal     int
	NetworksFound      []string
	NetworksRemoved    []string
	VerifiedStopped    bool
	Errors             []string
}
