package evidence

import (
	"context"
	"time"

	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/subprocess"
	"github.com/octolab-io/octolab/internal/types"
)

const terminalLogName = "terminal.log"

// ExportComposeLogs captures a container-runtime lab's `docker compose
// logs` output and writes it into the lab's authoritative evidence
// volume as terminal.log, grounded on
// export_compose_logs_to_auth_volume. Must run before the lab's
// containers are destroyed — once they're gone, there is nothing left
// to export. No-op (returns nil) for a microVM lab, whose terminal
// output the guest agent already streams into the auth volume via
// compose_down's own log capture.
func ExportComposeLogs(ctx context.Context, lab *types.Lab) error {
	if lab.Runtime != types.RuntimeContainer {
		return nil
	}

	project := runtime.ProjectName(lab.ID)
	if err := runtime.ValidateName(runtime.KindProject, project); err != nil {
		return err
	}

	res, err := subprocess.Run(ctx, "docker", []string{"compose", "-p", project, "logs", "--no-color", "--no-log-prefix"},
		subprocess.WithTimeout(30*time.Second))
	if err != nil {
		return err
	}

	return writeFileToVolume(ctx, lab.EvidenceAuthVolume, terminalLogName, []byte(res.Stdout), 30*time.Second)
}
