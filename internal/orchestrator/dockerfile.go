package orchestrator

import (
	"context"
	"strconv"
	"strings"

	"github.com/octolab-io/octolab/internal/dockerfile"
	"github.com/octolab-io/octolab/internal/types"
)

// dockerfileRecipeID marks a lab whose recipe came from a submitted
// Dockerfile rather than the (out-of-scope) recipe catalog.
const dockerfileRecipeID = "dockerfile-deploy"

// DeployFromDockerfile validates dockerfileContent and sourceFiles,
// forces the microVM runtime, and records the Dockerfile's declared
// EXPOSE ports on the new lab's RuntimeMeta before provisioning starts.
func (o *Orchestrator) DeployFromDockerfile(ctx context.Context, ownerID, dockerfileContent string, sourceFiles []dockerfile.SourceFile) (*types.Lab, error) {
	if err := dockerfile.Validate(dockerfileContent, sourceFiles); err != nil {
		return nil, err
	}

	recipe := &types.Recipe{
		ID:            dockerfileRecipeID,
		Name:          "custom Dockerfile deployment",
		ExploitFamily: "custom",
		IsActive:      true,
	}

	meta := map[string]string{}
	if ports := dockerfile.ParseExposedPorts(dockerfileContent); len(ports) > 0 {
		strs := make([]string, len(ports))
		for i, p := range ports {
			strs[i] = strconv.Itoa(p)
		}
		meta["exposed_ports"] = strings.Join(strs, ",")
	}

	return o.CreateLabForRuntime(ctx, ownerID, recipe, types.RuntimeMicroVM, meta)
}
