package microvm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/types"
)

// bootConfig is the JSON document passed to the hypervisor binary via
// --config-file: kernel, rootfs, network device, and vsock wiring for one
// lab's microVM.
type bootConfig struct {
	KernelImagePath string            `json:"kernel_image_path"`
	RootDrivePath   string            `json:"root_drive_path"`
	TapDevice       string            `json:"tap_device"`
	VCPUCount       int               `json:"vcpu_count"`
	MemSizeMiB      int               `json:"mem_size_mib"`
	Labels          map[string]string `json:"labels"`
}

func writeBootConfig(path string, cfg *config.Settings, lab *types.Lab, tap string) error {
	bc := bootConfig{
		KernelImagePath: cfg.KernelImagePath,
		RootDrivePath:   cfg.RootfsImagePath,
		TapDevice:       tap,
		VCPUCount:       2,
		MemSizeMiB:      2048,
		Labels: map[string]string{
			"octolab_lab_id": lab.ID.String(),
		},
	}
	out, err := json.MarshalIndent(&bc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling boot config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("writing boot config %s: %w", path, err)
	}
	return nil
}
