// Command firecracker-smoke boots a single throwaway microVM and checks
// that it comes up cleanly, without touching the store or any real lab —
// an operator's "is this host even capable of running microVM labs"
// preflight, grounded on cmd/warren/main.go's cobra-entrypoint shape.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/runtime/microvm/smoke"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "firecracker-smoke",
	Short: "Boot a throwaway microVM and verify the hypervisor comes up",
	RunE:  runSmoke,
}

func init() {
	rootCmd.Flags().Duration("startup-grace", 2*time.Second, "Time to wait after boot before checking the hypervisor is alive")
	rootCmd.Flags().Duration("metrics-wait", 5*time.Second, "Time to wait for the hypervisor metrics file to appear")
	rootCmd.Flags().Bool("keep-on-success", false, "Preserve the VM state directory even on a successful run")
}

func runSmoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	startupGrace, _ := cmd.Flags().GetDuration("startup-grace")
	metricsWait, _ := cmd.Flags().GetDuration("metrics-wait")
	keepOnSuccess, _ := cmd.Flags().GetBool("keep-on-success")

	result := smoke.Run(cfg, smoke.Options{
		StartupGrace:  startupGrace,
		MetricsWait:   metricsWait,
		KeepOnSuccess: keepOnSuccess,
	})

	for name, d := range result.Timings {
		fmt.Printf("  %s: %s\n", name, d)
	}
	for _, note := range result.Notes {
		fmt.Printf("  - %s\n", note)
	}
	fmt.Printf("state dir: %s\n", result.Debug.TempDirRedacted)

	if !result.Ok {
		fmt.Println("FAIL")
		os.Exit(1)
	}
	fmt.Println("OK")
	return nil
}
