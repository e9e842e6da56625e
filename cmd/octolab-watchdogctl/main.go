// Command octolab-watchdogctl runs the stuck-ENDING-lab watchdog as a
// one-shot operator action: a single pass over every lab stuck in ENDING
// past the configured staleness threshold, or a forced check of one
// specific lab id regardless of its age. Grounded on cmd/warren/main.go's
// cobra-entrypoint shape; unlike octolabd this never runs the ticker loop,
// it always exits after one pass.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/gateway"
	"github.com/octolab-io/octolab/internal/log"
	"github.com/octolab-io/octolab/internal/orchestrator"
	"github.com/octolab-io/octolab/internal/runtime"
	"github.com/octolab-io/octolab/internal/runtime/container"
	"github.com/octolab-io/octolab/internal/runtime/microvm"
	"github.com/octolab-io/octolab/internal/store"
	"github.com/octolab-io/octolab/internal/types"
	"github.com/octolab-io/octolab/internal/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "octolab-watchdogctl",
	Short: "Recover labs stuck in ENDING",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("action", "redispatch", "What to do with a stuck lab: redispatch or mark-failed")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Log the decision without acting on it")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(sweepCmd)

	rootCmd.AddCommand(checkCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Act on every lab currently stuck in ENDING",
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := buildWatchdog(cmd)
		if err != nil {
			return err
		}

		results, err := wd.RunOnce(context.Background())
		if err != nil {
			return fmt.Errorf("watchdog sweep failed: %w", err)
		}

		if len(results) == 0 {
			fmt.Println("no stuck ENDING labs found")
			return nil
		}
		for _, r := range results {
			printResult(r)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [lab-id]",
	Short: "Force a check on a single lab, bypassing the age filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid lab id %q: %w", args[0], err)
		}

		wd, err := buildWatchdog(cmd)
		if err != nil {
			return err
		}

		result, err := wd.CheckLab(context.Background(), id)
		if err != nil {
			return err
		}
		printResult(*result)
		return nil
	},
}

func printResult(r worker.Result) {
	status := "ok"
	if r.Err != nil {
		status = r.Err.Error()
	}
	fmt.Printf("lab %s: action=%s dry_run=%t result=%s\n", r.LabID, r.Action, r.DryRun, status)
}

func buildWatchdog(cmd *cobra.Command) (*worker.Watchdog, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	st, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	drivers := map[types.Runtime]runtime.Driver{
		types.RuntimeContainer: container.New(st, cfg, log.WithComponent("container")),
		types.RuntimeMicroVM:   microvm.New(cfg, log.WithComponent("microvm")),
	}
	gw := gateway.NewProvisioner(cfg, log.WithComponent("gateway"))
	orch := orchestrator.New(st, drivers, gw, cfg, log.Logger)

	actionFlag, _ := cmd.Flags().GetString("action")
	action := worker.ActionRedispatch
	if actionFlag == "mark-failed" {
		action = worker.ActionMarkFailed
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	return worker.NewWatchdog(st, orch, cfg, log.Logger, action, dryRun), nil
}
