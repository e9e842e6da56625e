// Command octolabd is the long-running OctoLab daemon: it serves the
// /labs HTTP surface and runs the teardown worker and watchdog loops in
// the background, grounded on cmd/warren/main.go's manager-start
// sequence (start the background loops, serve HTTP, wait for a signal,
// stop everything in reverse order).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab-io/octolab/internal/config"
	"github.com/octolab-io/octolab/internal/gateway"
	"github.com/octolab-io/octolab/internal/httpapi"
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
	Use:   "octolabd",
	Short: "Serve the OctoLab lab lifecycle API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("watchdog-action", "redispatch", "Watchdog recovery action for stuck ENDING labs: redispatch or mark-failed")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	st, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	drivers := map[types.Runtime]runtime.Driver{
		types.RuntimeContainer: container.New(st, cfg, log.WithComponent("container")),
		types.RuntimeMicroVM:   microvm.New(cfg, log.WithComponent("microvm")),
	}
	gw := gateway.NewProvisioner(cfg, log.WithComponent("gateway"))
	orch := orchestrator.New(st, drivers, gw, cfg, log.Logger)

	actionFlag, _ := cmd.Flags().GetString("watchdog-action")
	action := worker.ActionRedispatch
	if actionFlag == "mark-failed" {
		action = worker.ActionMarkFailed
	}

	teardownWorker := worker.NewTeardownWorker(st, orch, cfg, log.Logger, "octolabd")
	watchdog := worker.NewWatchdog(st, orch, cfg, log.Logger, action, false)
	teardownWorker.Start()
	watchdog.Start()
	log.Logger.Info().Msg("teardown worker and watchdog started")

	h := httpapi.New(orch, cfg, staticRecipeResolver{}, nil, log.Logger)
	router := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort),
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	watchdog.Stop()
	teardownWorker.Stop()
	return nil
}

// staticRecipeResolver is a placeholder RecipeResolver: the recipe
// catalog is an external collaborator this repository never owns (§3),
// so there is no catalog to query here. A real deployment replaces this
// with a client against that catalog; this stand-in treats any non-empty
// recipe id as an active recipe so the rest of the lifecycle is
// exercisable without one.
type staticRecipeResolver struct{}

func (staticRecipeResolver) Resolve(ctx context.Context, recipeID string) (*types.Recipe, error) {
	if recipeID == "" {
		return nil, nil
	}
	return &types.Recipe{ID: recipeID, Name: recipeID, IsActive: true}, nil
}
