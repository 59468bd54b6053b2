package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/autopilot/internal/app"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/services/isolation"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Execute one isolated run (spawned by the orchestrator)",
	Hidden: true,
	Run:    runWorker,
}

var (
	workerRunID    string
	workerResource string
)

func init() {
	workerCmd.Flags().StringVar(&workerRunID, "run", "", "Run record id")
	workerCmd.Flags().StringVar(&workerResource, "resource", "", "Resource id the run belongs to")
}

func runWorker(cmd *cobra.Command, args []string) {
	if workerRunID == "" || workerResource == "" {
		fmt.Fprintln(os.Stderr, "worker requires --run and --resource")
		os.Exit(isolation.ExitNoInput)
	}

	initLogger(fmt.Sprintf("worker-%s.log", workerRunID))
	common.InstallCrashHandler(common.LogDir(config))
	defer common.RecoverWithCrashFile("worker-" + workerRunID)
	workerLogger := logger.WithCorrelationId(workerRunID)

	build := common.GetBuildInfo()
	workerLogger.Info().
		Str("version", build.Version).
		Str("build", build.Build).
		Str("commit", build.GitCommit).
		Msg("Worker starting")

	// An interrupt cuts handle operations short; the record keeps the outcome
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code := app.RunWorker(ctx, config, workerLogger, workerRunID, workerResource)
	workerLogger.Info().Int("exit_code", code).Msg("Worker exiting")
	cancel()
	os.Exit(code)
}
