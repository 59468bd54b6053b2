package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/autopilot/internal/app"
	"github.com/ternarybob/autopilot/internal/common"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator with scheduled campaigns",
	Long:  `Reconciles unfinished runs, starts the campaign scheduler and the metrics listener, then runs until interrupted.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	initLogger("autopilot.log")
	common.PrintBanner(common.GetVersion())

	application, err := app.New(config, logger, configFiles)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start application")
		application.Close()
		return err
	}

	logger.Info().
		Str("mode", config.Execution.Mode).
		Str("metrics_addr", config.Metrics.Addr).
		Int("campaigns", len(config.Campaigns)).
		Msg("Orchestrator ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down orchestrator")
	return application.Close()
}
