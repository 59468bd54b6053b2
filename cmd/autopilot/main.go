package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
)

var (
	// Persistent flags
	configFiles []string // Multiple --config flags supported, later files override earlier ones
	modeFlag    string
	logLevel    string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "autopilot",
	Short:         "Browser automation session orchestrator",
	Long:          `Runs paced behavior pipelines against provisioned browser profiles, one session per resource.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times)")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Execution mode: inprocess or isolated (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(serveCmd, startCmd, workerCmd, statusCmd, historyCmd, versionCmd)
}

func main() {
	common.LoadVersionFromFile()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration in order: defaults, files, env, flags
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("autopilot.toml"); err == nil {
			configFiles = append(configFiles, "autopilot.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	common.ApplyFlagOverrides(config, modeFlag, logLevel)

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// initLogger sets up the global logger writing to fileName under the log directory
func initLogger(fileName string) {
	logger = common.SetupLogger(config, fileName)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("mode", config.Execution.Mode).
		Str("storage_type", config.Storage.Type).
		Str("provisioner", config.Provisioner.Type).
		Str("log_level", config.Logging.Level).
		Bool("production", config.IsProduction()).
		Msg("Resolved configuration")
}
