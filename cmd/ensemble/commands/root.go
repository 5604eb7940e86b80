// Package commands wires the ensemble CLI.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ensemble/director/internal/config"
	"ensemble/director/internal/logging"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ensemble",
		Short: "Turn director for multi-character chat",
		Long: `ensemble decides which character speaks next in a group chat.

It scores every eligible character after each generation, hands the turn to the
session's worker and injects a short instruction into the next prompt.

Examples:
  ensemble serve --config ensemble.yaml
  ensemble direct <session> "Argue about money"
  ensemble token <session>
  ensemble health --json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().String("config", "", "YAML config file (defaults to $ENSEMBLE_CONFIG)")
	root.PersistentFlags().String("log-level", "", "override server.log_level")

	root.AddCommand(NewServeCmd(), NewDirectCmd(), NewStateCmd(), NewTokenCmd(), NewHealthCmd(), NewSimulateCmd())
	return root
}

// loadConfig reads the config named by --config and applies the logging settings.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	flagLevel, _ := cmd.Flags().GetString("log-level")
	c.Server.LogLevel = logLevel(c, flagLevel)
	if err := logging.Configure(c.Server.LogLevel, c.Server.LogJSON); err != nil {
		return config.Config{}, err
	}
	return c, nil
}
