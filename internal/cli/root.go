// Package cli holds the agentsync commands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"agentsync/internal/config"
	"agentsync/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "0.1.0"

var (
	configPath string
	envFile    string
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "agentsync",
	Short: "Asynchronous agent chat sessions",
	Long: `agentsync accepts chat messages, runs the agent for each one in the
background and lets clients catch up by polling the session.

Run 'agentsync serve' to start the API and 'agentsync chat' to talk to it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := godotenv.Load(envFile)
		// a missing default .env is fine
		if err == nil || (errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("env-file")) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $AGENTSYNC_CONFIG or config.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "human readable logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and sets up logging from it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("AGENTSYNC_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: prettyLogs || cfg.Log.Pretty,
	})
	return cfg, nil
}
