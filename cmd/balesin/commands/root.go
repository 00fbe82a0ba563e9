// Package commands implements the balesin CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/prastowoa/balesin/pkg/balesin/config"
)

// NewRootCmd creates the CLI root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "balesin",
		Short: "Balesin - Telegram userbot fleet with an AI responder",
		Long: `Balesin runs a fleet of Telegram userbot sessions, each answering
private messages on behalf of its owner with an AI agent backed by a
per-owner knowledge base.

Examples:
  balesin worker
  balesin login --phone +628123456789
  balesin knowledge add "Harga paket basic Rp150.000/bulan"
  balesin health`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Optional; real deployments set env vars directly.
			_ = godotenv.Load()
		},
	}

	rootCmd.AddCommand(
		newWorkerCmd(),
		newLoginCmd(),
		newKnowledgeCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config file, falling back to defaults plus
// environment variables when no file is given.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config and the verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
