// Package cmd implements the phonecore command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"i4.energy/across/phonecore/config"
	"i4.energy/across/phonecore/logger"
)

var rootCmd = &cobra.Command{
	Use:           "phonecore",
	Short:         "Cellular modem service runtime",
	Long:          "Runs the phone core services: the cellular modem stack on a message bus, with an HTTP status and metrics endpoint.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading the environment")
}

// Execute runs the command selected by the process arguments.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, .env, the environment and
// flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return nil, err
	}
	return config.Load(
		config.WithDefaults(),
		config.WithFile(path),
		config.WithDotEnv(envFile),
		config.WithEnv(),
		config.WithFlags(flags),
	)
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
