package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/photoverify/internal/config"
	"github.com/example/photoverify/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "photoverify",
		Short:        "Photo authenticity verification and signing",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getEnv("PHOTOVERIFY_CONFIG", ""), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newVerifyCommand(opts),
		newSignCommand(opts),
		newKeygenCommand(),
		newTokenCommand(opts),
		newExtractorCommand(opts),
		newDeadLettersCommand(opts),
	)
	return cmd
}

// load resolves the configuration for a command run.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// cliLogger keeps stdout free for command output.
func cliLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewCLILogger(cfg.Log.Level)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
