// Package cli implements the skirmish command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/game/dice"
	"github.com/cory-johannsen/skirmish/internal/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	// Seed makes dice deterministic when non-zero.
	Seed uint64
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skirmish",
		Short: "Automated combat engagements for a shared session",
		Long: `skirmish runs combat engagements between session participants end to end:
attack, defence, damage and one summary per engagement, with wound counts
and the defeated condition kept in step.`,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "configs/skirmish.yaml", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().Uint64Var(&opts.Seed, "seed", 0, "dice seed; 0 rolls from crypto/rand")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	return cmd
}

// loadConfig loads the configuration file, raising the log level when
// verbose output is requested.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func diceSource(opts *RootOptions) dice.Source {
	if opts.Seed != 0 {
		return dice.NewSeededSource(opts.Seed)
	}
	return dice.NewCryptoSource()
}

// environment is the logger and tracer provider shared by every command.
type environment struct {
	cfg      config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
}

func setup(ctx context.Context, opts *RootOptions) (*environment, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	shutdown, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	return &environment{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func (e *environment) close(ctx context.Context) {
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("flushing traces", zap.Error(err))
	}
	_ = e.logger.Sync()
}
