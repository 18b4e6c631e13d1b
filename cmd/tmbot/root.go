package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/tmbot/internal/app"
	"github.com/alanyoungcy/tmbot/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "tmbot",
		Short:         "Marketplace trading bot",
		Long:          "tmbot keeps a push session to the item marketplace, tracks the wallet balance, buys items on request and avoids offers that keep failing.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.toml", "path to configuration file")

	rootCmd.AddCommand(
		newRunCmd(opts, ""),
		newRunCmd(opts, "monitor"),
		newConfigCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// newRunCmd starts the bot. An empty mode keeps the configured one.
func newRunCmd(opts *rootOptions, mode string) *cobra.Command {
	use, short := "run", "Run the bot in the configured mode"
	if mode != "" {
		use, short = mode, "Run the bot in "+mode+" mode"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts.configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
			}
			return runApp(cmd.Context(), cfg, logger)
		},
	}
}

// loadConfig loads and validates the configuration and builds the JSON
// logger at the configured level.
func loadConfig(path string, out io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("tmbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("version", version),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("tmbot stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
