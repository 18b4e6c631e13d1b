package main

import (
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/tmbot/internal/app"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var eo app.EventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replay or follow the events a running bot publishes to Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Logs go to stderr so stdout carries only events.
			cfg, logger, err := loadConfig(opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return errors.New("events: redis.enabled is off, the bot publishes no events")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Debug("reading events",
				slog.Bool("replay", eo.Replay),
				slog.String("after", eo.After),
				slog.Int("limit", eo.Limit),
				slog.Bool("follow", eo.Follow),
			)
			return app.Events(ctx, cfg, cmd.OutOrStdout(), eo)
		},
	}
	cmd.Flags().BoolVar(&eo.Replay, "replay", true, "print the stored event log")
	cmd.Flags().StringVar(&eo.After, "after", "", "replay entries after this stream id")
	cmd.Flags().IntVarP(&eo.Limit, "limit", "n", 0, "replay at most this many entries (0 for all)")
	cmd.Flags().BoolVarP(&eo.Follow, "follow", "f", false, "keep printing live events until interrupted")
	return cmd
}
