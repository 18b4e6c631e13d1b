package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/cache/redis"
	"github.com/alanyoungcy/tmbot/internal/config"
	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/metrics"
	"github.com/alanyoungcy/tmbot/internal/notify"
	"github.com/alanyoungcy/tmbot/internal/platform/market"
	"github.com/alanyoungcy/tmbot/internal/reputation"
)

// Dependencies bundles the infrastructure the run modes build on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Clock   clockwork.Clock
	Metrics *metrics.Metrics

	// Market implements both domain.TradeAPI and domain.AccountAPI.
	Market *market.Client

	// Redis-backed infrastructure. Nil when Redis is not configured.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Counters is the reputation counter table: shared through Redis when
	// reputation.share_counters is set, in-process otherwise.
	Counters domain.CounterStore

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Clock:   clockwork.NewRealClock(),
		Metrics: metrics.New(),
	}

	// --- Redis (only when a feature needs it) ---
	if cfg.NeedsRedis() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		if cfg.Redis.Enabled {
			deps.EventBus = redis.NewEventBus(redisClient)
		}
		if cfg.Reputation.ShareCounters {
			deps.Counters = redis.NewCounterStore(redisClient)
		}
	}
	if deps.Counters == nil {
		deps.Counters = reputation.NewMemoryStore()
	}

	// --- Marketplace REST client ---
	var marketOpts []market.Option
	if deps.RateLimiter != nil {
		marketOpts = append(marketOpts, market.WithRateLimiter(deps.RateLimiter))
	}
	marketClient, err := market.NewClient(market.ClientConfig{
		BaseURL:     cfg.Market.BaseURL,
		APIKey:      cfg.Market.APIKey,
		Timeout:     cfg.Market.RequestTimeout.Duration,
		Retries:     cfg.Market.TransportRetries,
		RetryDelay:  cfg.Market.RetryDelay.Duration,
		ErrorLogDir: cfg.Market.ErrorLogDir,
		RateLimit:   cfg.Market.RateLimit,
		RateWindow:  cfg.Market.RateWindow.Duration,
		ProxyURL:    cfg.Market.ProxyURL,
	}, logger, marketOpts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	deps.Market = marketClient

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
