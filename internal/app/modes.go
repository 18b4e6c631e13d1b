package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tmbot/internal/balance"
	"github.com/alanyoungcy/tmbot/internal/manager"
	"github.com/alanyoungcy/tmbot/internal/pricing"
	"github.com/alanyoungcy/tmbot/internal/purchase"
	"github.com/alanyoungcy/tmbot/internal/reputation"
	"github.com/alanyoungcy/tmbot/internal/server"
	"github.com/alanyoungcy/tmbot/internal/server/handler"
	"github.com/alanyoungcy/tmbot/internal/session"
)

// RunMode starts the full bot: push session, balance tracker, reputation
// sweep, API keep-alive, purchases and the status server.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	sess, err := a.newSession(deps)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}
	tracker := a.newTracker(deps)

	var rep *reputation.Cache
	orchOpts := []purchase.Option{purchase.WithMetrics(deps.Metrics)}
	if a.cfg.Reputation.Enabled {
		rep = a.newReputation(deps)
		orchOpts = append(orchOpts, purchase.WithReputation(rep))
	}
	orch := purchase.New(deps.Market, tracker, purchase.Config{
		Tolerance: pricing.Tolerance{
			Fluctuation:   a.cfg.Price.Fluctuation,
			Compromise:    a.cfg.Price.Compromise,
			MinCompromise: a.cfg.Price.MinCompromise,
		},
		AvoidBadOffers: a.cfg.Reputation.AvoidBadOffers,
		SubmitTimeout:  a.submitTimeout(),
	}, deps.Clock, a.logger, orchOpts...)

	mgr := manager.New(manager.Deps{
		API:        deps.Market,
		Account:    deps.Market,
		Session:    sess,
		Balance:    tracker,
		Buyer:      orch,
		Reputation: rep,
		Notifier:   deps.Notifier,
		Bus:        deps.EventBus,
	}, a.managerConfig(), deps.Clock, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, mgr, mgr)
	}
	return g.Wait()
}

// MonitorMode connects and tracks the balance without buying anything. The
// status server is always started and does not accept purchases.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	sess, err := a.newSession(deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	cfg := a.managerConfig()
	cfg.APIPingInterval = 0
	mgr := manager.New(manager.Deps{
		API:      deps.Market,
		Session:  sess,
		Balance:  a.newTracker(deps),
		Notifier: deps.Notifier,
		Bus:      deps.EventBus,
	}, cfg, deps.Clock, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, mgr, nil)
	return g.Wait()
}

func (a *App) newSession(deps *Dependencies) (*session.Session, error) {
	sc := a.cfg.Session
	transport, err := session.NewWSTransport(sc.ConnectTimeout.Duration, a.cfg.Market.ProxyURL)
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		URL:               a.cfg.Market.WSURL,
		ConnectTimeout:    sc.ConnectTimeout.Duration,
		MinUptime:         sc.MinUptime.Duration,
		MinReconnectDelay: sc.MinReconnectDelay.Duration,
		MaxReconnectDelay: sc.MaxReconnectDelay.Duration,
		GrowthFactor:      sc.GrowthFactor,
		MaxRetries:        sc.MaxRetries,
		PingInterval:      sc.PingInterval.Duration,
		WatchdogWindow:    sc.WatchdogWindow.Duration,
		WatchdogInterval:  sc.WatchdogInterval.Duration,
		AuthRetryDelay:    sc.AuthRetryDelay.Duration,
	}, transport, deps.Market, deps.Clock, a.logger, session.WithMetrics(deps.Metrics)), nil
}

func (a *App) newTracker(deps *Dependencies) *balance.Tracker {
	bc := a.cfg.Balance
	return balance.NewTracker(deps.Market, balance.Config{
		FastPoll:      bc.FastPoll.Duration,
		SlowPoll:      bc.SlowPoll.Duration,
		TrustZeroPush: bc.TrustZeroPush,
		Currency:      a.cfg.Market.Currency,
		PollTimeout:   bc.PollTimeout.Duration,
	}, deps.Clock, a.logger, balance.WithMetrics(deps.Metrics))
}

func (a *App) newReputation(deps *Dependencies) *reputation.Cache {
	rc := a.cfg.Reputation
	opts := []reputation.Option{reputation.WithMetrics(deps.Metrics)}
	// Only a shared table can be swept by two instances at once.
	if rc.ShareCounters && deps.LockManager != nil {
		opts = append(opts, reputation.WithLockManager(deps.LockManager))
	}
	a.logger.Info("reputation cache configured",
		slog.Bool("shared", rc.ShareCounters),
		slog.Int64("min_common_fails", rc.MinCommonFails),
		slog.Int64("min_precise_fails", rc.MinPreciseFails),
	)
	return reputation.NewCache(deps.Counters, reputation.Config{
		UpdateInterval:  rc.UpdateInterval.Duration,
		PenaltyTime:     rc.PenaltyTime.Duration,
		MinCommonFails:  rc.MinCommonFails,
		MinPreciseFails: rc.MinPreciseFails,
		BoughtTTL:       rc.BoughtTTL.Duration,
	}, deps.Clock, a.logger, opts...)
}

// submitTimeout covers every transport attempt of one buy request.
func (a *App) submitTimeout() time.Duration {
	mc := a.cfg.Market
	tries := time.Duration(max(mc.TransportRetries, 0) + 1)
	return tries*mc.RequestTimeout.Duration + (tries-1)*mc.RetryDelay.Duration
}

func (a *App) managerConfig() manager.Config {
	mc := a.cfg.Manager
	cfg := manager.DefaultConfig()
	cfg.APIPingInterval = a.cfg.Market.APIPingInterval.Duration
	cfg.HistoryWindow = mc.HistoryWindow.Duration
	cfg.TokenAttempts = mc.TokenAttempts
	cfg.TokenRetryDelay = mc.TokenRetryDelay.Duration
	cfg.InventoryClosedDelay = mc.InventoryClosedDelay.Duration
	cfg.AlertTimeout = mc.AlertTimeout.Duration
	cfg.BusBacklog = mc.BusBacklog
	return cfg
}

// startHTTPServer registers the status API on g. buyer may be nil, in which
// case POST /api/buy is not routed.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	status handler.StatusProvider,
	buyer handler.Buyer,
) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Clock),
		Status:  handler.NewStatusHandler(a.cfg.Mode, status),
		Metrics: deps.Metrics.Handler(),
	}
	if buyer != nil {
		handlers.Buy = handler.NewBuyHandler(buyer, a.logger)
	}

	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr(),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
