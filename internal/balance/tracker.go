// Package balance keeps the believed wallet balance in step with the
// marketplace, preferring push updates and polling faster while pushes are
// unavailable.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/event"
	"github.com/alanyoungcy/tmbot/internal/metrics"
)

// Poller fetches the authoritative balance in minor units.
type Poller interface {
	GetBalance(ctx context.Context) (int64, error)
}

// Config holds the poll periods and push policy.
type Config struct {
	FastPoll      time.Duration // while pushes are unavailable
	SlowPoll      time.Duration // while pushes are flowing
	TrustZeroPush bool          // apply a pushed 0 instead of re-polling
	Currency      string
	PollTimeout   time.Duration
}

// Tracker maintains the WalletState.
type Tracker struct {
	api     Poller
	cfg     Config
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	wallet    domain.WalletState
	channelUp bool
	interval  *Interval

	changed event.Feed[domain.BalanceChange]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a Tracker with an unknown balance.
func NewTracker(api Poller, cfg Config, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		api:    api,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(slog.String("component", "balance")),
		wallet: domain.WalletState{Currency: cfg.Currency},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnChange registers fn for every balance change.
func (t *Tracker) OnChange(fn func(domain.BalanceChange)) {
	t.changed.Subscribe(fn)
}

// Start polls once and then keeps polling at the period matching the push
// channel state. A failed first poll is logged; the next tick retries.
func (t *Tracker) Start(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		t.logger.Error("initial balance poll failed", slog.String("error", err.Error()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.interval != nil {
		return
	}
	t.interval = NewInterval(t.clock, t.periodLocked(), t.poll)
}

// Stop cancels polling and waits for in-flight refreshes.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	iv := t.interval
	t.mu.Unlock()
	if iv != nil {
		iv.Stop()
	}
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) periodLocked() time.Duration {
	if t.channelUp {
		return t.cfg.SlowPoll
	}
	return t.cfg.FastPoll
}

func (t *Tracker) poll() {
	if err := t.Refresh(t.ctx); err != nil {
		t.logger.Warn("balance poll failed", slog.String("error", err.Error()))
	}
}

// Refresh fetches the balance and applies it.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PollTimeout)
		defer cancel()
	}
	v, err := t.api.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: refresh: %w", err)
	}
	t.Set(v)
	return nil
}

// ApplyPush handles a balance pushed over the stream. A pushed 0 is treated
// as suspect and triggers a poll unless TrustZeroPush is set.
func (t *Tracker) ApplyPush(v int64) {
	if v == 0 && !t.cfg.TrustZeroPush {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()

		t.logger.Warn("balance push of zero, polling to confirm")
		go func() {
			defer t.wg.Done()
			t.poll()
		}()
		return
	}
	t.Set(v)
}

// Set overwrites the balance with an authoritative value and reports whether
// it changed. An unchanged value emits nothing.
func (t *Tracker) Set(v int64) bool {
	t.mu.Lock()
	if t.wallet.Known && t.wallet.Balance == v {
		t.mu.Unlock()
		return false
	}
	change := domain.BalanceChange{
		Balance: v,
		Delta:   v - t.wallet.Balance,
		Initial: !t.wallet.Known,
	}
	t.wallet.Balance = v
	t.wallet.Known = true
	t.mu.Unlock()

	t.publish(change)
	return true
}

// ChangeBalance applies an optimistic adjustment after a purchase, but only
// while pushes are unavailable; otherwise the push will carry the new value.
func (t *Tracker) ChangeBalance(delta int64) {
	t.mu.Lock()
	if t.channelUp || !t.wallet.Known || delta == 0 {
		t.mu.Unlock()
		return
	}
	t.wallet.Balance += delta
	change := domain.BalanceChange{Balance: t.wallet.Balance, Delta: delta}
	t.mu.Unlock()

	t.publish(change)
}

func (t *Tracker) publish(change domain.BalanceChange) {
	t.logger.Info("balance changed",
		slog.Int64("balance", change.Balance),
		slog.Int64("delta", change.Delta),
		slog.Bool("initial", change.Initial),
	)
	t.metrics.SetBalance(change.Balance)
	t.changed.Emit(change)
}

// SetChannelAvailable switches between the fast and slow poll period.
func (t *Tracker) SetChannelAvailable(up bool) {
	t.mu.Lock()
	if t.channelUp == up {
		t.mu.Unlock()
		return
	}
	t.channelUp = up
	iv := t.interval
	period := t.periodLocked()
	t.mu.Unlock()

	t.logger.Debug("push channel availability changed",
		slog.Bool("available", up),
		slog.Duration("poll_period", period),
	)
	if iv != nil {
		iv.Change(period)
	}
}

// Balance returns the believed balance and whether it is known.
func (t *Tracker) Balance() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet.Balance, t.wallet.Known
}

// Wallet returns a copy of the wallet state.
func (t *Tracker) Wallet() domain.WalletState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet
}
