// Package reputation keeps a decaying failure score per item signature so the
// purchase loop can try historically reliable offers first.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/metrics"
)

// decayLockKey serializes sweeps when several instances share one store.
const decayLockKey = "reputation:decay"

// Config holds the reputation thresholds and timings.
type Config struct {
	UpdateInterval  time.Duration // how often the decay sweep runs
	PenaltyTime     time.Duration // idle time after which a counter loses one point
	MinCommonFails  int64
	MinPreciseFails int64
	BoughtTTL       time.Duration
}

// Cache flags offers as bad once their signature, or signature plus exact
// price, has failed often enough. Counters leak one point per PenaltyTime.
type Cache struct {
	store   domain.CounterStore
	locks   domain.LockManager
	cfg     Config
	clock   clockwork.Clock
	recent  *RecentlyBought
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLockManager makes Sweep take a distributed lock so that instances
// sharing a counter store do not sweep at the same moment.
func WithLockManager(lm domain.LockManager) Option {
	return func(c *Cache) { c.locks = lm }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a Cache over store.
func NewCache(store domain.CounterStore, cfg Config, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		recent: NewRecentlyBought(cfg.BoughtTTL, clock),
		logger: logger.With(slog.String("component", "reputation")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CommonHash keys the item-class counter.
func CommonHash(sig domain.ItemSignature) string {
	return sig.ClassID + "_" + sig.InstanceID
}

// PreciseHash keys the item-class-at-price counter.
func PreciseHash(sig domain.ItemSignature, price int64) string {
	return CommonHash(sig) + "_" + strconv.FormatInt(price, 10)
}

// RecordFailure adds a failure for sig. The precise counter is only touched
// when price is positive.
func (c *Cache) RecordFailure(ctx context.Context, sig domain.ItemSignature, price int64) error {
	now := c.clock.Now()

	fails, err := c.store.Increment(ctx, domain.TableCommon, CommonHash(sig), now)
	if err != nil {
		return fmt.Errorf("reputation: record common failure: %w", err)
	}
	c.metrics.IncReputationFailure(domain.TableCommon)

	attrs := []any{
		slog.String("signature", sig.String()),
		slog.Int64("common_fails", fails),
	}

	if price > 0 {
		pf, err := c.store.Increment(ctx, domain.TablePrecise, PreciseHash(sig, price), now)
		if err != nil {
			return fmt.Errorf("reputation: record precise failure: %w", err)
		}
		c.metrics.IncReputationFailure(domain.TablePrecise)
		attrs = append(attrs, slog.Int64("price", price), slog.Int64("precise_fails", pf))
	}

	c.logger.DebugContext(ctx, "failure recorded", attrs...)
	return nil
}

// IsBad reports whether either counter for sig/price has reached its
// threshold.
func (c *Cache) IsBad(ctx context.Context, sig domain.ItemSignature, price int64) (bool, error) {
	common, ok, err := c.store.Get(ctx, domain.TableCommon, CommonHash(sig))
	if err != nil {
		return false, fmt.Errorf("reputation: get common counter: %w", err)
	}
	if ok && common.Fails >= c.cfg.MinCommonFails {
		return true, nil
	}

	precise, ok, err := c.store.Get(ctx, domain.TablePrecise, PreciseHash(sig, price))
	if err != nil {
		return false, fmt.Errorf("reputation: get precise counter: %w", err)
	}
	return ok && precise.Fails >= c.cfg.MinPreciseFails, nil
}

// IsBadOffer is IsBad for an offer. A store error is logged and the offer is
// treated as reputable.
func (c *Cache) IsBadOffer(ctx context.Context, o domain.Offer) bool {
	bad, err := c.IsBad(ctx, o.Signature, o.UnitPrice)
	if err != nil {
		c.logger.WarnContext(ctx, "reputation lookup failed",
			slog.String("signature", o.Signature.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return bad
}

// Sweep runs one decay pass over both tables and drops expired bought
// entries.
func (c *Cache) Sweep(ctx context.Context) error {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, decayLockKey, c.cfg.UpdateInterval)
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.DebugContext(ctx, "decay sweep skipped, another instance holds the lock")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reputation: acquire decay lock: %w", err)
		}
		defer unlock()
	}

	now := c.clock.Now()
	for _, table := range []string{domain.TableCommon, domain.TablePrecise} {
		removed, err := c.store.Decay(ctx, table, now, c.cfg.PenaltyTime)
		if err != nil {
			return fmt.Errorf("reputation: decay %s: %w", table, err)
		}
		if removed > 0 {
			c.logger.DebugContext(ctx, "counters expired",
				slog.String("table", table),
				slog.Int("removed", removed),
			)
		}
		if n, err := c.store.Len(ctx, table); err == nil {
			c.metrics.SetReputationCounters(table, n)
		}
	}

	c.recent.Cleanup()
	return nil
}

// Run sweeps every UpdateInterval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := c.Sweep(ctx); err != nil {
				c.logger.WarnContext(ctx, "decay sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// StoreBought remembers a successful purchase for later MarkBadByMarketID
// lookups.
func (c *Cache) StoreBought(item domain.BoughtItem) {
	c.recent.Store(item)
}

// FindBought returns a recently bought item by market id.
func (c *Cache) FindBought(marketID string) (domain.BoughtItem, bool) {
	return c.recent.Lookup(marketID)
}

// MarkBadByMarketID records a failure for the item bought under marketID.
// When the id is no longer cached, fallback is used if non-nil.
func (c *Cache) MarkBadByMarketID(ctx context.Context, marketID string, fallback *domain.BoughtItem) error {
	item, ok := c.recent.Lookup(marketID)
	if !ok {
		if fallback == nil {
			return fmt.Errorf("reputation: bought item %s: %w", marketID, domain.ErrNotFound)
		}
		item = *fallback
	}
	return c.RecordFailure(ctx, item.Signature, item.PaidPrice)
}

// Stats returns the number of live counters per table.
func (c *Cache) Stats(ctx context.Context) (common, precise int, err error) {
	if common, err = c.store.Len(ctx, domain.TableCommon); err != nil {
		return 0, 0, fmt.Errorf("reputation: stats: %w", err)
	}
	if precise, err = c.store.Len(ctx, domain.TablePrecise); err != nil {
		return 0, 0, fmt.Errorf("reputation: stats: %w", err)
	}
	return common, precise, nil
}
