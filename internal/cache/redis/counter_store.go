package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

//go:embed scripts/counter_increment.lua
var counterIncrementLua string

//go:embed scripts/counter_decay.lua
var counterDecayLua string

// CounterStore implements domain.CounterStore on Redis hashes so that several
// bot instances share one view of bad offers. Each counter lives at
// {prefix}:reputation:{table}:c:{hash} with fields "fails" and "updated"
// (unix milliseconds); {prefix}:reputation:{table}:index lists live hashes.
//
// The decay script touches keys it derives at runtime, so the store is not
// Redis Cluster safe.
type CounterStore struct {
	c         *Client
	increment *redis.Script
	decay     *redis.Script
}

// NewCounterStore creates a CounterStore backed by the given Client.
func NewCounterStore(c *Client) *CounterStore {
	return &CounterStore{
		c:         c,
		increment: redis.NewScript(counterIncrementLua),
		decay:     redis.NewScript(counterDecayLua),
	}
}

func (s *CounterStore) counterPrefix(table string) string {
	return s.c.key("reputation", table, "c") + ":"
}

func (s *CounterStore) indexKey(table string) string {
	return s.c.key("reputation", table, "index")
}

// Increment adds one failure to the counter and stamps it with now.
func (s *CounterStore) Increment(ctx context.Context, table, key string, now time.Time) (int64, error) {
	fails, err := s.increment.Run(
		ctx,
		s.c.rdb,
		[]string{s.counterPrefix(table) + key, s.indexKey(table)},
		key,
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: counter increment %s/%s: %w", table, key, err)
	}
	return fails, nil
}

// Get returns the counter for key, reporting false when it does not exist.
func (s *CounterStore) Get(ctx context.Context, table, key string) (domain.ReputationCounter, bool, error) {
	vals, err := s.c.rdb.HMGet(ctx, s.counterPrefix(table)+key, "fails", "updated").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ReputationCounter{}, false, nil
		}
		return domain.ReputationCounter{}, false, fmt.Errorf("redis: counter get %s/%s: %w", table, key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return domain.ReputationCounter{}, false, nil
	}

	fails, err := parseInt(vals[0])
	if err != nil {
		return domain.ReputationCounter{}, false, fmt.Errorf("redis: counter get %s/%s: fails: %w", table, key, err)
	}
	updated, err := parseInt(vals[1])
	if err != nil {
		return domain.ReputationCounter{}, false, fmt.Errorf("redis: counter get %s/%s: updated: %w", table, key, err)
	}

	return domain.ReputationCounter{
		Fails:      fails,
		LastUpdate: time.UnixMilli(updated),
	}, true, nil
}

// Decay runs the leak step for one table atomically.
func (s *CounterStore) Decay(ctx context.Context, table string, now time.Time, penalty time.Duration) (int, error) {
	removed, err := s.decay.Run(
		ctx,
		s.c.rdb,
		[]string{s.indexKey(table)},
		s.counterPrefix(table),
		now.UnixMilli(),
		penalty.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: counter decay %s: %w", table, err)
	}
	return removed, nil
}

// Len returns the number of live counters in table.
func (s *CounterStore) Len(ctx context.Context, table string) (int, error) {
	n, err := s.c.rdb.SCard(ctx, s.indexKey(table)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: counter len %s: %w", table, err)
	}
	return int(n), nil
}

func parseInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

var _ domain.CounterStore = (*CounterStore)(nil)
