package domain

import (
	"context"
	"time"
)

// Reputation counter tables.
const (
	TableCommon  = "common"
	TablePrecise = "precise"
)

// ReputationCounter is a decaying failure count for one hash.
type ReputationCounter struct {
	LastUpdate time.Time
	Fails      int64
}

// CounterStore holds reputation counters. Implementations must serialize
// concurrent mutation of the same key.
type CounterStore interface {
	Increment(ctx context.Context, table, key string, now time.Time) (int64, error)
	Get(ctx context.Context, table, key string) (ReputationCounter, bool, error)
	// Decay decrements every counter idle for at least penalty, refreshing its
	// timestamp, and deletes counters that reach zero. It returns the number of
	// deleted counters.
	Decay(ctx context.Context, table string, now time.Time, penalty time.Duration) (int, error)
	Len(ctx context.Context, table string) (int, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus publishes manager events for out-of-process consumers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
