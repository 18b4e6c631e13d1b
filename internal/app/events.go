package app

import (
	"context"
	"fmt"
	"io"

	"github.com/alanyoungcy/tmbot/internal/cache/redis"
	"github.com/alanyoungcy/tmbot/internal/config"
	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/manager"
)

// replayBatch is the number of stream entries read per round trip.
const replayBatch = 100

// EventsOptions selects what Events prints.
type EventsOptions struct {
	Replay bool   // print the stored event log first
	After  string // stream id to replay after; empty replays from the start
	Limit  int    // maximum replayed entries; 0 replays all
	Follow bool   // then print live events until ctx is done
}

// eventSource is the read side of the event bus.
type eventSource interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

var _ eventSource = (*redis.EventBus)(nil)

// Events prints the events a running bot publishes to Redis. Replayed
// entries are written as "<stream id> <json>", live ones as bare JSON, one
// per line.
func Events(ctx context.Context, cfg *config.Config, w io.Writer, opts EventsOptions) error {
	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Prefix:     cfg.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("events: redis: %w", err)
	}
	defer client.Close()

	return printEvents(ctx, redis.NewEventBus(client), w, opts)
}

func printEvents(ctx context.Context, src eventSource, w io.Writer, opts EventsOptions) error {
	// Subscribe before replaying so nothing published in between is lost.
	var live <-chan []byte
	if opts.Follow {
		ch, err := src.Subscribe(ctx, manager.BusChannel)
		if err != nil {
			return fmt.Errorf("events: follow: %w", err)
		}
		live = ch
	}

	if opts.Replay {
		if err := replayEvents(ctx, src, w, opts.After, opts.Limit); err != nil {
			return err
		}
	}

	if live == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-live:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "%s\n", payload); err != nil {
				return fmt.Errorf("events: write: %w", err)
			}
		}
	}
}

func replayEvents(ctx context.Context, src eventSource, w io.Writer, after string, limit int) error {
	last := after
	if last == "" {
		last = "0"
	}

	printed := 0
	for limit <= 0 || printed < limit {
		count := replayBatch
		if limit > 0 {
			count = min(count, limit-printed)
		}
		msgs, err := src.StreamRead(ctx, manager.BusChannel, last, count)
		if err != nil {
			return fmt.Errorf("events: replay: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if _, err := fmt.Fprintf(w, "%s %s\n", m.ID, m.Payload); err != nil {
				return fmt.Errorf("events: write: %w", err)
			}
			last = m.ID
			printed++
		}
	}
	return nil
}
