package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// MemoryStore is an in-process domain.CounterStore. Several caches inside one
// process may share a single MemoryStore.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[string]*domain.ReputationCounter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]*domain.ReputationCounter)}
}

func (s *MemoryStore) table(name string) map[string]*domain.ReputationCounter {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]*domain.ReputationCounter)
		s.tables[name] = t
	}
	return t
}

// Increment adds one failure to key and refreshes its timestamp.
func (s *MemoryStore) Increment(_ context.Context, table, key string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	c, ok := t[key]
	if !ok {
		c = &domain.ReputationCounter{}
		t[key] = c
	}
	c.Fails++
	c.LastUpdate = now
	return c.Fails, nil
}

// Get returns a copy of the counter for key.
func (s *MemoryStore) Get(_ context.Context, table, key string) (domain.ReputationCounter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.tables[table][key]
	if !ok {
		return domain.ReputationCounter{}, false, nil
	}
	return *c, true, nil
}

// Decay implements domain.CounterStore.
func (s *MemoryStore) Decay(_ context.Context, table string, now time.Time, penalty time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	t := s.tables[table]
	for key, c := range t {
		if now.Sub(c.LastUpdate) < penalty {
			continue
		}
		c.Fails--
		c.LastUpdate = now
		if c.Fails <= 0 {
			delete(t, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live counters in table.
func (s *MemoryStore) Len(_ context.Context, table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table]), nil
}

var _ domain.CounterStore = (*MemoryStore)(nil)
