package reputation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// RecentlyBought remembers freshly bought items by market id for a short TTL
// so a later "this purchase went wrong" report can be mapped back to the
// offer signature and price. It is safe for concurrent use.
type RecentlyBought struct {
	mu    sync.Mutex
	items map[string]recentEntry
	ttl   time.Duration
	clock clockwork.Clock
}

type recentEntry struct {
	item   domain.BoughtItem
	stored time.Time
}

// NewRecentlyBought creates a cache whose entries expire after ttl.
func NewRecentlyBought(ttl time.Duration, clock clockwork.Clock) *RecentlyBought {
	return &RecentlyBought{
		items: make(map[string]recentEntry),
		ttl:   ttl,
		clock: clock,
	}
}

// Store records item under its market id.
func (r *RecentlyBought) Store(item domain.BoughtItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.MarketID] = recentEntry{item: item, stored: r.clock.Now()}
}

// Lookup returns the item bought under marketID if it has not expired.
func (r *RecentlyBought) Lookup(marketID string) (domain.BoughtItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[marketID]
	if !ok {
		return domain.BoughtItem{}, false
	}
	if r.clock.Since(e.stored) >= r.ttl {
		delete(r.items, marketID)
		return domain.BoughtItem{}, false
	}
	return e.item, true
}

// Cleanup drops expired entries. Called from the decay sweep.
func (r *RecentlyBought) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for id, e := range r.items {
		if now.Sub(e.stored) >= r.ttl {
			delete(r.items, id)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (r *RecentlyBought) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
