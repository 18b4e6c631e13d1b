package purchase

import (
	"sort"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// OfferQueue is an owned list of offers consumed cheapest first.
type OfferQueue struct {
	offers []domain.Offer
}

// NewOfferQueue copies offers and orders them by ascending price. Equal
// prices keep their input order.
func NewOfferQueue(offers []domain.Offer) *OfferQueue {
	q := &OfferQueue{offers: append([]domain.Offer(nil), offers...)}
	sort.SliceStable(q.offers, func(i, j int) bool {
		return q.offers[i].UnitPrice < q.offers[j].UnitPrice
	})
	return q
}

// Pop removes and returns the cheapest offer.
func (q *OfferQueue) Pop() (domain.Offer, bool) {
	if len(q.offers) == 0 {
		return domain.Offer{}, false
	}
	o := q.offers[0]
	q.offers = q.offers[1:]
	return o, true
}

// Len returns the number of remaining offers.
func (q *OfferQueue) Len() int { return len(q.offers) }
