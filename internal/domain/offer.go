package domain

import (
	"fmt"
	"time"
)

// ItemSignature identifies a fungible item variant independently of price.
type ItemSignature struct {
	ClassID    string
	InstanceID string
}

func (s ItemSignature) String() string {
	return s.ClassID + "_" + s.InstanceID
}

// Offer is a sellable instance of an item at a given price. Prices are in
// minor currency units (kopecks, cents).
type Offer struct {
	Signature      ItemSignature
	HashName       string
	UnitPrice      int64
	AvailableCount int
}

// TradeDestination overrides the account's default trade link. A nil
// *TradeDestination means "use account default".
type TradeDestination struct {
	PartnerID  string
	TradeToken string
}

// NewTradeDestination returns nil unless both parts are set.
func NewTradeDestination(partnerID, token string) *TradeDestination {
	if partnerID == "" || token == "" {
		return nil
	}
	return &TradeDestination{PartnerID: partnerID, TradeToken: token}
}

// BoughtItem is created only on a successful purchase.
type BoughtItem struct {
	MarketID  string
	Signature ItemSignature
	HashName  string
	PaidPrice int64
	BoughtAt  time.Time
}

func (b BoughtItem) String() string {
	return fmt.Sprintf("%s#%s@%d", b.HashName, b.MarketID, b.PaidPrice)
}
