package manager

import (
	"time"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// Event types published to subscribers and the event bus.
const (
	EventConnected      = "connected"
	EventAuth           = "auth"
	EventDeAuth         = "deauth"
	EventDisconnected   = "disconnected"
	EventStuck          = "stuck"
	EventGaveUp         = "gave_up"
	EventBalance        = "balance"
	EventItemAdded      = "item_added"
	EventItemStatus     = "item_status"
	EventNotification   = "notification"
	EventPurchase       = "purchase"
	EventPurchaseFailed = "purchase_failed"
	EventAPIError       = "api_error"
)

// BusChannel names both the Pub/Sub channel and the stream events are
// published to.
const BusChannel = "events"

// Event is the envelope every republished event travels in.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type balancePayload struct {
	Balance int64 `json:"balance"`
	Delta   int64 `json:"delta"`
	Initial bool  `json:"initial,omitempty"`
}

type itemPayload struct {
	MarketID string `json:"market_id"`
	Status   int    `json:"status"`
	Price    int64  `json:"price,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Left     int64  `json:"left"`
}

func newItemPayload(ev domain.ItemEvent) itemPayload {
	return itemPayload{
		MarketID: ev.MarketID,
		Status:   int(ev.Status),
		Price:    ev.Price,
		BotID:    ev.BotID,
		Left:     ev.Left,
	}
}

type purchasePayload struct {
	HashName  string `json:"hash_name"`
	MarketID  string `json:"market_id"`
	ClassID   string `json:"class_id"`
	Instance  string `json:"instance_id"`
	PaidPrice int64  `json:"paid_price"`
}

type failurePayload struct {
	HashName     string `json:"hash_name"`
	TargetPrice  int64  `json:"target_price"`
	Category     string `json:"category,omitempty"`
	Source       string `json:"source,omitempty"`
	Error        string `json:"error"`
	NeededAmount int64  `json:"needed_amount,omitempty"`
	LowestPrice  int64  `json:"lowest_price,omitempty"`
	Retryable    bool   `json:"retryable"`
}

type messagePayload struct {
	Kind string `json:"kind,omitempty"`
	Text string `json:"text"`
}
