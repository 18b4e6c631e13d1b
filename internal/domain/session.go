package domain

// ConnectionState is the lifecycle state of the streaming session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ItemStatus is the state of an item in the account's market inventory as
// reported by push messages.
type ItemStatus int

const (
	ItemSelling    ItemStatus = 1
	ItemNeedToGive ItemStatus = 2
	ItemPending    ItemStatus = 3
	ItemNeedToTake ItemStatus = 4
	ItemDelivered  ItemStatus = 5
)

// ItemEvent is a decoded item push (added or status changed).
type ItemEvent struct {
	MarketID string
	Status   ItemStatus
	Price    int64 // minor units; zero on status changes
	BotID    string
	Left     int64 // seconds left to withdraw, -1 when unknown
	Update   bool  // true for status changes, false for additions
}

// Notification is an administrative or support message pushed to the
// account.
type Notification struct {
	Type string
	Text string
}
