package domain

import (
	"context"
	"time"
)

// BuyResult is the normalized outcome code of a single purchase attempt.
type BuyResult string

const (
	BuyOK                      BuyResult = "ok"
	BuyBadOfferPrice           BuyResult = "bad_offer_price"
	BuyOfferExpired            BuyResult = "offer_expired"
	BuySomebodyBuying          BuyResult = "somebody_buying"
	BuyNoListServerSide        BuyResult = "no_list_server_side"
	BuySteamOrBotProblem       BuyResult = "steam_or_bot_problem"
	BuyBotBanned               BuyResult = "bot_banned"
	BuyServerError7            BuyResult = "server_error_7"
	BuyNeedToTake              BuyResult = "need_to_take"
	BuyNeedMoney               BuyResult = "need_money"
	BuyInvalidTradeLink        BuyResult = "invalid_trade_link"
	BuyInventoryPrivate        BuyResult = "inventory_private"
	BuyOfflineTradeUnsupported BuyResult = "offline_trade_unsupported"
	BuyVacOrGameBan            BuyResult = "vac_or_game_ban"
	BuyUnknown                 BuyResult = "unknown"
)

// Variant is one raw search hit before filtering.
type Variant struct {
	HashName  string
	Signature ItemSignature
	Price     int64
	Count     int
}

// SearchResult is the answer of the offer search call.
type SearchResult struct {
	Success  bool
	Variants []Variant
}

// PurchaseResult is the answer of a single purchase submission.
type PurchaseResult struct {
	Code       BuyResult
	Raw        string
	PurchaseID string
}

// HistoryEvent is one row of the account operation history.
type HistoryEvent struct {
	Type     string
	MarketID string
	Stage    int
	Time     time.Time
}

// HistoryResult is the answer of the operation-history call.
type HistoryResult struct {
	Success bool
	Events  []HistoryEvent
}

// TradeAPI is the subset of marketplace REST calls the trading core needs.
// Implementations retry transport failures themselves; an error return means
// those retries were exhausted.
type TradeAPI interface {
	SearchOffers(ctx context.Context, hashName string) (SearchResult, error)
	SubmitPurchase(ctx context.Context, offer Offer, price int64, dest *TradeDestination) (PurchaseResult, error)
	GetBalance(ctx context.Context) (int64, error)
	GetAuthKey(ctx context.Context) (string, error)
	GetOperationHistory(ctx context.Context, start, end time.Time) (HistoryResult, error)
}

// HistoryBuyGo is the operation-history event type of a purchase.
const HistoryBuyGo = "buy_go"

// PingStatus is the normalized outcome of the account keep-alive call.
type PingStatus string

const (
	PingOK       PingStatus = "ok"
	PingTooEarly PingStatus = "too_early"
	// PingNeedsAuthenticator means the marketplace wants the trade token
	// checked or a mobile authenticator enabled before it lists the account.
	PingNeedsAuthenticator PingStatus = "needs_authenticator"
	PingRejected           PingStatus = "rejected"
)

// PingResult is the answer of the account keep-alive call.
type PingResult struct {
	Status  PingStatus
	Message string
}

// AccountAPI covers account housekeeping calls outside the trading core.
type AccountAPI interface {
	PingPong(ctx context.Context) (PingResult, error)
	GetTradeToken(ctx context.Context) (string, error)
	SetTradeToken(ctx context.Context, token string) error
}
