package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies why a purchase (or a purchase-related lookup)
// failed.
type ErrorCategory string

const (
	CategoryNotFound                ErrorCategory = "not_found"
	CategoryRequestFailed           ErrorCategory = "request_failed"
	CategoryAttemptsFailed          ErrorCategory = "attempts_failed"
	CategoryTooHighPrices           ErrorCategory = "too_high_prices"
	CategoryNeedMoney               ErrorCategory = "need_money"
	CategoryNeedToTake              ErrorCategory = "need_to_take"
	CategoryBadOfferPrice           ErrorCategory = "bad_offer_price"
	CategoryInvalidTradeToken       ErrorCategory = "invalid_trade_token"
	CategoryInventoryClosed         ErrorCategory = "inventory_closed"
	CategoryOfflineTradeUnsupported ErrorCategory = "offline_trade_unsupported"
	CategoryVacOrGameBan            ErrorCategory = "vac_or_game_ban"
	CategoryUnknownStage            ErrorCategory = "unknown_stage"
	CategoryHistoryFailed           ErrorCategory = "history_failed"
)

// ErrorSource names the party that has to act to resolve a failure.
type ErrorSource string

const (
	SourceMarket ErrorSource = "market" // someone else is buying, listing went stale, server hiccup
	SourceOwner  ErrorSource = "owner"  // bot needs funding or withdrawal
	SourceUser   ErrorSource = "user"   // end user's trade link or account is unusable
	SourceBot    ErrorSource = "bot"
	SourceRandom ErrorSource = "random"
)

// PurchaseError is the single structured failure returned by the purchase
// orchestrator and the item-state lookup.
type PurchaseError struct {
	Category ErrorCategory
	Source   ErrorSource
	Message  string

	// NeededAmount is the offer price that could not be paid (NeedMoney).
	NeededAmount int64
	// Shortfall is NeededAmount minus the believed balance, when known.
	Shortfall int64
	// LowestPrice is the cheapest raw variant seen (TooHighPrices).
	LowestPrice int64
}

// NewPurchaseError builds a PurchaseError without payload fields.
func NewPurchaseError(cat ErrorCategory, src ErrorSource, msg string) *PurchaseError {
	return &PurchaseError{Category: cat, Source: src, Message: msg}
}

func (e *PurchaseError) Error() string {
	switch e.Category {
	case CategoryNeedMoney:
		return fmt.Sprintf("%s (%s/%s): need %d", e.Message, e.Category, e.Source, e.NeededAmount)
	case CategoryTooHighPrices:
		return fmt.Sprintf("%s (%s/%s): lowest %d", e.Message, e.Category, e.Source, e.LowestPrice)
	default:
		return fmt.Sprintf("%s (%s/%s)", e.Message, e.Category, e.Source)
	}
}

// RequiresAction reports whether a human (owner or end user) has to step in
// before the same purchase can succeed.
func (e *PurchaseError) RequiresAction() bool {
	return e.Source == SourceOwner || e.Source == SourceUser
}

// AsPurchaseError unwraps err into a *PurchaseError.
func AsPurchaseError(err error) (*PurchaseError, bool) {
	var pe *PurchaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsPurchaseCategory reports whether err is a PurchaseError of the given
// category.
func IsPurchaseCategory(err error, cat ErrorCategory) bool {
	pe, ok := AsPurchaseError(err)
	return ok && pe.Category == cat
}

// Retryable reports whether the failure is transient on the marketplace side
// and the same request may succeed later without anyone acting.
func (e *PurchaseError) Retryable() bool {
	return e.Source == SourceMarket || e.Source == SourceRandom
}
