package notify

import (
	"fmt"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// Event kinds accepted in notify.events.
const (
	KindNeedMoney  = "need_money"
	KindNeedToTake = "need_to_take"
	KindUserAction = "user_action"
	KindStuck      = "stuck"
	KindGaveUp     = "gave_up"
	KindAPIError   = "api_error"
)

// Event is one operator alert.
type Event struct {
	Kind    string
	Title   string
	Message string
}

// ForPurchaseError maps a purchase failure to the alert an operator should
// see. Failures nobody has to act on yield ok=false.
func ForPurchaseError(hashName string, pe *domain.PurchaseError) (Event, bool) {
	switch {
	case pe.Category == domain.CategoryNeedMoney:
		msg := fmt.Sprintf("%s: need %s", hashName, formatMinor(pe.NeededAmount))
		if pe.Shortfall > 0 {
			msg += fmt.Sprintf(", short by %s", formatMinor(pe.Shortfall))
		}
		return Event{Kind: KindNeedMoney, Title: "Balance too low", Message: msg}, true
	case pe.Category == domain.CategoryNeedToTake:
		return Event{
			Kind:    KindNeedToTake,
			Title:   "Items waiting for withdrawal",
			Message: fmt.Sprintf("%s: purchases are blocked until bought items are taken", hashName),
		}, true
	case pe.Source == domain.SourceUser:
		return Event{
			Kind:    KindUserAction,
			Title:   "User action required",
			Message: fmt.Sprintf("%s: %s (%s)", hashName, pe.Message, pe.Category),
		}, true
	default:
		return Event{}, false
	}
}

// Stuck reports a silent push channel.
func Stuck() Event {
	return Event{
		Kind:    KindStuck,
		Title:   "Push channel stuck",
		Message: "no traffic inside the watchdog window, reconnecting",
	}
}

// GaveUp reports that the session stopped reconnecting.
func GaveUp(err error) Event {
	return Event{
		Kind:    KindGaveUp,
		Title:   "Push channel down",
		Message: fmt.Sprintf("reconnect abandoned: %v", err),
	}
}

// APIError reports a marketplace answer that needs the owner's attention.
func APIError(method, message string) Event {
	return Event{
		Kind:    KindAPIError,
		Title:   "Marketplace API error",
		Message: fmt.Sprintf("%s: %s", method, message),
	}
}

func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
