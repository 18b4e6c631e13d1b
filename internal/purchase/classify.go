package purchase

import "github.com/alanyoungcy/tmbot/internal/domain"

// verdict is what the buy loop does after one attempt.
type verdict int

const (
	verdictBought   verdict = iota
	verdictNext             // transient; try the next offer
	verdictBadPrice         // price rejected; tolerated once per call
	verdictFail             // non-retryable; surface the error
)

// classify maps a purchase result code to a verdict. For verdictFail it also
// returns the error to surface.
func classify(code domain.BuyResult, offer domain.Offer) (verdict, *domain.PurchaseError) {
	switch code {
	case domain.BuyOK:
		return verdictBought, nil

	case domain.BuyBadOfferPrice:
		return verdictBadPrice, nil

	case domain.BuyOfferExpired,
		domain.BuySomebodyBuying,
		domain.BuyNoListServerSide,
		domain.BuySteamOrBotProblem,
		domain.BuyBotBanned,
		domain.BuyServerError7:
		return verdictNext, nil

	case domain.BuyNeedToTake:
		return verdictFail, domain.NewPurchaseError(domain.CategoryNeedToTake, domain.SourceOwner,
			"need to withdraw items")

	case domain.BuyNeedMoney:
		return verdictFail, &domain.PurchaseError{
			Category:     domain.CategoryNeedMoney,
			Source:       domain.SourceOwner,
			Message:      "need to top up bot balance",
			NeededAmount: offer.UnitPrice,
		}

	case domain.BuyInvalidTradeLink:
		return verdictFail, domain.NewPurchaseError(domain.CategoryInvalidTradeToken, domain.SourceUser,
			"trade link is invalid")
	case domain.BuyInventoryPrivate:
		return verdictFail, domain.NewPurchaseError(domain.CategoryInventoryClosed, domain.SourceUser,
			"steam inventory is closed")
	case domain.BuyOfflineTradeUnsupported:
		return verdictFail, domain.NewPurchaseError(domain.CategoryOfflineTradeUnsupported, domain.SourceUser,
			"trade link failed, check ability to trade")
	case domain.BuyVacOrGameBan:
		return verdictFail, domain.NewPurchaseError(domain.CategoryVacOrGameBan, domain.SourceUser,
			"account has a VAC or game ban")

	default:
		return verdictNext, nil
	}
}
