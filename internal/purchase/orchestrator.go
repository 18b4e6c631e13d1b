// Package purchase turns a buy request into a bought item or a classified
// failure, walking competing offers from cheapest to most expensive.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/metrics"
	"github.com/alanyoungcy/tmbot/internal/pricing"
)

// Wallet is the believed balance as seen by the buy loop.
type Wallet interface {
	Balance() (int64, bool)
	ChangeBalance(delta int64)
}

// Reputation flags offers that failed recently.
type Reputation interface {
	IsBadOffer(ctx context.Context, o domain.Offer) bool
	RecordFailure(ctx context.Context, sig domain.ItemSignature, price int64) error
	StoreBought(item domain.BoughtItem)
}

// Config holds the orchestrator policy.
type Config struct {
	Tolerance      pricing.Tolerance
	AvoidBadOffers bool

	// SubmitTimeout bounds a buy request once it is sent. The request is
	// not cancelled with the caller's context. Zero leaves it to the
	// transport.
	SubmitTimeout time.Duration
}

// Orchestrator executes purchases.
type Orchestrator struct {
	api        domain.TradeAPI
	wallet     Wallet
	reputation Reputation
	cfg        Config
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithReputation enables bad-offer avoidance.
func WithReputation(r Reputation) Option {
	return func(o *Orchestrator) { o.reputation = r }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator.
func New(api domain.TradeAPI, wallet Wallet, cfg Config, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:    api,
		wallet: wallet,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(slog.String("component", "purchase")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Buy finds offers for hashName acceptable for targetPrice and buys the
// cheapest one that goes through. targetPrice 0 accepts any price.
func (o *Orchestrator) Buy(ctx context.Context, hashName string, targetPrice int64, dest *domain.TradeDestination) (domain.BoughtItem, error) {
	logger := o.logger.With(
		slog.String("attempt_id", uuid.NewString()),
		slog.String("hash_name", hashName),
		slog.Int64("target_price", targetPrice),
	)
	ctx = withLogger(ctx, logger)

	offers, err := o.GetOffers(ctx, hashName, targetPrice)
	if err != nil {
		o.recordOutcome(logger, err)
		return domain.BoughtItem{}, err
	}

	var item domain.BoughtItem
	if o.reputation != nil && o.cfg.AvoidBadOffers {
		item, err = o.BuyAvoidingBadOffers(ctx, offers, dest)
	} else {
		item, err = o.BuyCheapest(ctx, NewOfferQueue(offers), dest)
	}
	if err != nil {
		o.recordOutcome(logger, err)
		return domain.BoughtItem{}, err
	}

	o.wallet.ChangeBalance(-item.PaidPrice)
	o.metrics.IncPurchase("bought")
	logger.Info("item bought",
		slog.String("market_id", item.MarketID),
		slog.Int64("price", item.PaidPrice),
	)
	return item, nil
}

func (o *Orchestrator) recordOutcome(logger *slog.Logger, err error) {
	if pe, ok := domain.AsPurchaseError(err); ok {
		o.metrics.IncPurchase(string(pe.Category))
		logger.Warn("purchase failed",
			slog.String("category", string(pe.Category)),
			slog.String("source", string(pe.Source)),
			slog.String("error", err.Error()),
		)
		return
	}
	o.metrics.IncPurchase("error")
	logger.Error("purchase failed", slog.String("error", err.Error()))
}

// GetOffers searches hashName and returns the acceptable offers, cheapest
// first.
func (o *Orchestrator) GetOffers(ctx context.Context, hashName string, maxTargetPrice int64) ([]domain.Offer, error) {
	res, err := o.api.SearchOffers(ctx, hashName)
	if err != nil {
		return nil, &domain.PurchaseError{
			Category: domain.CategoryRequestFailed,
			Source:   domain.SourceMarket,
			Message:  fmt.Sprintf("offer search failed: %v", err),
		}
	}
	if !res.Success {
		return nil, domain.NewPurchaseError(domain.CategoryRequestFailed, domain.SourceMarket,
			"offer search was not successful")
	}
	if len(res.Variants) == 0 {
		return nil, domain.NewPurchaseError(domain.CategoryNotFound, domain.SourceMarket,
			"no offers for "+hashName)
	}

	ceiling := int64(-1)
	if maxTargetPrice > 0 {
		ceiling = o.cfg.Tolerance.Ceiling(maxTargetPrice)
	}

	lowest := res.Variants[0].Price
	offers := make([]domain.Offer, 0, len(res.Variants))
	for _, v := range res.Variants {
		lowest = min(lowest, v.Price)
		if v.HashName != hashName || v.Count <= 0 {
			continue
		}
		if ceiling >= 0 && v.Price > ceiling {
			continue
		}
		offers = append(offers, domain.Offer{
			Signature:      v.Signature,
			HashName:       v.HashName,
			UnitPrice:      v.Price,
			AvailableCount: v.Count,
		})
	}

	if len(offers) == 0 {
		return nil, &domain.PurchaseError{
			Category:    domain.CategoryTooHighPrices,
			Source:      domain.SourceOwner,
			Message:     "all offers are above the acceptable price",
			LowestPrice: lowest,
		}
	}

	return NewOfferQueue(offers).offers, nil
}

// BuyCheapest attempts offers from q in ascending price order until one is
// bought or a non-retryable failure occurs. q is consumed.
func (o *Orchestrator) BuyCheapest(ctx context.Context, q *OfferQueue, dest *domain.TradeDestination) (domain.BoughtItem, error) {
	logger := loggerFrom(ctx, o.logger)
	badPriceSeen := false

	for {
		offer, ok := q.Pop()
		if !ok {
			return domain.BoughtItem{}, domain.NewPurchaseError(domain.CategoryAttemptsFailed, domain.SourceMarket,
				"all buy attempts failed")
		}

		if balance, known := o.wallet.Balance(); known && offer.UnitPrice > balance {
			return domain.BoughtItem{}, &domain.PurchaseError{
				Category:     domain.CategoryNeedMoney,
				Source:       domain.SourceOwner,
				Message:      "need to top up bot balance",
				NeededAmount: offer.UnitPrice,
				Shortfall:    offer.UnitPrice - balance,
			}
		}

		if err := ctx.Err(); err != nil {
			return domain.BoughtItem{}, fmt.Errorf("purchase: buy cheapest: %w", err)
		}

		res, err := o.submit(ctx, offer, dest)
		if err != nil {
			o.metrics.IncPurchaseAttempt("transport_error")
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Warn("purchase request failed after cancellation",
					slog.String("signature", offer.Signature.String()),
					slog.String("error", err.Error()),
				)
				return domain.BoughtItem{}, fmt.Errorf("purchase: buy cheapest: %w", ctxErr)
			}
			logger.Warn("purchase request failed, trying next offer",
				slog.String("signature", offer.Signature.String()),
				slog.Int64("price", offer.UnitPrice),
				slog.String("error", err.Error()),
			)
			continue
		}
		o.metrics.IncPurchaseAttempt(res.Code)

		v, perr := classify(res.Code, offer)
		switch v {
		case verdictBought:
			item := domain.BoughtItem{
				MarketID:  res.PurchaseID,
				Signature: offer.Signature,
				HashName:  offer.HashName,
				PaidPrice: offer.UnitPrice,
				BoughtAt:  o.clock.Now(),
			}
			return item, nil

		case verdictBadPrice:
			o.recordBadPrice(ctx, logger, offer)
			if badPriceSeen {
				return domain.BoughtItem{}, domain.NewPurchaseError(domain.CategoryBadOfferPrice, domain.SourceMarket,
					"unable to buy item for current price")
			}
			badPriceSeen = true

		case verdictNext:
			attrs := []any{
				slog.String("result", string(res.Code)),
				slog.String("signature", offer.Signature.String()),
				slog.Int64("price", offer.UnitPrice),
			}
			if res.Code == domain.BuyUnknown {
				logger.Warn("unknown buy result, trying next offer", append(attrs, slog.String("raw", res.Raw))...)
			} else {
				logger.Debug("transient buy failure, trying next offer", attrs...)
			}

		case verdictFail:
			return domain.BoughtItem{}, perr
		}
	}
}

// submit sends one buy request. A sent request may complete on the
// marketplace, so it outlives ctx and is bounded by SubmitTimeout only.
func (o *Orchestrator) submit(ctx context.Context, offer domain.Offer, dest *domain.TradeDestination) (domain.PurchaseResult, error) {
	ctx = context.WithoutCancel(ctx)
	if o.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		defer cancel()
	}
	return o.api.SubmitPurchase(ctx, offer, offer.UnitPrice, dest)
}

func (o *Orchestrator) recordBadPrice(ctx context.Context, logger *slog.Logger, offer domain.Offer) {
	logger.Debug("price rejected by server",
		slog.String("signature", offer.Signature.String()),
		slog.Int64("price", offer.UnitPrice),
	)
	if o.reputation == nil {
		return
	}
	if err := o.reputation.RecordFailure(ctx, offer.Signature, offer.UnitPrice); err != nil {
		logger.Warn("record bad price failed", slog.String("error", err.Error()))
	}
}

// BuyAvoidingBadOffers tries reputable offers first and falls back to
// flagged ones unless the failure needs end-user action.
func (o *Orchestrator) BuyAvoidingBadOffers(ctx context.Context, offers []domain.Offer, dest *domain.TradeDestination) (domain.BoughtItem, error) {
	var good, flagged []domain.Offer
	for _, offer := range offers {
		if o.reputation != nil && o.reputation.IsBadOffer(ctx, offer) {
			flagged = append(flagged, offer)
		} else {
			good = append(good, offer)
		}
	}

	item, err := o.BuyCheapest(ctx, NewOfferQueue(good), dest)
	if err != nil {
		pe, ok := domain.AsPurchaseError(err)
		if !ok || pe.Source == domain.SourceUser || len(flagged) == 0 {
			return domain.BoughtItem{}, err
		}
		loggerFrom(ctx, o.logger).Info("reputable offers failed, trying flagged ones",
			slog.String("category", string(pe.Category)),
			slog.Int("flagged", len(flagged)),
		)
		item, err = o.BuyCheapest(ctx, NewOfferQueue(flagged), dest)
		if err != nil {
			return domain.BoughtItem{}, err
		}
	}

	if o.reputation != nil {
		o.reputation.StoreBought(item)
	}
	return item, nil
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}
