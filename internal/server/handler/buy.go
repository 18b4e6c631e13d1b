package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// maxBuyBody caps the request body of POST /api/buy.
const maxBuyBody = 4 << 10

// Buyer executes a purchase request.
type Buyer interface {
	Buy(ctx context.Context, hashName string, targetPrice int64, dest *domain.TradeDestination) (domain.BoughtItem, error)
}

// BuyHandler accepts purchase requests.
type BuyHandler struct {
	buyer  Buyer
	logger *slog.Logger
}

// NewBuyHandler creates a BuyHandler.
func NewBuyHandler(buyer Buyer, logger *slog.Logger) *BuyHandler {
	return &BuyHandler{buyer: buyer, logger: logHandler(logger, "buy")}
}

type buyRequest struct {
	HashName string `json:"hash_name"`
	Price    int64  `json:"price"`
	Partner  string `json:"partner,omitempty"`
	Token    string `json:"token,omitempty"`
}

type boughtResponse struct {
	MarketID   string `json:"market_id"`
	HashName   string `json:"hash_name"`
	ClassID    string `json:"class_id"`
	InstanceID string `json:"instance_id"`
	PaidPrice  int64  `json:"paid_price"`
}

type purchaseErrorResponse struct {
	Error        string `json:"error"`
	Category     string `json:"category"`
	Source       string `json:"source"`
	NeededAmount int64  `json:"needed_amount,omitempty"`
	LowestPrice  int64  `json:"lowest_price,omitempty"`
	Retryable    bool   `json:"retryable"`
}

// Buy runs one purchase and answers with the bought item or the classified
// failure.
// POST /api/buy
func (h *BuyHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBuyBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.HashName = strings.TrimSpace(req.HashName)
	if req.HashName == "" {
		writeError(w, http.StatusBadRequest, "hash_name is required")
		return
	}
	if req.Price < 0 {
		writeError(w, http.StatusBadRequest, "price must not be negative")
		return
	}

	item, err := h.buyer.Buy(r.Context(), req.HashName, req.Price, domain.NewTradeDestination(req.Partner, req.Token))
	if err != nil {
		h.writeBuyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, boughtResponse{
		MarketID:   item.MarketID,
		HashName:   item.HashName,
		ClassID:    item.Signature.ClassID,
		InstanceID: item.Signature.InstanceID,
		PaidPrice:  item.PaidPrice,
	})
}

func (h *BuyHandler) writeBuyError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrPurchasesDisabled) {
		writeError(w, http.StatusServiceUnavailable, "purchases are disabled in this mode")
		return
	}

	pe, ok := domain.AsPurchaseError(err)
	if !ok {
		h.logger.Error("buy failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, purchaseStatus(pe), purchaseErrorResponse{
		Error:        pe.Message,
		Category:     string(pe.Category),
		Source:       string(pe.Source),
		NeededAmount: pe.NeededAmount,
		LowestPrice:  pe.LowestPrice,
		Retryable:    pe.Retryable(),
	})
}

// purchaseStatus maps a purchase failure to an HTTP status code.
func purchaseStatus(pe *domain.PurchaseError) int {
	switch {
	case pe.Category == domain.CategoryNotFound:
		return http.StatusNotFound
	case pe.Category == domain.CategoryNeedMoney:
		return http.StatusPaymentRequired
	case pe.Category == domain.CategoryRequestFailed:
		return http.StatusBadGateway
	case pe.Source == domain.SourceUser:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}
