package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/paygate/internal/middleware"
	"github.com/onnwee/paygate/internal/payment"
)

// PaymentHandlers holds dependencies for payment read endpoints.
type PaymentHandlers struct {
	payments payment.Repository
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(payments payment.Repository) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// PaymentResponse is a serialized payment with its ledger.
type PaymentResponse struct {
	ID             string                `json:"id"`
	Gateway        string                `json:"gateway"`
	ChannelSlug    string                `json:"channel_slug"`
	Total          string                `json:"total"`
	CapturedAmount string                `json:"captured_amount"`
	Currency       string                `json:"currency"`
	ChargeStatus   string                `json:"charge_status"`
	IsActive       bool                  `json:"is_active"`
	ToConfirm      bool                  `json:"to_confirm"`
	CheckoutToken  *string               `json:"checkout_token,omitempty"`
	OrderID        *string               `json:"order_id,omitempty"`
	Transactions   []TransactionResponse `json:"transactions"`
	CreatedAt      time.Time             `json:"created_at"`
}

// TransactionResponse is one serialized ledger entry.
type TransactionResponse struct {
	ID             string          `json:"id"`
	Token          string          `json:"token"`
	Kind           string          `json:"kind"`
	IsSuccess      bool            `json:"is_success"`
	ActionRequired bool            `json:"action_required"`
	Amount         string          `json:"amount"`
	Currency       string          `json:"currency"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// GetPayment returns a payment and its full transaction ledger.
// GET /payments/{id}
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/payments/")
	if id == "" || strings.Contains(id, "/") {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown endpoint")
		return
	}

	p, err := h.payments.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodePaymentNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodePaymentNotFound, "payment not found")
			return
		}
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load payment")
		return
	}

	txs, err := h.payments.ListTransactions(ctx, id)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load transactions")
		return
	}

	resp := PaymentResponse{
		ID:             p.ID,
		Gateway:        p.Gateway,
		ChannelSlug:    p.ChannelSlug,
		Total:          p.Total.StringFixed(2),
		CapturedAmount: p.CapturedAmount.StringFixed(2),
		Currency:       p.Currency,
		ChargeStatus:   string(p.ChargeStatus),
		IsActive:       p.IsActive,
		ToConfirm:      p.ToConfirm,
		CheckoutToken:  p.CheckoutID,
		OrderID:        p.OrderID,
		Transactions:   make([]TransactionResponse, 0, len(txs)),
		CreatedAt:      p.CreatedAt,
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, TransactionResponse{
			ID:              tx.ID,
			Token:           tx.Token,
			Kind:            string(tx.Kind),
			IsSuccess:       tx.IsSuccess,
			ActionRequired:  tx.ActionRequired,
			Amount:          tx.Amount.StringFixed(2),
			Currency:        tx.Currency,
			GatewayResponse: tx.GatewayResponse,
			CreatedAt:       tx.CreatedAt,
		})
	}

	WriteJSON(w, ctx, http.StatusOK, resp)
}
