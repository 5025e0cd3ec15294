package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/middleware"
	"github.com/onnwee/paygate/internal/payment"
	"github.com/onnwee/paygate/internal/reconciler"
)

// CheckoutHandlers holds dependencies for the synchronous checkout
// completion endpoint.
type CheckoutHandlers struct {
	payments  payment.Repository
	orders    checkout.OrderRepository
	finalizer *reconciler.Finalizer
}

// NewCheckoutHandlers creates a new CheckoutHandlers instance.
func NewCheckoutHandlers(payments payment.Repository, orders checkout.OrderRepository, finalizer *reconciler.Finalizer) *CheckoutHandlers {
	return &CheckoutHandlers{payments: payments, orders: orders, finalizer: finalizer}
}

// CompleteCheckoutRequest is the body for the completion endpoint.
type CompleteCheckoutRequest struct {
	PaymentID string `json:"payment_id"`
}

// OrderResponse is the serialized order returned on completion.
type OrderResponse struct {
	ID            string          `json:"id"`
	CheckoutToken string          `json:"checkout_token"`
	ChannelSlug   string          `json:"channel_slug"`
	Currency      string          `json:"currency"`
	Total         string          `json:"total"`
	Lines         []LineResponse  `json:"lines,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LineResponse is one serialized order line.
type LineResponse struct {
	ID        string `json:"id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

func orderResponse(o *checkout.Order) OrderResponse {
	resp := OrderResponse{
		ID:            o.ID,
		CheckoutToken: o.CheckoutToken,
		ChannelSlug:   o.ChannelSlug,
		Currency:      o.Currency,
		Total:         o.Total.StringFixed(2),
		CreatedAt:     o.CreatedAt,
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, LineResponse{
			ID:        l.ID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	return resp
}

// CompleteCheckout converts a paid checkout into an order.
// POST /checkouts/{token}/complete
//
// This is the synchronous counterpart to the webhook-driven finalization;
// both run through the same locks, so racing them is safe and both callers
// observe the same order.
func (h *CheckoutHandlers) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/checkouts/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "complete" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown endpoint")
		return
	}
	token := parts[0]

	var req CompleteCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.PaymentID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "payment_id is required")
		return
	}

	p, err := h.payments.GetPayment(ctx, req.PaymentID)
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

	// A payment that already completed returns its order rather than
	// failing, so client retries converge.
	if p.OrderBound() {
		order, err := h.orders.GetOrder(ctx, *p.OrderID)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load order")
			return
		}
		WriteJSON(w, ctx, http.StatusOK, orderResponse(order))
		return
	}
	if !p.CheckoutBound() || *p.CheckoutID != token {
		ctx = middleware.SetErrorCode(ctx, ErrCodeConflict)
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "payment is not attached to this checkout")
		return
	}

	order, err := h.finalizer.Finalize(ctx, token, p.ID, payment.AppendParams{})
	if err != nil {
		var verr *checkout.ValidationError
		switch {
		case errors.As(err, &verr):
			ctx = middleware.SetErrorCode(ctx, verr.Code)
			WriteError(w, ctx, http.StatusConflict, verr.Code, verr.Message)
		case errors.Is(err, reconciler.ErrNotFinalizable):
			ctx = middleware.SetErrorCode(ctx, ErrCodeCheckoutNotReady)
			WriteError(w, ctx, http.StatusConflict, ErrCodeCheckoutNotReady, "checkout cannot be completed")
		default:
			slog.ErrorContext(ctx, "checkout completion failed",
				"checkout_token", token,
				"payment_id", p.ID,
				"error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to complete checkout")
		}
		return
	}

	WriteJSON(w, ctx, http.StatusOK, orderResponse(order))
}
