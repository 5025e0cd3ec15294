// Package checkout provides the checkout and order models and the
// collaborators the finalizer uses to convert a paid checkout into an order.
package checkout

import (
	"time"

	"github.com/shopspring/decimal"
)

// Checkout is a cart-like entity prior to order placement. It is deleted
// once successfully converted to an order (configurable); otherwise it
// persists until expiry.
type Checkout struct {
	Token       string    `json:"token"` // External-facing identifier
	ChannelSlug string    `json:"channel_slug"`
	Currency    string    `json:"currency"`
	Email       string    `json:"email,omitempty"`
	Lines       []Line    `json:"lines"`
	CreatedAt   time.Time `json:"created_at"`
}

// Line is one variant position in a checkout.
type Line struct {
	ID        string          `json:"id"`
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is created exactly once from a checkout. It retains the checkout
// token for traceability even after the checkout row is deleted.
type Order struct {
	ID            string          `json:"id"`
	CheckoutToken string          `json:"checkout_token"`
	ChannelSlug   string          `json:"channel_slug"`
	Currency      string          `json:"currency"`
	Total         decimal.Decimal `json:"total"`
	Lines         []Line          `json:"lines"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LineTotal returns quantity times unit price for a line.
func (l Line) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
