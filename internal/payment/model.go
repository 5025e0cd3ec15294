// Package payment provides the payment model, the append-only transaction
// ledger, and the charge-status state machine derived from it.
package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeStatus represents the derived charge state of a payment.
type ChargeStatus string

// Charge status values, derived from the transaction ledger.
const (
	ChargeStatusNotCharged        ChargeStatus = "not_charged"
	ChargeStatusPending           ChargeStatus = "pending"
	ChargeStatusPartiallyCharged  ChargeStatus = "partially_charged"
	ChargeStatusFullyCharged      ChargeStatus = "fully_charged"
	ChargeStatusPartiallyRefunded ChargeStatus = "partially_refunded"
	ChargeStatusFullyRefunded     ChargeStatus = "fully_refunded"
	ChargeStatusRefused           ChargeStatus = "refused"
	ChargeStatusCancelled         ChargeStatus = "cancelled"
)

// TransactionKind identifies the type of a ledger entry.
type TransactionKind string

// Transaction kinds. A failed operation is recorded as its own entry
// (e.g. KindCaptureFailed), never as a mutation of an earlier one.
const (
	KindAuth            TransactionKind = "auth"
	KindCapture         TransactionKind = "capture"
	KindCaptureFailed   TransactionKind = "capture_failed"
	KindPending         TransactionKind = "pending"
	KindActionToConfirm TransactionKind = "action_to_confirm"
	KindRefund          TransactionKind = "refund"
	KindRefundOngoing   TransactionKind = "refund_ongoing"
	KindRefundReversed  TransactionKind = "refund_reversed"
	KindRefundFailed    TransactionKind = "refund_failed"
	KindCancel          TransactionKind = "cancel"
	KindVoid            TransactionKind = "void"
)

// Payment represents one attempt to pay for a checkout or order.
//
// A payment is attached to at most one of {checkout, order} at any time.
// When an order is created from a checkout, CheckoutID is cleared and
// OrderID is set within the same storage transaction.
type Payment struct {
	ID             string          `json:"id"`
	Gateway        string          `json:"gateway"`      // Gateway identifier, e.g. "stripe", "adyen"
	ChannelSlug    string          `json:"channel_slug"` // Channel the owning checkout/order belongs to
	Total          decimal.Decimal `json:"total"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	Currency       string          `json:"currency"` // ISO 4217 code, upper case
	ChargeStatus   ChargeStatus    `json:"charge_status"`
	IsActive       bool            `json:"is_active"`
	ToConfirm      bool            `json:"to_confirm"`
	CheckoutID     *string         `json:"checkout_id,omitempty"`
	OrderID        *string         `json:"order_id,omitempty"`
	PSPReference   string          `json:"psp_reference"` // Merchant reference the gateway correlates on
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     time.Time       `json:"modified_at"`
}

// CheckoutBound reports whether the payment is still attached to a checkout.
func (p *Payment) CheckoutBound() bool {
	return p.CheckoutID != nil && *p.CheckoutID != ""
}

// OrderBound reports whether the payment has been attached to an order.
func (p *Payment) OrderBound() bool {
	return p.OrderID != nil && *p.OrderID != ""
}

// Transaction is one immutable entry in a payment's ledger. Entries are
// never mutated or deleted after creation.
type Transaction struct {
	ID               string          `json:"id"`
	PaymentID        string          `json:"payment_id"`
	Token            string          `json:"token"` // Gateway transaction token (PSP reference)
	Kind             TransactionKind `json:"kind"`
	IsSuccess        bool            `json:"is_success"`
	ActionRequired   bool            `json:"action_required"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"` // Raw gateway payload, opaque
	AlreadyProcessed bool            `json:"already_processed"`          // Marks a notification skipped as a duplicate
	CreatedAt        time.Time       `json:"created_at"`
}
