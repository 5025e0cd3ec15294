// Package gateway maps gateway-specific webhook payloads into canonical
// notifications and wraps the outbound refund/void calls, so the reconciler
// core never branches on gateway identity.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

// EventType is the canonical notification type, decoded once at the ingress
// boundary.
type EventType string

// Canonical event types.
const (
	EventAuthorizationSucceeded EventType = "authorization_succeeded"
	EventCaptureSucceeded       EventType = "capture_succeeded"
	EventPending                EventType = "pending"
	EventFailed                 EventType = "failed"
	EventRefunded               EventType = "refunded"
)

var (
	// ErrInvalidSignature is returned when the webhook signature does not
	// verify. Handlers must reject these so the gateway's retry fires.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrMalformedPayload is returned when the payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrUnhandledEvent is returned for verified events the reconciler has
	// no interest in; handlers acknowledge these without processing.
	ErrUnhandledEvent = errors.New("unhandled webhook event type")
)

// Notification is one canonical gateway event.
type Notification struct {
	Type              EventType
	Gateway           string
	PSPReference      string          // Gateway transaction token for the ledger
	MerchantReference string          // Resolves the payment on our side
	Amount            decimal.Decimal // Zero when the gateway omitted the amount
	Currency          string
	Success           bool
	Raw               json.RawMessage // Original payload fragment, stored opaquely
}

// Adapter verifies and decodes one gateway's webhook deliveries. A single
// delivery may carry several notifications (Adyen batches items).
type Adapter interface {
	// Gateway returns the gateway identifier, e.g. "stripe".
	Gateway() string

	// Parse verifies the delivery signature and decodes the payload.
	// Returns ErrInvalidSignature or ErrMalformedPayload for rejectable
	// deliveries and ErrUnhandledEvent for verified-but-ignored types.
	Parse(body []byte, header http.Header) ([]*Notification, error)
}

// Client issues outbound compensation calls against a gateway. These happen
// outside any database lock.
type Client interface {
	// Refund returns captured funds. Returns the gateway token identifying
	// the refund for the ledger.
	Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal, currency string) (string, error)

	// Void releases an uncaptured authorization.
	Void(ctx context.Context, gatewayRef string) (string, error)
}

// zeroDecimalCurrencies are ISO 4217 currencies without minor units.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// MinorToDecimal converts a gateway minor-unit amount to a decimal in the
// currency's major unit.
func MinorToDecimal(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[currency] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// DecimalToMinor converts a major-unit decimal amount to the gateway's
// minor-unit integer representation.
func DecimalToMinor(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[currency] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
