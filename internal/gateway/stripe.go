package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/webhook"
)

// GatewayStripe is the gateway identifier stored on payments.
const GatewayStripe = "stripe"

// StripeAdapter verifies Stripe webhook deliveries and maps payment intent
// lifecycle events to canonical notifications.
type StripeAdapter struct {
	webhookSecret string
}

// NewStripeAdapter creates a Stripe webhook adapter.
func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: webhookSecret}
}

// Gateway returns "stripe".
func (a *StripeAdapter) Gateway() string { return GatewayStripe }

// Parse verifies the Stripe-Signature header and decodes the event. Stripe
// sends one event per delivery, so the returned slice has a single element.
func (a *StripeAdapter) Parse(body []byte, header http.Header) ([]*Notification, error) {
	signature := header.Get("Stripe-Signature")
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEvent(body, signature, a.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "payment_intent.amount_capturable_updated":
		return a.fromPaymentIntent(event, EventAuthorizationSucceeded, true)
	case "payment_intent.succeeded":
		return a.fromPaymentIntent(event, EventCaptureSucceeded, true)
	case "payment_intent.processing":
		return a.fromPaymentIntent(event, EventPending, true)
	case "payment_intent.payment_failed":
		return a.fromPaymentIntent(event, EventFailed, false)
	case "payment_intent.canceled":
		// The intent was cancelled, and that cancellation succeeded.
		return a.fromPaymentIntent(event, EventFailed, true)
	case "charge.refunded":
		return a.fromCharge(event)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}
}

func (a *StripeAdapter) fromPaymentIntent(event stripe.Event, typ EventType, success bool) ([]*Notification, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	currency := canonicalCurrency(string(intent.Currency))
	amount := intent.Amount
	switch typ {
	case EventAuthorizationSucceeded:
		amount = intent.AmountCapturable
	case EventCaptureSucceeded:
		amount = intent.AmountReceived
	}

	n := &Notification{
		Type:              typ,
		Gateway:           GatewayStripe,
		PSPReference:      intent.ID,
		MerchantReference: merchantReference(intent.Metadata, intent.ID),
		Currency:          currency,
		Success:           success,
		Raw:               event.Data.Raw,
	}
	if amount > 0 {
		n.Amount = MinorToDecimal(amount, currency)
	}
	return []*Notification{n}, nil
}

func (a *StripeAdapter) fromCharge(event stripe.Event) ([]*Notification, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	currency := canonicalCurrency(string(charge.Currency))
	ref := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		ref = charge.PaymentIntent.ID
	}

	n := &Notification{
		Type:              EventRefunded,
		Gateway:           GatewayStripe,
		PSPReference:      charge.ID,
		MerchantReference: merchantReference(charge.Metadata, ref),
		Currency:          currency,
		Success:           true,
		Raw:               event.Data.Raw,
	}
	if charge.AmountRefunded > 0 {
		n.Amount = MinorToDecimal(charge.AmountRefunded, currency)
	}
	return []*Notification{n}, nil
}

// merchantReference prefers the merchant_reference metadata key written at
// payment creation and falls back to the Stripe object ID, which payments
// store as their gateway reference.
func merchantReference(metadata map[string]string, fallback string) string {
	if metadata != nil {
		if ref := metadata["merchant_reference"]; ref != "" {
			return ref
		}
	}
	return fallback
}

// canonicalCurrency upper-cases Stripe's lowercase ISO codes.
func canonicalCurrency(c string) string {
	return strings.ToUpper(c)
}

// StripeClient implements Client using the Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Refund refunds part or all of a captured payment intent.
func (c *StripeClient) Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal, currency string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(gatewayRef),
		Amount:        stripe.Int64(DecimalToMinor(amount, currency)),
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe refund: %w", err)
	}
	return r.ID, nil
}

// Void cancels an uncaptured payment intent.
func (c *StripeClient) Void(ctx context.Context, gatewayRef string) (string, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	intent, err := paymentintent.Cancel(gatewayRef, params)
	if err != nil {
		return "", fmt.Errorf("failed to cancel stripe payment intent: %w", err)
	}
	return intent.ID, nil
}
