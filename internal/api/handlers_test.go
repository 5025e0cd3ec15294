package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/gateway"
	"github.com/onnwee/paygate/internal/payment"
	"github.com/onnwee/paygate/internal/reconciler"
)

const testWebhookSecret = "whsec_test_secret"

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}

// fakeGatewayClient records outbound compensation calls.
type fakeGatewayClient struct {
	mu      sync.Mutex
	refunds []decimal.Decimal
	voids   int
}

func (c *fakeGatewayClient) Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal, currency string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds = append(c.refunds, amount)
	return "refund-psp-1", nil
}

func (c *fakeGatewayClient) Void(ctx context.Context, gatewayRef string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voids++
	return "void-psp-1", nil
}

// handlerFixture wires in-memory storage through the full reconciliation
// pipeline so handler tests exercise real semantics end to end.
type handlerFixture struct {
	payments  *payment.InMemoryRepository
	checkouts *checkout.InMemoryRepository
	orders    *checkout.InMemoryOrderRepository
	catalog   *checkout.Catalog
	client    *fakeGatewayClient
	ledger    *payment.Ledger
	webhooks  *WebhookHandlers
	checkoutH *CheckoutHandlers
	paymentH  *PaymentHandlers
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := slog.Default()

	payments := payment.NewInMemoryRepository()
	checkouts := checkout.NewInMemoryRepository()
	orders := checkout.NewInMemoryOrderRepository()
	catalog := checkout.NewCatalog()
	client := &fakeGatewayClient{}
	ledger := payment.NewLedger(payments, logger)

	dispatcher := reconciler.NewDispatcher(logger)
	compensator := reconciler.NewCompensator(map[string]gateway.Client{"stripe": client}, ledger, nil, logger)
	finalizer := reconciler.NewFinalizer(reconciler.FinalizerConfig{
		Locker:                  reconciler.NewInMemoryLocker(),
		Checkouts:               checkouts,
		Orders:                  orders,
		Payments:                payments,
		Ledger:                  ledger,
		Lines:                   catalog,
		Totals:                  catalog,
		Creator:                 checkout.NewCreator(orders),
		Compensator:             compensator,
		Dispatcher:              dispatcher,
		Logger:                  logger,
		DeleteCompletedCheckout: true,
	})
	rec := reconciler.NewReconciler(payments, ledger, finalizer, compensator, dispatcher, nil, logger)

	return &handlerFixture{
		payments:  payments,
		checkouts: checkouts,
		orders:    orders,
		catalog:   catalog,
		client:    client,
		ledger:    ledger,
		webhooks:  NewWebhookHandlers(rec, gateway.NewStripeAdapter(testWebhookSecret)),
		checkoutH: NewCheckoutHandlers(payments, orders, finalizer),
		paymentH:  NewPaymentHandlers(payments),
	}
}

// seed creates a checkout-bound payment of 80.00 USD with matching lines.
func (f *handlerFixture) seed(t *testing.T) *payment.Payment {
	t.Helper()
	ctx := context.Background()

	co := &checkout.Checkout{
		Token:       "checkout-1",
		ChannelSlug: "default-channel",
		Currency:    "USD",
		Lines: []checkout.Line{
			{ID: "line-1", VariantID: "variant-a", Quantity: 2, UnitPrice: dec(t, "30.00")},
			{ID: "line-2", VariantID: "variant-b", Quantity: 1, UnitPrice: dec(t, "20.00")},
		},
	}
	if err := f.checkouts.InsertCheckout(ctx, co); err != nil {
		t.Fatalf("InsertCheckout failed: %v", err)
	}

	token := co.Token
	p := &payment.Payment{
		ID:           "payment-1",
		Gateway:      "stripe",
		ChannelSlug:  "default-channel",
		Total:        dec(t, "80.00"),
		Currency:     "USD",
		ChargeStatus: payment.ChargeStatusNotCharged,
		IsActive:     true,
		ToConfirm:    true,
		CheckoutID:   &token,
		PSPReference: "pi_1",
	}
	if err := f.payments.InsertPayment(ctx, p); err != nil {
		t.Fatalf("InsertPayment failed: %v", err)
	}
	return p
}

// fund records a successful authorization so the payment becomes eligible
// for completion.
func (f *handlerFixture) fund(t *testing.T, p *payment.Payment) {
	t.Helper()
	_, _, err := f.ledger.Append(context.Background(), p.ID, payment.AppendParams{
		Kind:      payment.KindAuth,
		Token:     p.PSPReference,
		IsSuccess: true,
		Amount:    p.Total,
		Currency:  p.Currency,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

// signStripePayload produces a Stripe-Signature header value for the payload
// using the v1 scheme.
func signStripePayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(t *testing.T, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          "evt_test_1",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return raw
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", body, err)
	}
	return resp
}

func newRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	return httptest.NewRequest(method, path, reader)
}

func signedStripeRequest(t *testing.T, path string, payload []byte) *http.Request {
	t.Helper()
	req := newRequest(t, http.MethodPost, path, payload)
	req.Header.Set("Stripe-Signature", signStripePayload(t, payload, testWebhookSecret))
	return req
}
