package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayAdyen is the gateway identifier stored on payments.
const GatewayAdyen = "adyen"

// adyenWebhook is the standard notification envelope. One delivery can batch
// several notification items.
type adyenWebhook struct {
	Live              string `json:"live"`
	NotificationItems []struct {
		NotificationRequestItem adyenItem `json:"NotificationRequestItem"`
	} `json:"notificationItems"`
}

type adyenItem struct {
	AdditionalData map[string]string `json:"additionalData"`
	Amount         struct {
		Currency string `json:"currency"`
		Value    int64  `json:"value"`
	} `json:"amount"`
	EventCode           string `json:"eventCode"`
	EventDate           string `json:"eventDate"`
	MerchantAccountCode string `json:"merchantAccountCode"`
	MerchantReference   string `json:"merchantReference"`
	OriginalReference   string `json:"originalReference"`
	PspReference        string `json:"pspReference"`
	Reason              string `json:"reason"`
	Success             string `json:"success"`
}

// AdyenAdapter verifies Adyen standard webhook notifications using the
// per-item HMAC signature and maps event codes to canonical notifications.
type AdyenAdapter struct {
	hmacKey []byte
}

// NewAdyenAdapter creates an Adyen webhook adapter. The HMAC key is the
// hex-encoded value from the Adyen customer area.
func NewAdyenAdapter(hexHMACKey string) (*AdyenAdapter, error) {
	key, err := hex.DecodeString(hexHMACKey)
	if err != nil {
		return nil, fmt.Errorf("invalid adyen hmac key: %w", err)
	}
	return &AdyenAdapter{hmacKey: key}, nil
}

// Gateway returns "adyen".
func (a *AdyenAdapter) Gateway() string { return GatewayAdyen }

// Parse verifies each item's HMAC signature and decodes the batch. One bad
// signature rejects the whole delivery so Adyen retries it intact.
func (a *AdyenAdapter) Parse(body []byte, header http.Header) ([]*Notification, error) {
	var payload adyenWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(payload.NotificationItems) == 0 {
		return nil, fmt.Errorf("%w: empty notification batch", ErrMalformedPayload)
	}

	notifications := make([]*Notification, 0, len(payload.NotificationItems))
	for _, wrapper := range payload.NotificationItems {
		item := wrapper.NotificationRequestItem
		if !a.verifyItem(item) {
			return nil, fmt.Errorf("%w: item %s", ErrInvalidSignature, item.PspReference)
		}

		n, err := a.toNotification(item)
		if err != nil {
			continue // Verified but unhandled event code
		}
		notifications = append(notifications, n)
	}
	if len(notifications) == 0 {
		return nil, ErrUnhandledEvent
	}
	return notifications, nil
}

// verifyItem checks the item's hmacSignature against the signing string
// defined by Adyen: the colon-joined reference, account, amount, event code
// and success fields, HMAC-SHA256 under the shared key, base64 encoded.
func (a *AdyenAdapter) verifyItem(item adyenItem) bool {
	provided := item.AdditionalData["hmacSignature"]
	if provided == "" {
		return false
	}

	signing := strings.Join([]string{
		item.PspReference,
		item.OriginalReference,
		escapeAdyenField(item.MerchantAccountCode),
		escapeAdyenField(item.MerchantReference),
		strconv.FormatInt(item.Amount.Value, 10),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}, ":")

	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(signing))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// escapeAdyenField escapes backslash and colon per the Adyen signing rules.
func escapeAdyenField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ":", `\:`)
}

func (a *AdyenAdapter) toNotification(item adyenItem) (*Notification, error) {
	success := item.Success == "true"

	var typ EventType
	switch item.EventCode {
	case "AUTHORISATION":
		typ = EventAuthorizationSucceeded
		if !success {
			typ = EventFailed
		}
	case "CAPTURE":
		typ = EventCaptureSucceeded
		if !success {
			typ = EventFailed
		}
	case "PENDING":
		typ = EventPending
	case "REFUND":
		typ = EventRefunded
	case "CANCELLATION":
		typ = EventFailed
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, item.EventCode)
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return &Notification{
		Type:              typ,
		Gateway:           GatewayAdyen,
		PSPReference:      item.PspReference,
		MerchantReference: item.MerchantReference,
		Amount:            MinorToDecimal(item.Amount.Value, item.Amount.Currency),
		Currency:          item.Amount.Currency,
		Success:           success,
		Raw:               raw,
	}, nil
}

// AdyenClient implements Client against the Adyen Checkout API.
type AdyenClient struct {
	apiKey          string
	merchantAccount string
	baseURL         string
	httpClient      *http.Client
}

// NewAdyenClient creates an Adyen API client. baseURL points at the checkout
// API root, e.g. https://checkout-test.adyen.com/v71.
func NewAdyenClient(apiKey, merchantAccount, baseURL string, httpClient *http.Client) *AdyenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AdyenClient{
		apiKey:          apiKey,
		merchantAccount: merchantAccount,
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      httpClient,
	}
}

type adyenModificationResponse struct {
	PspReference string `json:"pspReference"`
	Status       string `json:"status"`
}

// Refund requests a refund against a captured Adyen payment.
func (c *AdyenClient) Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal, currency string) (string, error) {
	body := map[string]any{
		"merchantAccount": c.merchantAccount,
		"amount": map[string]any{
			"currency": currency,
			"value":    DecimalToMinor(amount, currency),
		},
	}
	return c.modify(ctx, fmt.Sprintf("/payments/%s/refunds", gatewayRef), body)
}

// Void cancels an authorized but uncaptured Adyen payment.
func (c *AdyenClient) Void(ctx context.Context, gatewayRef string) (string, error) {
	body := map[string]any{
		"merchantAccount": c.merchantAccount,
	}
	return c.modify(ctx, fmt.Sprintf("/payments/%s/cancels", gatewayRef), body)
}

func (c *AdyenClient) modify(ctx context.Context, path string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode adyen request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build adyen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("adyen request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("adyen returned %d: %s", resp.StatusCode, string(msg))
	}

	var out adyenModificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode adyen response: %w", err)
	}
	return out.PspReference, nil
}
