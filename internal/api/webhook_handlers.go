package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/paygate/internal/gateway"
	"github.com/onnwee/paygate/internal/middleware"
	"github.com/onnwee/paygate/internal/reconciler"
)

// maxWebhookBody caps webhook payload size at 1 MB.
const maxWebhookBody = 1 << 20

// WebhookHandlers holds dependencies for gateway webhook ingress.
type WebhookHandlers struct {
	adapters   map[string]gateway.Adapter
	reconciler *reconciler.Reconciler
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(reconciler *reconciler.Reconciler, adapters ...gateway.Adapter) *WebhookHandlers {
	byName := make(map[string]gateway.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Gateway()] = a
	}
	return &WebhookHandlers{adapters: byName, reconciler: reconciler}
}

// HandleWebhook processes a signed gateway delivery.
// POST /webhooks/{gateway}/{channel}
//
// Responses follow the gateway retry contract: 2xx acknowledges everything
// that must not be redelivered (including semantic skips), 4xx rejects
// unverifiable payloads so the gateway retries, and 5xx is reserved for
// storage failures.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown webhook endpoint")
		return
	}
	gatewayName, channelSlug := parts[0], parts[1]

	adapter, ok := h.adapters[gatewayName]
	if !ok {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	notifications, err := adapter.Parse(body, r.Header)
	if err != nil {
		// Verified but irrelevant events are acknowledged so the gateway
		// stops redelivering them.
		if errors.Is(err, gateway.ErrUnhandledEvent) {
			slog.InfoContext(ctx, "ignoring unhandled webhook event",
				"gateway", gatewayName, "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.WarnContext(ctx, "webhook rejected",
			"gateway", gatewayName, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid webhook payload")
		return
	}

	for _, n := range notifications {
		if err := h.reconciler.HandleNotification(ctx, n, channelSlug); err != nil {
			// Only storage faults reach here; 5xx triggers the gateway's
			// retry so the delivery is not lost.
			slog.ErrorContext(ctx, "failed to process notification",
				"gateway", gatewayName,
				"merchant_reference", n.MerchantReference,
				"event_type", string(n.Type),
				"error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
