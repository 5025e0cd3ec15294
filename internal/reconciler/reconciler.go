// Package reconciler drives payment state from gateway webhook notifications
// and converts paid checkouts into orders.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/gateway"
	"github.com/onnwee/paygate/internal/payment"
)

// Reconciler applies canonical gateway notifications to the payment ledger
// and triggers finalization or compensation. Semantic skips (unknown
// reference, wrong channel, replayed delivery) return nil so the webhook
// handler acknowledges them; only storage failures propagate.
type Reconciler struct {
	payments    payment.Repository
	ledger      *payment.Ledger
	finalizer   *Finalizer
	compensator *Compensator
	dispatcher  *Dispatcher
	metrics     *Metrics
	logger      *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(
	payments payment.Repository,
	ledger *payment.Ledger,
	finalizer *Finalizer,
	compensator *Compensator,
	dispatcher *Dispatcher,
	metrics *Metrics,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		payments:    payments,
		ledger:      ledger,
		finalizer:   finalizer,
		compensator: compensator,
		dispatcher:  dispatcher,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleNotification processes one canonical notification delivered on the
// given channel.
func (r *Reconciler) HandleNotification(ctx context.Context, n *gateway.Notification, channelSlug string) error {
	p, err := r.payments.GetPaymentByReference(ctx, n.MerchantReference)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			// Not retryable; the reference may belong to another system
			// sharing the gateway account.
			r.logger.WarnContext(ctx, "notification references unknown payment",
				"gateway", n.Gateway,
				"merchant_reference", n.MerchantReference,
				"event_type", string(n.Type))
			r.count(n, "unresolved")
			if r.metrics != nil {
				r.metrics.IncUnresolvedReference(n.Gateway)
			}
			return nil
		}
		return fmt.Errorf("failed to resolve payment: %w", err)
	}

	// Channel-scoped gateway configurations share signing material per
	// channel; a payment from another channel must not be touched.
	if channelSlug != "" && p.ChannelSlug != channelSlug {
		r.logger.WarnContext(ctx, "notification channel does not match payment channel",
			"payment_id", p.ID,
			"payment_channel", p.ChannelSlug,
			"delivery_channel", channelSlug)
		r.count(n, "channel_mismatch")
		if r.metrics != nil {
			r.metrics.IncChannelMismatch()
		}
		return nil
	}

	kind := transactionKind(n)

	// Replays append nothing and retrigger nothing.
	if _, err := r.payments.GetTransaction(ctx, p.ID, n.PSPReference, kind); err == nil {
		r.logger.InfoContext(ctx, "duplicate notification ignored",
			"payment_id", p.ID,
			"token", n.PSPReference,
			"kind", string(kind))
		r.count(n, "duplicate")
		if r.metrics != nil {
			r.metrics.IncDuplicate(n.Gateway)
		}
		return nil
	} else if !errors.Is(err, payment.ErrTransactionNotFound) {
		return fmt.Errorf("failed to check ledger: %w", err)
	}

	entry := payment.AppendParams{
		Kind:            kind,
		Token:           n.PSPReference,
		IsSuccess:       n.Success,
		Amount:          n.Amount,
		Currency:        n.Currency,
		GatewayResponse: n.Raw,
	}

	switch n.Type {
	case gateway.EventAuthorizationSucceeded, gateway.EventCaptureSucceeded:
		return r.handleFunding(ctx, p, n, entry)
	case gateway.EventPending:
		return r.handlePending(ctx, p, n, entry)
	case gateway.EventFailed:
		return r.handleFailed(ctx, p, n, entry)
	case gateway.EventRefunded:
		return r.handleRefund(ctx, p, n, entry)
	default:
		r.logger.WarnContext(ctx, "notification type not handled",
			"payment_id", p.ID,
			"event_type", string(n.Type))
		r.count(n, "skipped")
		return nil
	}
}

// handleFunding processes successful authorizations and captures.
func (r *Reconciler) handleFunding(ctx context.Context, p *payment.Payment, n *gateway.Notification, entry payment.AppendParams) error {
	// A superseded payment keeps its ledger honest but gives the money
	// back instead of creating an order.
	if !p.IsActive {
		if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		updated, err := r.payments.GetPayment(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to reload payment: %w", err)
		}
		if cerr := r.compensator.Compensate(ctx, updated, "inactive_payment"); cerr != nil {
			r.logger.ErrorContext(ctx, "compensation failed",
				"payment_id", p.ID,
				"gateway_reference", p.PSPReference,
				"error", cerr)
		}
		r.count(n, "compensated")
		return nil
	}

	if p.OrderBound() {
		if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		r.emitOrderEventIfPaid(ctx, p)
		r.count(n, "processed")
		return nil
	}

	if !p.CheckoutBound() {
		r.logger.WarnContext(ctx, "payment bound to neither checkout nor order",
			"payment_id", p.ID)
		r.count(n, "skipped")
		return nil
	}

	_, err := r.finalizer.Finalize(ctx, *p.CheckoutID, p.ID, entry)
	if err != nil {
		if isValidationFailure(err) {
			// The failure was compensated and recorded; the gateway
			// still gets an acknowledgement.
			r.count(n, "compensated")
			return nil
		}
		return err
	}
	r.count(n, "processed")
	return nil
}

// handlePending appends the pending marker and, when the payment is still
// checkout-bound, attempts finalization. Pending payments are never
// compensated since there is nothing to void or refund yet.
func (r *Reconciler) handlePending(ctx context.Context, p *payment.Payment, n *gateway.Notification, entry payment.AppendParams) error {
	if p.OrderBound() || !p.IsActive {
		if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		r.count(n, "processed")
		return nil
	}
	if !p.CheckoutBound() {
		if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		r.count(n, "skipped")
		return nil
	}

	_, err := r.finalizer.Finalize(ctx, *p.CheckoutID, p.ID, entry)
	if err != nil {
		if isValidationFailure(err) {
			r.count(n, "skipped")
			return nil
		}
		return err
	}
	r.count(n, "processed")
	return nil
}

// handleFailed appends a cancel entry and signals order-bound voids. The
// success flag mirrors the notification: a refusal or a failed cancellation
// attempt is recorded as a failed entry and never cancels the payment.
func (r *Reconciler) handleFailed(ctx context.Context, p *payment.Payment, n *gateway.Notification, entry payment.AppendParams) error {
	if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	if n.Success && p.OrderBound() && r.dispatcher != nil {
		r.dispatcher.Emit(ctx, OrderEvent{Type: OrderVoided, OrderID: *p.OrderID, Payment: p})
	}
	r.count(n, "processed")
	return nil
}

// handleRefund appends the refund and signals order-bound refunds. The
// recompute inside the ledger drops captured_amount; a refund matching an
// earlier REFUND_ONGOING shares its token, so the pair is correlated in the
// ledger without mutating the ongoing row.
func (r *Reconciler) handleRefund(ctx context.Context, p *payment.Payment, n *gateway.Notification, entry payment.AppendParams) error {
	if !n.Success {
		entry.Kind = payment.KindRefundFailed
	}
	if _, _, err := r.ledger.Append(ctx, p.ID, entry); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	if n.Success && p.OrderBound() && r.dispatcher != nil {
		r.dispatcher.Emit(ctx, OrderEvent{Type: OrderRefunded, OrderID: *p.OrderID, Payment: p})
	}
	r.count(n, "processed")
	return nil
}

func (r *Reconciler) emitOrderEventIfPaid(ctx context.Context, p *payment.Payment) {
	if r.dispatcher == nil {
		return
	}
	updated, err := r.payments.GetPayment(ctx, p.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to reload payment for event emission",
			"payment_id", p.ID, "error", err)
		return
	}
	if updated.ChargeStatus == payment.ChargeStatusFullyCharged {
		r.dispatcher.Emit(ctx, OrderEvent{Type: OrderFullyPaid, OrderID: *p.OrderID, Payment: updated})
	}
}

func (r *Reconciler) count(n *gateway.Notification, outcome string) {
	if r.metrics != nil {
		r.metrics.IncNotification(n.Gateway, string(n.Type), outcome)
	}
}

// isValidationFailure reports whether a finalization error represents a
// handled business outcome rather than a storage fault.
func isValidationFailure(err error) bool {
	var verr *checkout.ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrNotFinalizable)
}

// transactionKind maps the canonical event type to the ledger kind.
func transactionKind(n *gateway.Notification) payment.TransactionKind {
	switch n.Type {
	case gateway.EventAuthorizationSucceeded:
		return payment.KindAuth
	case gateway.EventCaptureSucceeded:
		return payment.KindCapture
	case gateway.EventPending:
		return payment.KindPending
	case gateway.EventFailed:
		return payment.KindCancel
	case gateway.EventRefunded:
		if !n.Success {
			return payment.KindRefundFailed
		}
		return payment.KindRefund
	default:
		return payment.TransactionKind(string(n.Type))
	}
}
