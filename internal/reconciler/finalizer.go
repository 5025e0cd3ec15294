package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/payment"
)

// ErrNotFinalizable is returned when the payment is not in a state that
// permits converting its checkout into an order.
var ErrNotFinalizable = errors.New("payment is not eligible for finalization")

// Finalizer converts a paid checkout into an order, or compensates the
// payment when the checkout can no longer be honored. It is the single
// implementation behind both the webhook path and the synchronous
// checkout-completion endpoint, so both race through the same locks.
type Finalizer struct {
	locker      Locker
	checkouts   checkout.Repository
	orders      checkout.OrderRepository
	payments    payment.Repository
	ledger      *payment.Ledger
	lines       checkout.LinesFetcher
	totals      checkout.TotalCalculator
	creator     checkout.OrderCreator
	compensator *Compensator
	dispatcher  *Dispatcher
	metrics     *Metrics
	logger      *slog.Logger

	// deleteCompletedCheckout removes the checkout row after the order is
	// created. The order keeps the checkout token for traceability.
	deleteCompletedCheckout bool
}

// FinalizerConfig collects the finalizer's collaborators.
type FinalizerConfig struct {
	Locker                  Locker
	Checkouts               checkout.Repository
	Orders                  checkout.OrderRepository
	Payments                payment.Repository
	Ledger                  *payment.Ledger
	Lines                   checkout.LinesFetcher
	Totals                  checkout.TotalCalculator
	Creator                 checkout.OrderCreator
	Compensator             *Compensator
	Dispatcher              *Dispatcher
	Metrics                 *Metrics
	Logger                  *slog.Logger
	DeleteCompletedCheckout bool
}

// NewFinalizer creates a finalizer.
func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		locker:                  cfg.Locker,
		checkouts:               cfg.Checkouts,
		orders:                  cfg.Orders,
		payments:                cfg.Payments,
		ledger:                  cfg.Ledger,
		lines:                   cfg.Lines,
		totals:                  cfg.Totals,
		creator:                 cfg.Creator,
		compensator:             cfg.Compensator,
		dispatcher:              cfg.Dispatcher,
		metrics:                 cfg.Metrics,
		logger:                  logger,
		deleteCompletedCheckout: cfg.DeleteCompletedCheckout,
	}
}

// finalizeOutcome carries the decision made under the locks out to the
// unlocked section, where any gateway compensation call happens.
type finalizeOutcome struct {
	order            *checkout.Order
	payment          *payment.Payment
	compensateReason string
	failure          error
	raced            bool // another path created the order first
}

// Finalize attempts to convert the payment's checkout into an order. entry
// describes the triggering transaction; it is appended idempotently before
// validation so a replayed notification never double-books. On validation
// failure the payment is compensated and stays checkout-bound.
//
// Lock ordering is checkout before payment, matching every other path that
// touches both rows. Gateway calls are issued only after the locks drop.
func (f *Finalizer) Finalize(ctx context.Context, checkoutToken, paymentID string, entry payment.AppendParams) (*checkout.Order, error) {
	var out finalizeOutcome

	keys := []string{CheckoutKey(checkoutToken), PaymentKey(paymentID)}
	err := f.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		return f.finalizeLocked(ctx, checkoutToken, paymentID, entry, &out)
	})
	if err != nil {
		f.incResult("error")
		return nil, err
	}

	if out.compensateReason != "" {
		if cerr := f.compensator.Compensate(ctx, out.payment, out.compensateReason); cerr != nil {
			// Compensation failures are logged for manual reconciliation,
			// never propagated past the validation failure itself.
			f.logger.ErrorContext(ctx, "compensation failed",
				"payment_id", out.payment.ID,
				"checkout_token", checkoutToken,
				"gateway_reference", out.payment.PSPReference,
				"reason", out.compensateReason,
				"error", cerr)
		}
		f.incResult("compensated")
		return nil, out.failure
	}
	if out.failure != nil {
		f.incResult("failed")
		return nil, out.failure
	}

	f.incResult("success")
	f.emitSuccess(ctx, out)
	return out.order, nil
}

func (f *Finalizer) finalizeLocked(ctx context.Context, checkoutToken, paymentID string, entry payment.AppendParams, out *finalizeOutcome) error {
	p, err := f.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}

	// Record the triggering transaction first; the ledger swallows
	// replays. to_confirm stays untouched until the order exists.
	if entry.Kind != "" {
		if _, _, err := f.ledger.Append(ctx, paymentID, entry); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		if p, err = f.payments.GetPayment(ctx, paymentID); err != nil {
			return fmt.Errorf("failed to reload payment: %w", err)
		}
	}

	// Another path may have won the race while we waited on the locks.
	if p.OrderBound() {
		order, err := f.orders.GetOrder(ctx, *p.OrderID)
		if err != nil {
			return fmt.Errorf("failed to load existing order: %w", err)
		}
		out.order = order
		out.payment = p
		out.raced = true
		return nil
	}
	if !p.CheckoutBound() || *p.CheckoutID != checkoutToken {
		out.failure = ErrNotFinalizable
		return nil
	}

	// An order is only created against money the gateway actually holds.
	// The synchronous completion endpoint passes no entry, so this is what
	// stops an unpaid checkout from completing.
	txs, err := f.payments.ListTransactions(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	if !payment.Funded(txs) {
		f.logger.WarnContext(ctx, "payment has no successful auth or capture",
			"checkout_token", checkoutToken,
			"payment_id", paymentID,
			"charge_status", string(p.ChargeStatus))
		out.failure = ErrNotFinalizable
		return nil
	}

	co, err := f.checkouts.GetCheckout(ctx, checkoutToken)
	if err != nil {
		if errors.Is(err, checkout.ErrCheckoutNotFound) {
			out.failure = ErrNotFinalizable
			return nil
		}
		return fmt.Errorf("failed to load checkout: %w", err)
	}

	lines, unavailable, err := f.lines.FetchLines(ctx, co)
	if err != nil {
		return fmt.Errorf("failed to fetch checkout lines: %w", err)
	}
	if len(unavailable) > 0 {
		f.logger.WarnContext(ctx, "checkout lines no longer available",
			"checkout_token", checkoutToken,
			"payment_id", paymentID,
			"variant_ids", unavailable)
		f.markCompensation(out, p, "unavailable_variant", &checkout.ValidationError{
			Code:    checkout.CodeUnavailableVariant,
			Message: fmt.Sprintf("variants no longer available: %v", unavailable),
		})
		return nil
	}

	total, err := f.totals.CalculateTotal(ctx, co, lines)
	if err != nil {
		return fmt.Errorf("failed to calculate checkout total: %w", err)
	}
	// A price increase past the authorized amount is terminal. The
	// overpayment direction is tolerated and left for manual review.
	if total.GreaterThan(p.Total) {
		f.logger.WarnContext(ctx, "checkout total exceeds authorized amount",
			"checkout_token", checkoutToken,
			"payment_id", paymentID,
			"checkout_total", total.String(),
			"payment_total", p.Total.String())
		f.markCompensation(out, p, "total_mismatch", &checkout.ValidationError{
			Code:    checkout.CodeTotalMismatch,
			Message: fmt.Sprintf("checkout total %s exceeds payment total %s", total, p.Total),
		})
		return nil
	}

	order, err := f.creator.CreateFromCheckout(ctx, co, lines, total)
	if err != nil {
		var verr *checkout.ValidationError
		if errors.As(err, &verr) && verr.Code == checkout.CodeAlreadyFinalized {
			existing, getErr := f.orders.GetOrderByCheckoutToken(ctx, checkoutToken)
			if getErr != nil {
				return fmt.Errorf("failed to load racing order: %w", getErr)
			}
			out.order = existing
			out.payment = p
			out.raced = true
			return nil
		}
		if errors.As(err, &verr) {
			f.markCompensation(out, p, verr.Code, verr)
			return nil
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	if err := f.payments.AttachToOrder(ctx, paymentID, order.ID); err != nil {
		return fmt.Errorf("failed to attach payment to order: %w", err)
	}
	p, err = f.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to reload payment: %w", err)
	}
	if p.ToConfirm {
		p.ToConfirm = false
		if err := f.payments.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to clear to_confirm: %w", err)
		}
	}

	if f.deleteCompletedCheckout {
		if err := f.checkouts.DeleteCheckout(ctx, checkoutToken); err != nil {
			return fmt.Errorf("failed to delete completed checkout: %w", err)
		}
	}

	f.logger.InfoContext(ctx, "checkout finalized",
		"checkout_token", checkoutToken,
		"payment_id", paymentID,
		"order_id", order.ID,
		"total", order.Total.String())

	out.order = order
	out.payment = p
	return nil
}

// markCompensation records a terminal validation failure. Compensation is
// only scheduled when the gateway actually holds funds or an authorization;
// a merely pending payment has nothing to give back.
func (f *Finalizer) markCompensation(out *finalizeOutcome, p *payment.Payment, reason string, failure error) {
	out.payment = p
	out.failure = failure
	if p.CapturedAmount.IsPositive() || p.ChargeStatus != payment.ChargeStatusPending {
		out.compensateReason = reason
	}
}

func (f *Finalizer) emitSuccess(ctx context.Context, out finalizeOutcome) {
	// The path that actually created the order already emitted.
	if f.dispatcher == nil || out.order == nil || out.raced {
		return
	}
	event := OrderEvent{Type: OrderCreated, OrderID: out.order.ID, Order: out.order, Payment: out.payment}
	f.dispatcher.Emit(ctx, event)
	if out.payment != nil && out.payment.ChargeStatus == payment.ChargeStatusFullyCharged {
		event.Type = OrderFullyPaid
		f.dispatcher.Emit(ctx, event)
	}
}

func (f *Finalizer) incResult(result string) {
	if f.metrics != nil {
		f.metrics.IncFinalization(result)
	}
}
