package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/paygate/internal/gateway"
	"github.com/onnwee/paygate/internal/payment"
)

// Compensator returns funds the shop cannot honor: refund when money was
// captured, void when only an authorization is held. The payment stays bound
// to its checkout so support can trace what happened.
type Compensator struct {
	clients map[string]gateway.Client
	ledger  *payment.Ledger
	metrics *Metrics
	logger  *slog.Logger
}

// NewCompensator creates a compensator. clients maps gateway identifiers to
// their API clients.
func NewCompensator(clients map[string]gateway.Client, ledger *payment.Ledger, metrics *Metrics, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{clients: clients, ledger: ledger, metrics: metrics, logger: logger}
}

// Compensate issues the appropriate give-back call for the payment and
// records it in the ledger. The refund path records REFUND_ONGOING; the
// captured amount only drops once the gateway confirms via webhook.
func (c *Compensator) Compensate(ctx context.Context, p *payment.Payment, reason string) error {
	client, ok := c.clients[p.Gateway]
	if !ok {
		return fmt.Errorf("no gateway client configured for %s", p.Gateway)
	}

	if p.CapturedAmount.IsPositive() {
		ref, err := client.Refund(ctx, p.PSPReference, p.CapturedAmount, p.Currency)
		if err != nil {
			return fmt.Errorf("compensation refund failed: %w", err)
		}
		if _, _, err := c.ledger.Append(ctx, p.ID, payment.AppendParams{
			Kind:      payment.KindRefundOngoing,
			Token:     ref,
			IsSuccess: true,
			Amount:    p.CapturedAmount,
			Currency:  p.Currency,
		}); err != nil {
			return fmt.Errorf("failed to record compensation refund: %w", err)
		}
		if c.metrics != nil {
			c.metrics.IncCompensation("refund")
		}
		c.logger.WarnContext(ctx, "payment refunded",
			"payment_id", p.ID,
			"amount", p.CapturedAmount.String(),
			"reason", reason)
		return nil
	}

	ref, err := client.Void(ctx, p.PSPReference)
	if err != nil {
		return fmt.Errorf("compensation void failed: %w", err)
	}
	if _, _, err := c.ledger.Append(ctx, p.ID, payment.AppendParams{
		Kind:      payment.KindVoid,
		Token:     ref,
		IsSuccess: true,
	}); err != nil {
		return fmt.Errorf("failed to record compensation void: %w", err)
	}
	if c.metrics != nil {
		c.metrics.IncCompensation("void")
	}
	c.logger.WarnContext(ctx, "payment voided",
		"payment_id", p.ID,
		"reason", reason)
	return nil
}
