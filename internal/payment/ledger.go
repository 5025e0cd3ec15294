package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// AppendParams describes a ledger entry to record.
type AppendParams struct {
	Kind            TransactionKind
	Token           string
	IsSuccess       bool
	ActionRequired  bool
	Amount          decimal.Decimal // Zero means: fall back to the payment total
	Currency        string
	GatewayResponse json.RawMessage
}

// Ledger records transaction events against payments. Every successful
// append recomputes the payment's captured amount and charge status from
// the full ledger before returning, so readers never see a stale status.
type Ledger struct {
	repo   Repository
	logger *slog.Logger
}

// NewLedger creates a ledger service over the given repository.
func NewLedger(repo Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger}
}

// Append records a transaction for the payment. If an entry with the same
// (payment, token, kind) triple already exists, no row is inserted and the
// existing entry is returned with AlreadyProcessed set; created reports
// whether a new entry was written.
//
// Corrections are always new entries: a failed capture after a successful
// auth is a KindCaptureFailed append, never an update of the auth row.
func (l *Ledger) Append(ctx context.Context, paymentID string, params AppendParams) (tx *Transaction, created bool, err error) {
	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load payment: %w", err)
	}

	existing, err := l.repo.GetTransaction(ctx, paymentID, params.Token, params.Kind)
	if err == nil {
		l.logger.InfoContext(ctx, "skipping duplicate transaction",
			"payment_id", paymentID,
			"token", params.Token,
			"kind", string(params.Kind))
		existing.AlreadyProcessed = true
		return existing, false, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, false, fmt.Errorf("failed to check ledger: %w", err)
	}

	amount := params.Amount
	if amount.IsZero() {
		amount = p.Total
	}
	currency := params.Currency
	if currency == "" {
		currency = p.Currency
	}

	entry := &Transaction{
		PaymentID:       paymentID,
		Token:           params.Token,
		Kind:            params.Kind,
		IsSuccess:       params.IsSuccess,
		ActionRequired:  params.ActionRequired,
		Amount:          amount,
		Currency:        currency,
		GatewayResponse: params.GatewayResponse,
	}
	if err := l.repo.InsertTransaction(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			// Lost an insert race; re-read the winner.
			winner, getErr := l.repo.GetTransaction(ctx, paymentID, params.Token, params.Kind)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to re-read transaction after duplicate insert: %w", getErr)
			}
			winner.AlreadyProcessed = true
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := l.recompute(ctx, p); err != nil {
		return nil, false, err
	}

	l.logger.InfoContext(ctx, "transaction recorded",
		"payment_id", paymentID,
		"token", params.Token,
		"kind", string(params.Kind),
		"is_success", params.IsSuccess,
		"amount", amount.String(),
		"currency", currency)

	return entry, true, nil
}

// recompute rereads the full ledger and updates the payment's captured
// amount and charge status.
func (l *Ledger) recompute(ctx context.Context, p *Payment) error {
	txs, err := l.repo.ListTransactions(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	p.CapturedAmount = CapturedAmount(txs)
	p.ChargeStatus = RecomputeChargeStatus(p, txs)
	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return nil
}
