package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/onnwee/paygate/internal/db"
)

// PostgresRepository implements Repository using PostgreSQL. Statements run
// on a context-carried transaction when one is present (the advisory locker
// opens one around finalization) and on the pool otherwise.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const paymentColumns = `id, gateway, channel_slug, total, captured_amount, currency,
	charge_status, is_active, to_confirm, checkout_id, order_id, psp_reference,
	created_at, modified_at`

// InsertPayment stores a new payment row.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `
		INSERT INTO payments (id, gateway, channel_slug, total, captured_amount, currency,
			charge_status, is_active, to_confirm, checkout_id, order_id, psp_reference,
			created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err := db.From(ctx, r.db).ExecContext(ctx, query,
		p.ID, p.Gateway, p.ChannelSlug, p.Total, p.CapturedAmount, p.Currency,
		string(p.ChargeStatus), p.IsActive, p.ToConfirm, p.CheckoutID, p.OrderID, p.PSPReference)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (r *PostgresRepository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.scanPayment(db.From(ctx, r.db).QueryRowContext(ctx, query, id))
}

// GetPaymentByReference retrieves a payment by merchant reference.
func (r *PostgresRepository) GetPaymentByReference(ctx context.Context, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE psp_reference = $1`
	return r.scanPayment(db.From(ctx, r.db).QueryRowContext(ctx, query, ref))
}

func (r *PostgresRepository) scanPayment(row *sql.Row) (*Payment, error) {
	var p Payment
	var total, captured string
	var status string
	err := row.Scan(&p.ID, &p.Gateway, &p.ChannelSlug, &total, &captured, &p.Currency,
		&status, &p.IsActive, &p.ToConfirm, &p.CheckoutID, &p.OrderID, &p.PSPReference,
		&p.CreatedAt, &p.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if p.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total for payment %s: %w", p.ID, err)
	}
	if p.CapturedAmount, err = decimal.NewFromString(captured); err != nil {
		return nil, fmt.Errorf("invalid captured amount for payment %s: %w", p.ID, err)
	}
	p.ChargeStatus = ChargeStatus(status)
	return &p, nil
}

// UpdatePayment persists mutable payment fields.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments
		SET captured_amount = $2, charge_status = $3, is_active = $4, to_confirm = $5,
			checkout_id = $6, order_id = $7, modified_at = NOW()
		WHERE id = $1
	`
	result, err := db.From(ctx, r.db).ExecContext(ctx, query,
		p.ID, p.CapturedAmount, string(p.ChargeStatus), p.IsActive, p.ToConfirm,
		p.CheckoutID, p.OrderID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// AttachToOrder relinks the payment from its checkout to the given order in
// a single statement, so no reader observes a partially relinked payment.
func (r *PostgresRepository) AttachToOrder(ctx context.Context, paymentID, orderID string) error {
	query := `
		UPDATE payments
		SET checkout_id = NULL, order_id = $2, modified_at = NOW()
		WHERE id = $1
	`
	result, err := db.From(ctx, r.db).ExecContext(ctx, query, paymentID, orderID)
	if err != nil {
		return fmt.Errorf("failed to attach payment to order: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// InsertTransaction appends a ledger row. The unique index on
// (payment_id, token, kind) enforces idempotency at the storage layer.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	query := `
		INSERT INTO transactions (id, payment_id, token, kind, is_success, action_required,
			amount, currency, gateway_response, already_processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`
	_, err := db.From(ctx, r.db).ExecContext(ctx, query,
		tx.ID, tx.PaymentID, tx.Token, string(tx.Kind), tx.IsSuccess, tx.ActionRequired,
		tx.Amount, tx.Currency, []byte(tx.GatewayResponse), tx.AlreadyProcessed)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction looks up a ledger row by (payment, token, kind).
func (r *PostgresRepository) GetTransaction(ctx context.Context, paymentID, token string, kind TransactionKind) (*Transaction, error) {
	query := `
		SELECT id, payment_id, token, kind, is_success, action_required,
			amount, currency, gateway_response, already_processed, created_at
		FROM transactions
		WHERE payment_id = $1 AND token = $2 AND kind = $3
	`
	row := db.From(ctx, r.db).QueryRowContext(ctx, query, paymentID, token, string(kind))
	tx, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions returns the full ledger for a payment in insertion order.
func (r *PostgresRepository) ListTransactions(ctx context.Context, paymentID string) ([]Transaction, error) {
	query := `
		SELECT id, payment_id, token, kind, is_success, action_required,
			amount, currency, gateway_response, already_processed, created_at
		FROM transactions
		WHERE payment_id = $1
		ORDER BY created_at, id
	`
	rows, err := db.From(ctx, r.db).QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(scan func(dest ...any) error) (*Transaction, error) {
	var tx Transaction
	var amount, kind string
	var response []byte
	err := scan(&tx.ID, &tx.PaymentID, &tx.Token, &kind, &tx.IsSuccess, &tx.ActionRequired,
		&amount, &tx.Currency, &response, &tx.AlreadyProcessed, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	var perr error
	if tx.Amount, perr = decimal.NewFromString(amount); perr != nil {
		return nil, fmt.Errorf("invalid amount for transaction %s: %w", tx.ID, perr)
	}
	tx.Kind = TransactionKind(kind)
	tx.GatewayResponse = response
	return &tx, nil
}
