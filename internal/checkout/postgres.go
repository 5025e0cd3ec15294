package checkout

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

// PostgresRepository implements Repository using PostgreSQL.
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

// InsertCheckout stores a checkout and its lines atomically. A context-
// carried transaction is reused when present; otherwise one is opened here.
func (r *PostgresRepository) InsertCheckout(ctx context.Context, c *Checkout) error {
	if c.Token == "" {
		c.Token = uuid.New().String()
	}

	if _, ok := db.TxFrom(ctx); ok {
		return r.insertCheckout(ctx, c)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback checkout insert", "error", err)
		}
	}()

	if err := r.insertCheckout(db.WithTx(ctx, tx), c); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkout insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) insertCheckout(ctx context.Context, c *Checkout) error {
	q := db.From(ctx, r.db)

	_, err := q.ExecContext(ctx, `
		INSERT INTO checkouts (token, channel_slug, currency, email, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, c.Token, c.ChannelSlug, c.Currency, c.Email)
	if err != nil {
		return fmt.Errorf("failed to insert checkout: %w", err)
	}

	for _, line := range c.Lines {
		id := line.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO checkout_lines (id, checkout_token, variant_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, id, c.Token, line.VariantID, line.Quantity, line.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert checkout line: %w", err)
		}
	}
	return nil
}

// GetCheckout retrieves a checkout and its lines by token.
func (r *PostgresRepository) GetCheckout(ctx context.Context, token string) (*Checkout, error) {
	var c Checkout
	q := db.From(ctx, r.db)
	err := q.QueryRowContext(ctx, `
		SELECT token, channel_slug, currency, email, created_at
		FROM checkouts WHERE token = $1
	`, token).Scan(&c.Token, &c.ChannelSlug, &c.Currency, &c.Email, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkout: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, variant_id, quantity, unit_price
		FROM checkout_lines WHERE checkout_token = $1
		ORDER BY id
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkout lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line Line
		var price string
		if err := rows.Scan(&line.ID, &line.VariantID, &line.Quantity, &price); err != nil {
			return nil, fmt.Errorf("failed to scan checkout line: %w", err)
		}
		if line.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid unit price for line %s: %w", line.ID, err)
		}
		c.Lines = append(c.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkout lines: %w", err)
	}
	return &c, nil
}

// DeleteCheckout removes a checkout row; lines cascade.
func (r *PostgresRepository) DeleteCheckout(ctx context.Context, token string) error {
	_, err := db.From(ctx, r.db).ExecContext(ctx, `DELETE FROM checkouts WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete checkout: %w", err)
	}
	return nil
}

// PostgresOrderRepository implements OrderRepository using PostgreSQL.
type PostgresOrderRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository.
func NewPostgresOrderRepository(db *sql.DB, logger *slog.Logger) *PostgresOrderRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresOrderRepository{db: db, logger: logger}
}

// InsertOrder stores an order and its lines atomically. The unique index on
// checkout_token turns a double-finalization race into ErrOrderExists. A
// context-carried transaction is reused when present, so the finalizer's
// order insert commits together with the payment relink.
func (r *PostgresOrderRepository) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	if _, ok := db.TxFrom(ctx); ok {
		return r.insertOrder(ctx, o)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback order insert", "error", err)
		}
	}()

	if err := r.insertOrder(db.WithTx(ctx, tx), o); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order insert: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) insertOrder(ctx context.Context, o *Order) error {
	q := db.From(ctx, r.db)

	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (id, checkout_token, channel_slug, currency, total, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, o.ID, o.CheckoutToken, o.ChannelSlug, o.Currency, o.Total)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrOrderExists
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range o.Lines {
		id := line.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, variant_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, id, o.ID, line.VariantID, line.Quantity, line.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (r *PostgresOrderRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	return r.getOrder(ctx, `WHERE id = $1`, id)
}

// GetOrderByCheckoutToken retrieves the order created from a checkout.
func (r *PostgresOrderRepository) GetOrderByCheckoutToken(ctx context.Context, token string) (*Order, error) {
	return r.getOrder(ctx, `WHERE checkout_token = $1`, token)
}

func (r *PostgresOrderRepository) getOrder(ctx context.Context, where string, arg any) (*Order, error) {
	var o Order
	var total string
	q := db.From(ctx, r.db)
	err := q.QueryRowContext(ctx, `
		SELECT id, checkout_token, channel_slug, currency, total, created_at
		FROM orders `+where, arg).
		Scan(&o.ID, &o.CheckoutToken, &o.ChannelSlug, &o.Currency, &total, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total for order %s: %w", o.ID, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, variant_id, quantity, unit_price
		FROM order_lines WHERE order_id = $1
		ORDER BY id
	`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line Line
		var price string
		if err := rows.Scan(&line.ID, &line.VariantID, &line.Quantity, &price); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if line.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid unit price for line %s: %w", line.ID, err)
		}
		o.Lines = append(o.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order lines: %w", err)
	}
	return &o, nil
}
