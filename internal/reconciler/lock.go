package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/paygate/internal/db"
)

// Locker serializes critical sections by named keys. Keys are acquired in the
// order given, so callers that lock both a checkout and its payment must
// always pass the checkout key first to avoid deadlock.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// CheckoutKey returns the lock key guarding a checkout.
func CheckoutKey(token string) string { return "checkout:" + token }

// PaymentKey returns the lock key guarding a payment.
func PaymentKey(id string) string { return "payment:" + id }

// InMemoryLocker implements Locker with per-key mutexes. Suitable for a
// single process; multi-instance deployments use PostgresLocker.
type InMemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInMemoryLocker creates an in-memory locker.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *InMemoryLocker) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// WithLocks acquires the keys in order, runs fn, and releases in reverse.
func (l *InMemoryLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		m := l.lockFor(key)
		m.Lock()
		acquired = append(acquired, m)
	}
	defer func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}()
	return fn(ctx)
}

// PostgresLocker implements Locker with transaction-scoped advisory locks,
// so the locks work across processes and are released even if the holder
// crashes mid-section.
type PostgresLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLocker creates a locker over the given database.
func NewPostgresLocker(db *sql.DB, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{db: db, logger: logger}
}

// WithLocks takes pg_advisory_xact_lock on each key inside one transaction,
// runs fn, and commits. The advisory locks drop with the transaction.
func (l *PostgresLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			l.logger.Warn("failed to rollback lock transaction", "error", err)
		}
	}()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("failed to acquire advisory lock for %s: %w", key, err)
		}
	}

	// The critical section runs inside the lock transaction: repositories
	// pick it up from the context, so its writes commit or roll back with
	// the locks instead of autocommitting on separate connections.
	if err := fn(db.WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock transaction: %w", err)
	}
	return nil
}
