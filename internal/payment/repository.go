package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPaymentNotFound is returned when a payment cannot be resolved.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrTransactionNotFound is returned when no ledger entry matches.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction is returned when inserting a ledger entry
	// whose (payment, token, kind) triple already exists.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
)

// Repository defines persistence for payments and their transaction ledgers.
type Repository interface {
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// GetPaymentByReference resolves a payment by the merchant reference a
	// gateway correlates on. Returns ErrPaymentNotFound if unknown.
	GetPaymentByReference(ctx context.Context, ref string) (*Payment, error)

	UpdatePayment(ctx context.Context, p *Payment) error

	// AttachToOrder clears the payment's checkout reference and sets the
	// order reference in a single update, so no reader observes a payment
	// linked to both or to neither.
	AttachToOrder(ctx context.Context, paymentID, orderID string) error

	// InsertTransaction appends a ledger entry. Returns
	// ErrDuplicateTransaction if the (payment, token, kind) triple exists.
	InsertTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction looks up a ledger entry by its idempotency triple.
	GetTransaction(ctx context.Context, paymentID, token string, kind TransactionKind) (*Transaction, error)

	// ListTransactions returns the full ledger for a payment in insertion order.
	ListTransactions(ctx context.Context, paymentID string) ([]Transaction, error)
}

// InMemoryRepository implements Repository with in-memory storage.
// Used for testing and development.
type InMemoryRepository struct {
	mu           sync.RWMutex
	payments     map[string]*Payment
	transactions map[string][]Transaction // payment ID -> ledger
}

// NewInMemoryRepository creates a new in-memory payment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		payments:     make(map[string]*Payment),
		transactions: make(map[string][]Transaction),
	}
}

// InsertPayment adds a new payment.
func (r *InMemoryRepository) InsertPayment(ctx context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.ModifiedAt = now

	copied := *p
	r.payments[p.ID] = &copied
	return nil
}

// GetPayment retrieves a payment by ID.
func (r *InMemoryRepository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *p
	return &copied, nil
}

// GetPaymentByReference retrieves a payment by merchant reference.
func (r *InMemoryRepository) GetPaymentByReference(ctx context.Context, ref string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.payments {
		if p.PSPReference == ref {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// UpdatePayment updates an existing payment.
func (r *InMemoryRepository) UpdatePayment(ctx context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	p.ModifiedAt = time.Now()
	copied := *p
	r.payments[p.ID] = &copied
	return nil
}

// AttachToOrder relinks the payment from its checkout to the given order.
func (r *InMemoryRepository) AttachToOrder(ctx context.Context, paymentID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.CheckoutID = nil
	p.OrderID = &orderID
	p.ModifiedAt = time.Now()
	return nil
}

// InsertTransaction appends a ledger entry, enforcing triple uniqueness.
func (r *InMemoryRepository) InsertTransaction(ctx context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.transactions[tx.PaymentID] {
		if existing.Token == tx.Token && existing.Kind == tx.Kind {
			return ErrDuplicateTransaction
		}
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	copied := *tx
	if tx.GatewayResponse != nil {
		copied.GatewayResponse = append([]byte(nil), tx.GatewayResponse...)
	}
	r.transactions[tx.PaymentID] = append(r.transactions[tx.PaymentID], copied)
	return nil
}

// GetTransaction looks up a ledger entry by (payment, token, kind).
func (r *InMemoryRepository) GetTransaction(ctx context.Context, paymentID, token string, kind TransactionKind) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.transactions[paymentID] {
		if tx.Token == token && tx.Kind == kind {
			copied := tx
			return &copied, nil
		}
	}
	return nil, ErrTransactionNotFound
}

// ListTransactions returns the ledger for a payment in insertion order.
func (r *InMemoryRepository) ListTransactions(ctx context.Context, paymentID string) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ledger := r.transactions[paymentID]
	out := make([]Transaction, len(ledger))
	copy(out, ledger)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
