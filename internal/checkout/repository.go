package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCheckoutNotFound is returned when a checkout token is unknown.
	ErrCheckoutNotFound = errors.New("checkout not found")

	// ErrOrderNotFound is returned when an order is not found.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned when an order for the checkout token
	// already exists.
	ErrOrderExists = errors.New("order already exists for checkout")
)

// Repository defines persistence for checkouts.
type Repository interface {
	InsertCheckout(ctx context.Context, c *Checkout) error
	GetCheckout(ctx context.Context, token string) (*Checkout, error)
	DeleteCheckout(ctx context.Context, token string) error
}

// OrderRepository defines persistence for orders.
type OrderRepository interface {
	// InsertOrder stores a new order. Returns ErrOrderExists if an order
	// with the same checkout token was already created; the checkout token
	// is the at-most-once guard for finalization.
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByCheckoutToken(ctx context.Context, token string) (*Order, error)
}

// InMemoryRepository implements Repository with in-memory storage.
// Used for testing and development.
type InMemoryRepository struct {
	mu        sync.RWMutex
	checkouts map[string]*Checkout
}

// NewInMemoryRepository creates a new in-memory checkout repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{checkouts: make(map[string]*Checkout)}
}

// InsertCheckout stores a new checkout.
func (r *InMemoryRepository) InsertCheckout(ctx context.Context, c *Checkout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Token == "" {
		c.Token = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	copied := *c
	copied.Lines = append([]Line(nil), c.Lines...)
	r.checkouts[c.Token] = &copied
	return nil
}

// GetCheckout retrieves a checkout by token.
func (r *InMemoryRepository) GetCheckout(ctx context.Context, token string) (*Checkout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.checkouts[token]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	copied := *c
	copied.Lines = append([]Line(nil), c.Lines...)
	return &copied, nil
}

// DeleteCheckout removes a checkout. Deleting an unknown token is a no-op.
func (r *InMemoryRepository) DeleteCheckout(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checkouts, token)
	return nil
}

// InMemoryOrderRepository implements OrderRepository with in-memory storage.
type InMemoryOrderRepository struct {
	mu         sync.RWMutex
	orders     map[string]*Order
	byCheckout map[string]string // checkout token -> order ID
}

// NewInMemoryOrderRepository creates a new in-memory order repository.
func NewInMemoryOrderRepository() *InMemoryOrderRepository {
	return &InMemoryOrderRepository{
		orders:     make(map[string]*Order),
		byCheckout: make(map[string]string),
	}
}

// InsertOrder stores a new order, enforcing one order per checkout token.
func (r *InMemoryOrderRepository) InsertOrder(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCheckout[o.CheckoutToken]; exists {
		return ErrOrderExists
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	copied := *o
	copied.Lines = append([]Line(nil), o.Lines...)
	r.orders[o.ID] = &copied
	r.byCheckout[o.CheckoutToken] = o.ID
	return nil
}

// GetOrder retrieves an order by ID.
func (r *InMemoryOrderRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *o
	copied.Lines = append([]Line(nil), o.Lines...)
	return &copied, nil
}

// GetOrderByCheckoutToken retrieves the order created from a checkout.
func (r *InMemoryOrderRepository) GetOrderByCheckoutToken(ctx context.Context, token string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCheckout[token]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *r.orders[id]
	copied.Lines = append([]Line(nil), r.orders[id].Lines...)
	return &copied, nil
}
