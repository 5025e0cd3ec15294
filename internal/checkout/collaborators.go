package checkout

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ValidationError reports a reason a checkout cannot be converted into an
// order (stale lines, price drift, voucher problems).
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation error codes.
const (
	CodeUnavailableVariant = "unavailable_variant"
	CodeTotalMismatch      = "total_mismatch"
	CodeAlreadyFinalized   = "already_finalized"
)

// LinesFetcher re-reads a checkout's lines and reports variants that became
// unavailable (deleted, unpublished, out of stock) since payment started.
type LinesFetcher interface {
	FetchLines(ctx context.Context, c *Checkout) (lines []Line, unavailableVariantIDs []string, err error)
}

// TotalCalculator recomputes the checkout total with current prices.
type TotalCalculator interface {
	CalculateTotal(ctx context.Context, c *Checkout, lines []Line) (decimal.Decimal, error)
}

// OrderCreator converts a checkout into an order. It may return a
// ValidationError for reasons unrelated to payment (voucher invalidity,
// stock races inside order placement).
type OrderCreator interface {
	CreateFromCheckout(ctx context.Context, c *Checkout, lines []Line, total decimal.Decimal) (*Order, error)
}

// Catalog is an in-memory product catalog implementing LinesFetcher and
// TotalCalculator. Variants can be repriced or marked unavailable to model
// drift between payment initiation and webhook delivery.
type Catalog struct {
	mu          sync.RWMutex
	prices      map[string]decimal.Decimal
	unavailable map[string]bool
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		prices:      make(map[string]decimal.Decimal),
		unavailable: make(map[string]bool),
	}
}

// SetPrice sets the current unit price for a variant.
func (c *Catalog) SetPrice(variantID string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[variantID] = price
}

// SetUnavailable marks a variant as no longer purchasable.
func (c *Catalog) SetUnavailable(variantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable[variantID] = true
}

// FetchLines returns the checkout lines repriced from the catalog along
// with the IDs of variants that became unavailable.
func (c *Catalog) FetchLines(ctx context.Context, co *Checkout) ([]Line, []string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lines := make([]Line, 0, len(co.Lines))
	var unavailable []string
	for _, line := range co.Lines {
		if c.unavailable[line.VariantID] {
			unavailable = append(unavailable, line.VariantID)
			continue
		}
		if price, ok := c.prices[line.VariantID]; ok {
			line.UnitPrice = price
		}
		lines = append(lines, line)
	}
	return lines, unavailable, nil
}

// CalculateTotal sums line totals in the checkout currency.
func (c *Catalog) CalculateTotal(ctx context.Context, co *Checkout, lines []Line) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total, nil
}

// Creator is the default OrderCreator: it materializes an order row from
// the checkout through an OrderRepository.
type Creator struct {
	orders OrderRepository
}

// NewCreator creates an order creator over the given repository.
func NewCreator(orders OrderRepository) *Creator {
	return &Creator{orders: orders}
}

// CreateFromCheckout builds and persists the order. Creating a second order
// for the same checkout token surfaces as a ValidationError so callers
// treat it as an already-finalized race, not a storage failure.
func (c *Creator) CreateFromCheckout(ctx context.Context, co *Checkout, lines []Line, total decimal.Decimal) (*Order, error) {
	order := &Order{
		CheckoutToken: co.Token,
		ChannelSlug:   co.ChannelSlug,
		Currency:      co.Currency,
		Total:         total,
		Lines:         lines,
	}
	if err := c.orders.InsertOrder(ctx, order); err != nil {
		if err == ErrOrderExists {
			return nil, &ValidationError{Code: CodeAlreadyFinalized, Message: "order already created for checkout"}
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}
