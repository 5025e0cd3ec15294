package reconciler

import (
	"context"
	"log/slog"

	"github.com/onnwee/paygate/internal/checkout"
	"github.com/onnwee/paygate/internal/payment"
)

// OrderEventType identifies a side-effect signal raised when payment state
// changes against an order-bound payment or a checkout is finalized.
type OrderEventType string

// Order event types.
const (
	OrderCreated   OrderEventType = "order_created"
	OrderFullyPaid OrderEventType = "order_fully_paid"
	OrderVoided    OrderEventType = "order_voided"
	OrderRefunded  OrderEventType = "order_refunded"
)

// OrderEvent carries the order and payment snapshot at emission time.
type OrderEvent struct {
	Type    OrderEventType
	OrderID string
	Order   *checkout.Order // nil when only the order ID is known
	Payment *payment.Payment
}

// Observer reacts to order events. Implementations must not assume they run
// before or after other observers.
type Observer interface {
	Notify(ctx context.Context, event OrderEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event OrderEvent)

// Notify calls the function.
func (f ObserverFunc) Notify(ctx context.Context, event OrderEvent) { f(ctx, event) }

// Dispatcher fans order events out to registered observers. A panicking
// observer is logged and isolated so it cannot take down webhook processing
// or suppress delivery to the remaining observers.
type Dispatcher struct {
	observers []Observer
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over the given observers.
func NewDispatcher(logger *slog.Logger, observers ...Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{observers: observers, logger: logger}
}

// Register appends an observer. Not safe to call concurrently with Emit.
func (d *Dispatcher) Register(o Observer) {
	d.observers = append(d.observers, o)
}

// Emit delivers the event to every observer in registration order.
func (d *Dispatcher) Emit(ctx context.Context, event OrderEvent) {
	for _, o := range d.observers {
		d.notifyOne(ctx, o, event)
	}
}

func (d *Dispatcher) notifyOne(ctx context.Context, o Observer, event OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "order event observer panicked",
				"event_type", string(event.Type),
				"order_id", event.OrderID,
				"panic", r)
		}
	}()
	o.Notify(ctx, event)
}
