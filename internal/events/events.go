// Package events publishes domain events after a scope commits. Publishing is
// best effort: failures are reported to the caller for logging and never undo
// the committed change.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Type names an event on the wire.
type Type string

// Event types emitted by the coordinator.
const (
	OrderPlaced        Type = "order.placed"
	OrderCancelled     Type = "order.cancelled"
	PaymentRecorded    Type = "payment.recorded"
	PaymentCaptured    Type = "payment.captured"
	PaymentFailed      Type = "payment.failed"
	PaymentRefunded    Type = "payment.refunded"
	ShipmentDispatched Type = "shipment.dispatched"
	ShipmentDelivered  Type = "shipment.delivered"
	ShipmentReturned   Type = "shipment.returned"
	StockAdjusted      Type = "stock.adjusted"
)

// Event is the JSON payload published for every committed business change.
type Event struct {
	ID         string           `json:"event_id"`
	Type       Type             `json:"type"`
	OrderID    string           `json:"order_id,omitempty"`
	ProductID  string           `json:"product_id,omitempty"`
	PaymentID  string           `json:"payment_id,omitempty"`
	ShipmentID string           `json:"shipment_id,omitempty"`
	Status     string           `json:"status,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Delta      int64            `json:"delta,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// RoutingKey returns the key brokers partition or route by.
func (e Event) RoutingKey() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.ProductID
}

// Publisher delivers committed events to a broker.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory. It backs tests and the daemon's
// memory mode.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from Publish after recording.
	Err error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return r.Err
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of every recorded event in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
