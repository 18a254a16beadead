package core

import (
	"slices"

	"orderledger/pkg/domain"
)

// machine is a status transition table for one stateful entity type.
type machine[S ~string] struct {
	entity domain.EntityType
	edges  map[S][]S
}

// Allows reports whether from -> to is a legal transition.
func (m machine[S]) Allows(from, to S) bool {
	return slices.Contains(m.edges[from], to)
}

// Terminal reports whether no transition leaves the status.
func (m machine[S]) Terminal(status S) bool {
	return len(m.edges[status]) == 0
}

// Check returns a TransitionError when from -> to is not allowed.
func (m machine[S]) Check(id string, from, to S) error {
	if m.Allows(from, to) {
		return nil
	}
	return domain.TransitionError{Entity: m.entity, ID: id, From: string(from), To: string(to)}
}

// OrderLifecycle: cart -> placed -> paid -> shipped, with cancellation from
// placed or paid and refund from paid.
var OrderLifecycle = machine[domain.OrderStatus]{
	entity: domain.EntityOrder,
	edges: map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusCart:   {domain.OrderStatusPlaced},
		domain.OrderStatusPlaced: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
		domain.OrderStatusPaid:   {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	},
}

// PaymentLifecycle: pending -> captured | failed, captured -> refunded.
var PaymentLifecycle = machine[domain.PaymentStatus]{
	entity: domain.EntityPayment,
	edges: map[domain.PaymentStatus][]domain.PaymentStatus{
		domain.PaymentStatusPending:  {domain.PaymentStatusCaptured, domain.PaymentStatusFailed},
		domain.PaymentStatusCaptured: {domain.PaymentStatusRefunded},
	},
}

// ShipmentLifecycle: pending -> shipped -> delivered | returned.
var ShipmentLifecycle = machine[domain.ShipmentStatus]{
	entity: domain.EntityShipment,
	edges: map[domain.ShipmentStatus][]domain.ShipmentStatus{
		domain.ShipmentStatusPending: {domain.ShipmentStatusShipped},
		domain.ShipmentStatusShipped: {domain.ShipmentStatusDelivered, domain.ShipmentStatusReturned},
	},
}
