package core

import (
	"context"
	"strings"
	"time"

	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

// DispatchShipment ships a paid order: the shipment is created and moved to
// shipped and the order follows in the same scope.
func (c *Coordinator) DispatchShipment(ctx context.Context, orderID, carrier, trackingNo string) (string, error) {
	var shipmentID string
	err := c.run(ctx, "dispatch_shipment", orderLocks(orderID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, orderID)
		if err != nil {
			return nil, err
		}
		if err := OrderLifecycle.Check(order.ID, order.Status, domain.OrderStatusShipped); err != nil {
			return nil, err
		}
		shipment := domain.Shipment{
			ID:         c.newID(),
			OrderID:    order.ID,
			Carrier:    strings.TrimSpace(carrier),
			TrackingNo: domain.StringPtr(strings.TrimSpace(trackingNo)),
			Status:     domain.ShipmentStatusPending,
			CreatedAt:  now,
		}
		if err := Validate(tx, shipment); err != nil {
			return nil, err
		}
		if err := c.setShipmentStatus(tx, &shipment, domain.ShipmentStatusShipped, now); err != nil {
			return nil, err
		}
		if err := c.setOrderStatus(tx, &order, domain.OrderStatusShipped, now); err != nil {
			return nil, err
		}
		shipmentID = shipment.ID
		return []events.Event{shipmentEvent(events.ShipmentDispatched, shipment)}, nil
	})
	if err != nil {
		return "", err
	}
	return shipmentID, nil
}

// DeliverShipment marks a shipped shipment delivered.
func (c *Coordinator) DeliverShipment(ctx context.Context, shipmentID string) error {
	return c.run(ctx, "deliver_shipment", shipmentLocks(shipmentID), func(tx domain.Tx) ([]events.Event, error) {
		shipment, err := domain.GetAs[domain.Shipment](tx, domain.EntityShipment, shipmentID)
		if err != nil {
			return nil, err
		}
		if err := c.setShipmentStatus(tx, &shipment, domain.ShipmentStatusDelivered, c.now()); err != nil {
			return nil, err
		}
		return []events.Event{shipmentEvent(events.ShipmentDelivered, shipment)}, nil
	})
}

// ReturnShipment marks a shipped shipment returned and puts its stock back.
// The order keeps its shipped status.
func (c *Coordinator) ReturnShipment(ctx context.Context, shipmentID string) error {
	return c.run(ctx, "return_shipment", shipmentLocks(shipmentID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		shipment, err := domain.GetAs[domain.Shipment](tx, domain.EntityShipment, shipmentID)
		if err != nil {
			return nil, err
		}
		if err := c.setShipmentStatus(tx, &shipment, domain.ShipmentStatusReturned, now); err != nil {
			return nil, err
		}
		if err := c.restock(tx, shipment.OrderID, domain.ReasonReturn, now); err != nil {
			return nil, err
		}
		return []events.Event{shipmentEvent(events.ShipmentReturned, shipment)}, nil
	})
}

func (c *Coordinator) setShipmentStatus(tx domain.Tx, shipment *domain.Shipment, to domain.ShipmentStatus, now time.Time) error {
	if err := ShipmentLifecycle.Check(shipment.ID, shipment.Status, to); err != nil {
		return err
	}
	shipment.Status = to
	switch to {
	case domain.ShipmentStatusShipped:
		shipment.ShippedAt = &now
	case domain.ShipmentStatusDelivered:
		shipment.DeliveredAt = &now
	}
	return tx.Put(*shipment)
}

func shipmentEvent(t events.Type, s domain.Shipment) events.Event {
	return events.Event{
		Type:       t,
		OrderID:    s.OrderID,
		ShipmentID: s.ID,
		Status:     string(s.Status),
	}
}
