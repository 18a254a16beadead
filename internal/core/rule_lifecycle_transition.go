package core

import (
	"context"
	"fmt"

	"orderledger/pkg/domain"
)

// LifecycleTransitionRule blocks committed status changes the state machines
// do not allow, and order statuses not backed by their payment or shipment.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

type lifecycleCheck struct {
	label string
	// extractor returns the status carried by an entity payload.
	extractor func(domain.Entity) (status string, ok bool)
	allows    func(from, to string) bool
}

var lifecycleChecks = map[domain.EntityType]lifecycleCheck{
	domain.EntityOrder: {
		label: "order",
		extractor: func(e domain.Entity) (string, bool) {
			o, ok := e.(domain.Order)
			return string(o.Status), ok
		},
		allows: func(from, to string) bool {
			return OrderLifecycle.Allows(domain.OrderStatus(from), domain.OrderStatus(to))
		},
	},
	domain.EntityPayment: {
		label: "payment",
		extractor: func(e domain.Entity) (string, bool) {
			p, ok := e.(domain.Payment)
			return string(p.Status), ok
		},
		allows: func(from, to string) bool {
			return PaymentLifecycle.Allows(domain.PaymentStatus(from), domain.PaymentStatus(to))
		},
	},
	domain.EntityShipment: {
		label: "shipment",
		extractor: func(e domain.Entity) (string, bool) {
			s, ok := e.(domain.Shipment)
			return string(s.Status), ok
		},
		allows: func(from, to string) bool {
			return ShipmentLifecycle.Allows(domain.ShipmentStatus(from), domain.ShipmentStatus(to))
		},
	},
}

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (r lifecycleTransitionRule) Evaluate(_ context.Context, view domain.Reader, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		check, ok := lifecycleChecks[change.Entity]
		if !ok || change.Action != domain.ActionUpdate {
			continue
		}
		beforeState, ok := check.extractor(change.Before)
		if !ok {
			continue
		}
		afterState, ok := check.extractor(change.After)
		if !ok || afterState == beforeState {
			continue
		}
		if !check.allows(beforeState, afterState) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move %s %s from %s to %s", check.label, change.Key, beforeState, afterState),
				Entity:   change.Entity,
				EntityID: change.Key,
				Cause:    domain.TransitionError{Entity: change.Entity, ID: change.Key, From: beforeState, To: afterState},
			})
			continue
		}
		if change.Entity == domain.EntityOrder {
			v, err := r.checkBacking(view, change.Key, domain.OrderStatus(afterState))
			if err != nil {
				return domain.Result{}, err
			}
			if v != nil {
				res.Violations = append(res.Violations, *v)
			}
		}
	}
	return res, nil
}

// checkBacking enforces that paid, refunded and shipped orders are driven by
// their payment or shipment reaching the matching status.
func (r lifecycleTransitionRule) checkBacking(view domain.Reader, orderID string, status domain.OrderStatus) (*domain.Violation, error) {
	var ok bool
	switch status {
	case domain.OrderStatusPaid, domain.OrderStatusRefunded:
		want := domain.PaymentStatusCaptured
		if status == domain.OrderStatusRefunded {
			want = domain.PaymentStatusRefunded
		}
		payments, err := domain.ScanAs[domain.Payment](view, domain.EntityPayment, domain.IndexPaymentOrder, orderID)
		if err != nil {
			return nil, err
		}
		ok = len(payments) == 1 && payments[0].Status == want
	case domain.OrderStatusShipped:
		shipments, err := domain.ScanAs[domain.Shipment](view, domain.EntityShipment, domain.IndexShipmentOrder, orderID)
		if err != nil {
			return nil, err
		}
		ok = len(shipments) == 1 && shipments[0].Status == domain.ShipmentStatusShipped
	default:
		return nil, nil
	}
	if ok {
		return nil, nil
	}
	return &domain.Violation{
		Rule:     r.Name(),
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf("order %s cannot become %s without the matching payment or shipment", orderID, status),
		Entity:   domain.EntityOrder,
		EntityID: orderID,
		Cause:    domain.ErrInvalidTransition,
	}, nil
}
