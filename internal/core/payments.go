package core

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

// PaymentRequest describes a payment attempt for a placed order.
type PaymentRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Provider    string
	ProviderTxn string
	Metadata    map[string]string
}

// RecordPayment attaches a pending payment to a placed order. The amount
// must equal the order total exactly. A previously failed payment of the
// same order is replaced.
func (c *Coordinator) RecordPayment(ctx context.Context, req PaymentRequest) (string, error) {
	var paymentID string
	err := c.run(ctx, "record_payment", orderLocks(req.OrderID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, req.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Status != domain.OrderStatusPlaced {
			return nil, domain.TransitionError{Entity: domain.EntityOrder, ID: order.ID, From: string(order.Status), To: string(domain.OrderStatusPaid)}
		}
		items, err := domain.ScanAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.IndexOrderItemOrder, order.ID)
		if err != nil {
			return nil, err
		}
		if total := orderTotal(items); !total.Equal(req.Amount) {
			return nil, domain.AmountMismatchError{OrderID: order.ID, Expected: total, Actual: req.Amount}
		}
		existing, err := domain.ScanAs[domain.Payment](tx, domain.EntityPayment, domain.IndexPaymentOrder, order.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range existing {
			if p.Status != domain.PaymentStatusFailed {
				continue
			}
			if err := tx.Delete(domain.EntityPayment, p.ID); err != nil {
				return nil, err
			}
		}
		payment := domain.Payment{
			ID:          c.newID(),
			OrderID:     order.ID,
			Amount:      req.Amount,
			Provider:    strings.TrimSpace(req.Provider),
			ProviderTxn: domain.StringPtr(strings.TrimSpace(req.ProviderTxn)),
			Status:      domain.PaymentStatusPending,
			Metadata:    maps.Clone(req.Metadata),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := Validate(tx, payment); err != nil {
			return nil, err
		}
		if err := tx.Put(payment); err != nil {
			return nil, err
		}
		paymentID = payment.ID
		return []events.Event{paymentEvent(events.PaymentRecorded, payment)}, nil
	})
	if err != nil {
		return "", err
	}
	return paymentID, nil
}

// CapturePayment moves a pending payment to captured and its order to paid.
func (c *Coordinator) CapturePayment(ctx context.Context, paymentID string) error {
	return c.run(ctx, "capture_payment", paymentLocks(paymentID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		payment, order, err := c.paymentWithOrder(tx, paymentID)
		if err != nil {
			return nil, err
		}
		if err := c.setPaymentStatus(tx, &payment, domain.PaymentStatusCaptured, now); err != nil {
			return nil, err
		}
		if err := c.setOrderStatus(tx, &order, domain.OrderStatusPaid, now); err != nil {
			return nil, err
		}
		return []events.Event{paymentEvent(events.PaymentCaptured, payment)}, nil
	})
}

// FailPayment marks a pending payment failed. The order stays placed.
func (c *Coordinator) FailPayment(ctx context.Context, paymentID string) error {
	return c.run(ctx, "fail_payment", paymentLocks(paymentID), func(tx domain.Tx) ([]events.Event, error) {
		payment, err := domain.GetAs[domain.Payment](tx, domain.EntityPayment, paymentID)
		if err != nil {
			return nil, err
		}
		if err := c.setPaymentStatus(tx, &payment, domain.PaymentStatusFailed, c.now()); err != nil {
			return nil, err
		}
		return []events.Event{paymentEvent(events.PaymentFailed, payment)}, nil
	})
}

// RefundPayment refunds a captured payment, moves the order to refunded and
// returns its stock.
func (c *Coordinator) RefundPayment(ctx context.Context, paymentID string) error {
	return c.run(ctx, "refund_payment", paymentLocks(paymentID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		payment, order, err := c.paymentWithOrder(tx, paymentID)
		if err != nil {
			return nil, err
		}
		if err := c.setPaymentStatus(tx, &payment, domain.PaymentStatusRefunded, now); err != nil {
			return nil, err
		}
		if err := c.setOrderStatus(tx, &order, domain.OrderStatusRefunded, now); err != nil {
			return nil, err
		}
		if err := c.restock(tx, order.ID, domain.ReasonReturn, now); err != nil {
			return nil, err
		}
		return []events.Event{paymentEvent(events.PaymentRefunded, payment)}, nil
	})
}

func (c *Coordinator) paymentWithOrder(tx domain.Tx, paymentID string) (domain.Payment, domain.Order, error) {
	payment, err := domain.GetAs[domain.Payment](tx, domain.EntityPayment, paymentID)
	if err != nil {
		return domain.Payment{}, domain.Order{}, err
	}
	order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, payment.OrderID)
	if err != nil {
		return domain.Payment{}, domain.Order{}, err
	}
	return payment, order, nil
}

func (c *Coordinator) setPaymentStatus(tx domain.Tx, payment *domain.Payment, to domain.PaymentStatus, now time.Time) error {
	if err := PaymentLifecycle.Check(payment.ID, payment.Status, to); err != nil {
		return err
	}
	payment.Status = to
	payment.UpdatedAt = now
	return tx.Put(*payment)
}

func paymentEvent(t events.Type, p domain.Payment) events.Event {
	amount := p.Amount
	return events.Event{
		Type:      t,
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Status:    string(p.Status),
		Amount:    &amount,
	}
}
