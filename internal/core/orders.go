package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

// OrderLine requests a quantity of one product.
type OrderLine struct {
	ProductID string
	Quantity  int64
}

// OrderDetails is an order with everything it owns.
type OrderDetails struct {
	Order    domain.Order       `json:"order"`
	Items    []domain.OrderItem `json:"items"`
	Payment  *domain.Payment    `json:"payment,omitempty"`
	Shipment *domain.Shipment   `json:"shipment,omitempty"`
	Total    decimal.Decimal    `json:"total"`
}

// PlaceOrder creates a placed order for userID in one scope: the order row,
// one item per product with the current price as its snapshot, and a sale
// movement per item. Any failure leaves nothing behind.
func (c *Coordinator) PlaceOrder(ctx context.Context, userID string, lines []OrderLine, externalRef string) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: order needs at least one line", domain.ErrInvalidArgument)
	}
	productIDs := make([]string, 0, len(lines))
	for _, l := range lines {
		productIDs = append(productIDs, l.ProductID)
	}
	var orderID string
	err := c.run(ctx, "place_order", productLocks(productIDs...), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		order, err := c.openCart(tx, userID, externalRef, now)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			if err := c.addItem(tx, order, l.ProductID, l.Quantity, now); err != nil {
				return nil, err
			}
		}
		placed, err := c.checkout(tx, order, now)
		if err != nil {
			return nil, err
		}
		orderID = order.ID
		return []events.Event{placed}, nil
	})
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// OpenCart creates an empty order in cart status.
func (c *Coordinator) OpenCart(ctx context.Context, userID string) (string, error) {
	var orderID string
	err := c.run(ctx, "open_cart", nil, func(tx domain.Tx) ([]events.Event, error) {
		order, err := c.openCart(tx, userID, "", c.now())
		if err != nil {
			return nil, err
		}
		orderID = order.ID
		return nil, nil
	})
	return orderID, err
}

// AddCartItem adds qty of a product to a cart. A product already in the cart
// has its quantity raised and keeps its original price snapshot.
func (c *Coordinator) AddCartItem(ctx context.Context, orderID, productID string, qty int64) error {
	locks := func(domain.Reader) ([]string, error) {
		return []string{orderLockKey(orderID), productLockKey(productID)}, nil
	}
	return c.run(ctx, "add_cart_item", locks, func(tx domain.Tx) ([]events.Event, error) {
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, orderID)
		if err != nil {
			return nil, err
		}
		return nil, c.addItem(tx, order, productID, qty, c.now())
	})
}

// Checkout moves a cart to placed and takes its stock.
func (c *Coordinator) Checkout(ctx context.Context, orderID string) error {
	return c.run(ctx, "checkout", orderLocks(orderID), func(tx domain.Tx) ([]events.Event, error) {
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, orderID)
		if err != nil {
			return nil, err
		}
		placed, err := c.checkout(tx, order, c.now())
		if err != nil {
			return nil, err
		}
		return []events.Event{placed}, nil
	})
}

// DiscardCart removes a cart and its items. Movements that mention the order
// survive with their order reference cleared.
func (c *Coordinator) DiscardCart(ctx context.Context, orderID string) error {
	return c.run(ctx, "discard_cart", orderLocks(orderID), func(tx domain.Tx) ([]events.Event, error) {
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, orderID)
		if err != nil {
			return nil, err
		}
		if err := requireCart(order); err != nil {
			return nil, err
		}
		items, err := domain.ScanAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.IndexOrderItemOrder, orderID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if err := tx.Delete(domain.EntityOrderItem, item.Key()); err != nil {
				return nil, err
			}
		}
		movements, err := domain.ScanAs[domain.InventoryMovement](tx, domain.EntityInventoryMovement, domain.IndexMovementOrder, orderID)
		if err != nil {
			return nil, err
		}
		for _, m := range movements {
			m.OrderID = nil
			if err := tx.Put(m); err != nil {
				return nil, err
			}
		}
		return nil, tx.Delete(domain.EntityOrder, orderID)
	})
}

// CancelOrder cancels a placed or paid order and returns its stock with
// adjustment movements.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) error {
	return c.run(ctx, "cancel_order", orderLocks(orderID), func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		order, err := domain.GetAs[domain.Order](tx, domain.EntityOrder, orderID)
		if err != nil {
			return nil, err
		}
		if err := c.setOrderStatus(tx, &order, domain.OrderStatusCancelled, now); err != nil {
			return nil, err
		}
		if err := c.restock(tx, orderID, domain.ReasonAdjustment, now); err != nil {
			return nil, err
		}
		return []events.Event{{
			Type:    events.OrderCancelled,
			OrderID: orderID,
			Status:  string(order.Status),
		}}, nil
	})
}

// GetOrder returns the committed order with its items, payment and shipment.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	var details OrderDetails
	err := c.view(ctx, func(r domain.Reader) error {
		order, err := domain.GetAs[domain.Order](r, domain.EntityOrder, orderID)
		if err != nil {
			return err
		}
		items, err := domain.ScanAs[domain.OrderItem](r, domain.EntityOrderItem, domain.IndexOrderItemOrder, orderID)
		if err != nil {
			return err
		}
		payments, err := domain.ScanAs[domain.Payment](r, domain.EntityPayment, domain.IndexPaymentOrder, orderID)
		if err != nil {
			return err
		}
		shipments, err := domain.ScanAs[domain.Shipment](r, domain.EntityShipment, domain.IndexShipmentOrder, orderID)
		if err != nil {
			return err
		}
		details = OrderDetails{Order: order, Items: items, Total: orderTotal(items)}
		if len(payments) > 0 {
			details.Payment = &payments[0]
		}
		if len(shipments) > 0 {
			details.Shipment = &shipments[0]
		}
		return nil
	})
	return details, err
}

func (c *Coordinator) openCart(tx domain.Tx, userID, externalRef string, now time.Time) (domain.Order, error) {
	order := domain.Order{
		ID:          c.newID(),
		UserID:      userID,
		Status:      domain.OrderStatusCart,
		ExternalRef: domain.StringPtr(strings.TrimSpace(externalRef)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := Validate(tx, order); err != nil {
		return domain.Order{}, err
	}
	return order, tx.Put(order)
}

func (c *Coordinator) addItem(tx domain.Tx, order domain.Order, productID string, qty int64, now time.Time) error {
	if err := requireCart(order); err != nil {
		return err
	}
	product, err := activeProduct(tx, productID)
	if err != nil {
		return err
	}
	item, err := domain.GetAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.OrderItemKey(order.ID, productID))
	switch {
	case err == nil:
		if qty <= 0 {
			return domain.NewViolation(domain.ViolationNonNegative, domain.EntityOrderItem, "quantity", "")
		}
		item.Quantity += qty
	case errors.Is(err, domain.ErrNotFound):
		item = domain.OrderItem{
			OrderID:   order.ID,
			ProductID: product.ID,
			Quantity:  qty,
			UnitPrice: product.UnitPrice,
			CreatedAt: now,
		}
	default:
		return err
	}
	if err := Validate(tx, item); err != nil {
		return err
	}
	if err := tx.Put(item); err != nil {
		return err
	}
	// Touching the order makes a concurrent checkout or discard conflict
	// with this item write instead of missing it.
	order.UpdatedAt = now
	return tx.Put(order)
}

func (c *Coordinator) checkout(tx domain.Tx, order domain.Order, now time.Time) (events.Event, error) {
	if err := OrderLifecycle.Check(order.ID, order.Status, domain.OrderStatusPlaced); err != nil {
		return events.Event{}, err
	}
	items, err := domain.ScanAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.IndexOrderItemOrder, order.ID)
	if err != nil {
		return events.Event{}, err
	}
	if len(items) == 0 {
		return events.Event{}, fmt.Errorf("%w: order %s has no items", domain.ErrInvalidArgument, order.ID)
	}
	for _, item := range items {
		if _, err := activeProduct(tx, item.ProductID); err != nil {
			return events.Event{}, err
		}
		if _, err := ApplyMovement(tx, domain.InventoryMovement{
			ID:        c.newID(),
			ProductID: item.ProductID,
			OrderID:   domain.StringPtr(order.ID),
			Delta:     -item.Quantity,
			Reason:    domain.ReasonSale,
			CreatedAt: now,
		}); err != nil {
			return events.Event{}, err
		}
	}
	order.PlacedAt = &now
	if err := c.setOrderStatus(tx, &order, domain.OrderStatusPlaced, now); err != nil {
		return events.Event{}, err
	}
	total := orderTotal(items)
	return events.Event{
		Type:    events.OrderPlaced,
		OrderID: order.ID,
		Status:  string(order.Status),
		Amount:  &total,
	}, nil
}

// setOrderStatus applies a checked lifecycle transition to order and writes it.
func (c *Coordinator) setOrderStatus(tx domain.Tx, order *domain.Order, to domain.OrderStatus, now time.Time) error {
	if err := OrderLifecycle.Check(order.ID, order.Status, to); err != nil {
		return err
	}
	order.Status = to
	order.UpdatedAt = now
	return tx.Put(*order)
}

// restock reverses the sale movements of an order, one movement per item.
func (c *Coordinator) restock(tx domain.Tx, orderID string, reason domain.MovementReason, now time.Time) error {
	items, err := domain.ScanAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.IndexOrderItemOrder, orderID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := ApplyMovement(tx, domain.InventoryMovement{
			ID:        c.newID(),
			ProductID: item.ProductID,
			OrderID:   domain.StringPtr(orderID),
			Delta:     item.Quantity,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func requireCart(order domain.Order) error {
	if order.Status == domain.OrderStatusCart {
		return nil
	}
	return fmt.Errorf("%w: order %s is %s, only carts can change", domain.ErrInvalidTransition, order.ID, order.Status)
}

// activeProduct loads a product that can still be sold. Missing and inactive
// products are reported as an invalid order item reference.
func activeProduct(r domain.Reader, productID string) (domain.Product, error) {
	product, err := domain.GetAs[domain.Product](r, domain.EntityProduct, productID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !product.IsActive) {
		return domain.Product{}, domain.NewViolation(domain.ViolationInvalidReference, domain.EntityOrderItem, "product_id", productID)
	}
	return product, err
}

func orderTotal(items []domain.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

func sortMovements(ms []domain.InventoryMovement) {
	slices.SortStableFunc(ms, func(a, b domain.InventoryMovement) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
