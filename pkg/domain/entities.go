// Package domain defines the persistent commerce entities, value types, store
// contracts and rule evaluation primitives used by orderledger.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityUser identifies a registered customer.
	EntityUser EntityType = "user"
	// EntityCategory identifies a catalog category.
	EntityCategory EntityType = "category"
	// EntityProduct identifies a sellable product.
	EntityProduct EntityType = "product"
	// EntityOrder identifies an order header.
	EntityOrder EntityType = "order"
	// EntityOrderItem identifies an order line keyed by order and product.
	EntityOrderItem EntityType = "order_item"
	// EntityPayment identifies the payment attached to an order.
	EntityPayment EntityType = "payment"
	// EntityShipment identifies the shipment attached to an order.
	EntityShipment EntityType = "shipment"
	// EntityInventoryRecord identifies the on-hand record of a product.
	EntityInventoryRecord EntityType = "inventory_record"
	// EntityInventoryMovement identifies an append-only stock movement.
	EntityInventoryMovement EntityType = "inventory_movement"
)

// EntityTypes lists every entity type in dependency order (referenced types first).
func EntityTypes() []EntityType {
	return []EntityType{
		EntityUser,
		EntityCategory,
		EntityProduct,
		EntityInventoryRecord,
		EntityOrder,
		EntityOrderItem,
		EntityPayment,
		EntityShipment,
		EntityInventoryMovement,
	}
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

// Canonical order statuses. The string values are shared with reporting consumers.
const (
	OrderStatusCart      OrderStatus = "cart"
	OrderStatusPlaced    OrderStatus = "placed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

// Canonical payment statuses.
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ShipmentStatus enumerates shipment lifecycle states.
type ShipmentStatus string

// Canonical shipment statuses.
const (
	ShipmentStatusPending   ShipmentStatus = "pending"
	ShipmentStatusShipped   ShipmentStatus = "shipped"
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	ShipmentStatusReturned  ShipmentStatus = "returned"
)

// MovementReason describes why stock changed.
type MovementReason string

// Canonical movement reasons.
const (
	ReasonPurchase   MovementReason = "purchase"
	ReasonSale       MovementReason = "sale"
	ReasonAdjustment MovementReason = "adjustment"
	ReasonReturn     MovementReason = "return"
)

// Entity is implemented by every record the store persists.
type Entity interface {
	Kind() EntityType
	Key() string
}

// User is a registered customer.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Category groups products in the catalog.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a sellable catalog item.
type Product struct {
	ID         string          `json:"id"`
	CategoryID string          `json:"category_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Order is the header of a customer order.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Status      OrderStatus `json:"status"`
	PlacedAt    *time.Time  `json:"placed_at"`
	ExternalRef *string     `json:"external_ref"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OrderItem is one product line of an order. UnitPrice is the price at the
// moment the line was created and never changes afterwards.
type OrderItem struct {
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payment records the single payment attempt attached to an order.
type Payment struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"order_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Provider    string            `json:"provider"`
	ProviderTxn *string           `json:"provider_txn"`
	Status      PaymentStatus     `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Shipment tracks fulfilment of an order.
type Shipment struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"order_id"`
	Carrier     string         `json:"carrier"`
	TrackingNo  *string        `json:"tracking_no"`
	Status      ShipmentStatus `json:"status"`
	ShippedAt   *time.Time     `json:"shipped_at"`
	DeliveredAt *time.Time     `json:"delivered_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InventoryRecord holds the current on-hand quantity of a product.
type InventoryRecord struct {
	ProductID string    `json:"product_id"`
	OnHand    int64     `json:"on_hand"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InventoryMovement is an immutable stock change. The sum of all movements of
// a product equals its InventoryRecord.OnHand.
type InventoryMovement struct {
	ID        string         `json:"id"`
	ProductID string         `json:"product_id"`
	OrderID   *string        `json:"order_id"`
	Delta     int64          `json:"delta"`
	Reason    MovementReason `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// OrderItemKey builds the composite key of an order line.
func OrderItemKey(orderID, productID string) string {
	return orderID + "/" + productID
}

func (User) Kind() EntityType              { return EntityUser }
func (Category) Kind() EntityType          { return EntityCategory }
func (Product) Kind() EntityType           { return EntityProduct }
func (Order) Kind() EntityType             { return EntityOrder }
func (OrderItem) Kind() EntityType         { return EntityOrderItem }
func (Payment) Kind() EntityType           { return EntityPayment }
func (Shipment) Kind() EntityType          { return EntityShipment }
func (InventoryRecord) Kind() EntityType   { return EntityInventoryRecord }
func (InventoryMovement) Kind() EntityType { return EntityInventoryMovement }

func (u User) Key() string              { return u.ID }
func (c Category) Key() string          { return c.ID }
func (p Product) Key() string           { return p.ID }
func (o Order) Key() string             { return o.ID }
func (i OrderItem) Key() string         { return OrderItemKey(i.OrderID, i.ProductID) }
func (p Payment) Key() string           { return p.ID }
func (s Shipment) Key() string          { return s.ID }
func (r InventoryRecord) Key() string   { return r.ProductID }
func (m InventoryMovement) Key() string { return m.ID }

// LineTotal returns quantity multiplied by the snapshot unit price.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Valid reports whether the status is part of the order vocabulary.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCart, OrderStatusPlaced, OrderStatusPaid, OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Valid reports whether the status is part of the payment vocabulary.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCaptured, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Valid reports whether the status is part of the shipment vocabulary.
func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentStatusPending, ShipmentStatusShipped, ShipmentStatusDelivered, ShipmentStatusReturned:
		return true
	}
	return false
}

// Valid reports whether the reason is part of the movement vocabulary.
func (r MovementReason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonSale, ReasonAdjustment, ReasonReturn:
		return true
	}
	return false
}

// Clone returns a deep copy of the entity so callers never share pointers or
// maps with stored state.
func Clone(e Entity) Entity {
	switch v := e.(type) {
	case Order:
		v.PlacedAt = cloneTime(v.PlacedAt)
		v.ExternalRef = cloneString(v.ExternalRef)
		return v
	case Payment:
		v.ProviderTxn = cloneString(v.ProviderTxn)
		if v.Metadata != nil {
			md := make(map[string]string, len(v.Metadata))
			for k, val := range v.Metadata {
				md[k] = val
			}
			v.Metadata = md
		}
		return v
	case Shipment:
		v.TrackingNo = cloneString(v.TrackingNo)
		v.ShippedAt = cloneTime(v.ShippedAt)
		v.DeliveredAt = cloneTime(v.DeliveredAt)
		return v
	case InventoryMovement:
		v.OrderID = cloneString(v.OrderID)
		return v
	default:
		return e
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
