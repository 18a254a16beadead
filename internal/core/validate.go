package core

import (
	"errors"

	"orderledger/pkg/domain"
)

// reference is a foreign key from one entity type to another. index names the
// secondary index on the referencing side used to find inbound references;
// it is empty when the key itself is the reference.
type reference struct {
	from     domain.EntityType
	field    string
	index    string
	to       domain.EntityType
	optional bool
	value    func(domain.Entity) string
}

var references = []reference{
	{from: domain.EntityProduct, field: "category_id", index: domain.IndexProductCategory, to: domain.EntityCategory,
		value: func(e domain.Entity) string { return e.(domain.Product).CategoryID }},
	{from: domain.EntityOrder, field: "user_id", index: domain.IndexOrderUser, to: domain.EntityUser,
		value: func(e domain.Entity) string { return e.(domain.Order).UserID }},
	{from: domain.EntityOrderItem, field: "order_id", index: domain.IndexOrderItemOrder, to: domain.EntityOrder,
		value: func(e domain.Entity) string { return e.(domain.OrderItem).OrderID }},
	{from: domain.EntityOrderItem, field: "product_id", index: domain.IndexOrderItemProduct, to: domain.EntityProduct,
		value: func(e domain.Entity) string { return e.(domain.OrderItem).ProductID }},
	{from: domain.EntityPayment, field: "order_id", index: domain.IndexPaymentOrder, to: domain.EntityOrder,
		value: func(e domain.Entity) string { return e.(domain.Payment).OrderID }},
	{from: domain.EntityShipment, field: "order_id", index: domain.IndexShipmentOrder, to: domain.EntityOrder,
		value: func(e domain.Entity) string { return e.(domain.Shipment).OrderID }},
	{from: domain.EntityInventoryRecord, field: "product_id", to: domain.EntityProduct,
		value: func(e domain.Entity) string { return e.(domain.InventoryRecord).ProductID }},
	{from: domain.EntityInventoryMovement, field: "product_id", index: domain.IndexMovementProduct, to: domain.EntityProduct,
		value: func(e domain.Entity) string { return e.(domain.InventoryMovement).ProductID }},
	{from: domain.EntityInventoryMovement, field: "order_id", index: domain.IndexMovementOrder, to: domain.EntityOrder, optional: true,
		value: func(e domain.Entity) string { return domain.Deref(e.(domain.InventoryMovement).OrderID) }},
}

// Validate checks a candidate entity against the view it is about to be
// written into. It returns nil or a *domain.ValidationError.
func Validate(view domain.Reader, e domain.Entity) error {
	if err := validateFields(e); err != nil {
		return err
	}
	if err := validateReferences(view, e); err != nil {
		return err
	}
	return validateUnique(view, e)
}

func violation(kind domain.ViolationKind, e domain.Entity, field, value string) error {
	return domain.NewViolation(kind, e.Kind(), field, value)
}

func validateFields(e domain.Entity) error {
	switch v := e.(type) {
	case domain.User:
		if v.Email == "" {
			return violation(domain.ViolationRequiredField, e, "email", "")
		}
	case domain.Category:
		if v.Name == "" {
			return violation(domain.ViolationRequiredField, e, "name", "")
		}
	case domain.Product:
		if v.SKU == "" {
			return violation(domain.ViolationRequiredField, e, "sku", "")
		}
		if v.Name == "" {
			return violation(domain.ViolationRequiredField, e, "name", "")
		}
		if v.UnitPrice.IsNegative() {
			return violation(domain.ViolationNonNegative, e, "unit_price", v.UnitPrice.String())
		}
	case domain.Order:
		if !v.Status.Valid() {
			return violation(domain.ViolationInvalidEnumValue, e, "status", string(v.Status))
		}
	case domain.OrderItem:
		if v.Quantity <= 0 {
			return violation(domain.ViolationNonNegative, e, "quantity", "")
		}
		if v.UnitPrice.IsNegative() {
			return violation(domain.ViolationNonNegative, e, "unit_price", v.UnitPrice.String())
		}
	case domain.Payment:
		if v.Amount.IsNegative() {
			return violation(domain.ViolationNonNegative, e, "amount", v.Amount.String())
		}
		if v.Provider == "" {
			return violation(domain.ViolationRequiredField, e, "provider", "")
		}
		if !v.Status.Valid() {
			return violation(domain.ViolationInvalidEnumValue, e, "status", string(v.Status))
		}
	case domain.Shipment:
		if v.Carrier == "" {
			return violation(domain.ViolationRequiredField, e, "carrier", "")
		}
		if !v.Status.Valid() {
			return violation(domain.ViolationInvalidEnumValue, e, "status", string(v.Status))
		}
	case domain.InventoryRecord:
		if v.OnHand < 0 {
			return violation(domain.ViolationNonNegative, e, "on_hand", "")
		}
	case domain.InventoryMovement:
		if !v.Reason.Valid() {
			return violation(domain.ViolationInvalidEnumValue, e, "reason", string(v.Reason))
		}
	}
	return nil
}

func validateReferences(view domain.Reader, e domain.Entity) error {
	for _, ref := range references {
		if ref.from != e.Kind() {
			continue
		}
		id := ref.value(e)
		if id == "" {
			if ref.optional {
				continue
			}
			return violation(domain.ViolationRequiredField, e, ref.field, "")
		}
		ok, err := domain.Exists(view, ref.to, id)
		if err != nil {
			return err
		}
		if !ok {
			return violation(domain.ViolationInvalidReference, e, ref.field, id)
		}
	}
	return nil
}

func validateUnique(view domain.Reader, e domain.Entity) error {
	for _, idx := range domain.Indexes(e.Kind()) {
		if !idx.Unique {
			continue
		}
		value, ok := idx.Value(e)
		if !ok {
			continue
		}
		seq, err := view.ScanByIndex(e.Kind(), idx.Name, value)
		if err != nil {
			return err
		}
		for other := range seq {
			if other.Key() != e.Key() {
				return violation(domain.ViolationDuplicateKey, e, idx.Name, value)
			}
		}
	}
	return nil
}

// inboundReferences lists the entities in view that still point at kind/key.
func inboundReferences(view domain.Reader, kind domain.EntityType, key string) ([]domain.Entity, error) {
	var found []domain.Entity
	for _, ref := range references {
		if ref.to != kind {
			continue
		}
		if ref.index == "" {
			e, err := view.Get(ref.from, key)
			switch {
			case err == nil:
				found = append(found, e)
			case !errors.Is(err, domain.ErrNotFound):
				return nil, err
			}
			continue
		}
		seq, err := view.ScanByIndex(ref.from, ref.index, key)
		if err != nil {
			return nil, err
		}
		for e := range seq {
			found = append(found, e)
		}
	}
	return found, nil
}
