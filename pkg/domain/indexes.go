package domain

// Index names understood by Tx.ScanByIndex.
const (
	IndexUserEmail          = "email"
	IndexCategoryName       = "name"
	IndexProductSKU         = "sku"
	IndexProductCategory    = "category_id"
	IndexOrderUser          = "user_id"
	IndexOrderExternalRef   = "external_ref"
	IndexOrderItemOrder     = "order_id"
	IndexOrderItemProduct   = "product_id"
	IndexPaymentOrder       = "order_id"
	IndexPaymentProviderTxn = "provider_txn"
	IndexShipmentOrder      = "order_id"
	IndexShipmentTrackingNo = "tracking_no"
	IndexMovementProduct    = "product_id"
	IndexMovementOrder      = "order_id"
)

// Index describes a secondary index over one entity type. Entities for which
// Value reports false are not indexed (sparse indexes over optional fields).
type Index struct {
	Name   string
	Unique bool
	Value  func(Entity) (string, bool)
}

var indexCatalog = map[EntityType][]Index{
	EntityUser: {
		{Name: IndexUserEmail, Unique: true, Value: func(e Entity) (string, bool) { return e.(User).Email, true }},
	},
	EntityCategory: {
		{Name: IndexCategoryName, Unique: true, Value: func(e Entity) (string, bool) { return e.(Category).Name, true }},
	},
	EntityProduct: {
		{Name: IndexProductSKU, Unique: true, Value: func(e Entity) (string, bool) { return e.(Product).SKU, true }},
		{Name: IndexProductCategory, Value: func(e Entity) (string, bool) { return e.(Product).CategoryID, true }},
	},
	EntityOrder: {
		{Name: IndexOrderUser, Value: func(e Entity) (string, bool) { return e.(Order).UserID, true }},
		{Name: IndexOrderExternalRef, Unique: true, Value: func(e Entity) (string, bool) { return optional(e.(Order).ExternalRef) }},
	},
	EntityOrderItem: {
		{Name: IndexOrderItemOrder, Value: func(e Entity) (string, bool) { return e.(OrderItem).OrderID, true }},
		{Name: IndexOrderItemProduct, Value: func(e Entity) (string, bool) { return e.(OrderItem).ProductID, true }},
	},
	EntityPayment: {
		{Name: IndexPaymentOrder, Unique: true, Value: func(e Entity) (string, bool) { return e.(Payment).OrderID, true }},
		{Name: IndexPaymentProviderTxn, Unique: true, Value: func(e Entity) (string, bool) { return optional(e.(Payment).ProviderTxn) }},
	},
	EntityShipment: {
		{Name: IndexShipmentOrder, Unique: true, Value: func(e Entity) (string, bool) { return e.(Shipment).OrderID, true }},
		{Name: IndexShipmentTrackingNo, Unique: true, Value: func(e Entity) (string, bool) { return optional(e.(Shipment).TrackingNo) }},
	},
	EntityInventoryMovement: {
		{Name: IndexMovementProduct, Value: func(e Entity) (string, bool) { return e.(InventoryMovement).ProductID, true }},
		{Name: IndexMovementOrder, Value: func(e Entity) (string, bool) { return optional(e.(InventoryMovement).OrderID) }},
	},
}

// Indexes returns the secondary indexes declared for an entity type.
func Indexes(kind EntityType) []Index {
	return indexCatalog[kind]
}

// LookupIndex finds a named index for an entity type.
func LookupIndex(kind EntityType, name string) (Index, bool) {
	for _, idx := range indexCatalog[kind] {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

func optional(s *string) (string, bool) {
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}
