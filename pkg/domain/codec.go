package domain

import (
	"encoding/json"
	"fmt"
)

// EncodeEntity serialises an entity for durable backends and exports.
func EncodeEntity(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", e.Kind(), e.Key(), err)
	}
	return data, nil
}

// DecodeEntity restores an entity previously produced by EncodeEntity.
func DecodeEntity(kind EntityType, payload []byte) (Entity, error) {
	switch kind {
	case EntityUser:
		return decodeAs[User](kind, payload)
	case EntityCategory:
		return decodeAs[Category](kind, payload)
	case EntityProduct:
		return decodeAs[Product](kind, payload)
	case EntityOrder:
		return decodeAs[Order](kind, payload)
	case EntityOrderItem:
		return decodeAs[OrderItem](kind, payload)
	case EntityPayment:
		return decodeAs[Payment](kind, payload)
	case EntityShipment:
		return decodeAs[Shipment](kind, payload)
	case EntityInventoryRecord:
		return decodeAs[InventoryRecord](kind, payload)
	case EntityInventoryMovement:
		return decodeAs[InventoryMovement](kind, payload)
	default:
		return nil, fmt.Errorf("decode: unknown entity type %q", kind)
	}
}

func decodeAs[T Entity](kind EntityType, payload []byte) (Entity, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, nil
}
