package core

import (
	"errors"
	"fmt"
	"slices"

	"orderledger/pkg/domain"
)

// ApplyMovement adds m.Delta to the product's on-hand quantity and appends m
// to the movement log inside tx. Both writes belong to the same scope, so
// they commit or vanish together.
func ApplyMovement(tx domain.Tx, m domain.InventoryMovement) (domain.InventoryRecord, error) {
	if m.Delta == 0 {
		return domain.InventoryRecord{}, fmt.Errorf("%w: movement delta for product %s is zero", domain.ErrInvalidArgument, m.ProductID)
	}
	record, err := domain.GetAs[domain.InventoryRecord](tx, domain.EntityInventoryRecord, m.ProductID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	onHand := record.OnHand + m.Delta
	if onHand < 0 {
		return domain.InventoryRecord{}, domain.InsufficientStockError{ProductID: m.ProductID, OnHand: record.OnHand, Delta: m.Delta}
	}
	if err := Validate(tx, m); err != nil {
		return domain.InventoryRecord{}, err
	}
	record.OnHand = onHand
	record.UpdatedAt = m.CreatedAt
	if err := tx.Put(record); err != nil {
		return domain.InventoryRecord{}, err
	}
	if err := tx.Put(m); err != nil {
		return domain.InventoryRecord{}, err
	}
	return record, nil
}

// Discrepancy describes a product whose ledger does not balance.
type Discrepancy struct {
	ProductID     string `json:"product_id"`
	OnHand        int64  `json:"on_hand"`
	MovementSum   int64  `json:"movement_sum"`
	MissingRecord bool   `json:"missing_record,omitempty"`
	OrphanRecord  bool   `json:"orphan_record,omitempty"`
}

func (d Discrepancy) String() string {
	switch {
	case d.MissingRecord:
		return fmt.Sprintf("product %s has no inventory record", d.ProductID)
	case d.OrphanRecord:
		return fmt.Sprintf("inventory record %s has no product", d.ProductID)
	default:
		return fmt.Sprintf("product %s on hand %d but movements sum to %d", d.ProductID, d.OnHand, d.MovementSum)
	}
}

// Reconcile compares every product's on-hand quantity with the sum of its
// movements and returns the products that disagree, ordered by id.
func Reconcile(view domain.Reader) ([]Discrepancy, error) {
	ids := map[string]struct{}{}
	for _, kind := range []domain.EntityType{domain.EntityProduct, domain.EntityInventoryRecord} {
		seq, err := view.List(kind)
		if err != nil {
			return nil, err
		}
		for e := range seq {
			ids[e.Key()] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)

	var out []Discrepancy
	for _, id := range sorted {
		d, err := checkBalance(view, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

// OnHandLevels returns the on-hand quantity of every inventory record.
func OnHandLevels(view domain.Reader) (map[string]int64, error) {
	records, err := domain.ListAs[domain.InventoryRecord](view, domain.EntityInventoryRecord)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int64, len(records))
	for _, r := range records {
		levels[r.ProductID] = r.OnHand
	}
	return levels, nil
}

func checkBalance(view domain.Reader, productID string) (*Discrepancy, error) {
	hasProduct, err := domain.Exists(view, domain.EntityProduct, productID)
	if err != nil {
		return nil, err
	}
	d := Discrepancy{ProductID: productID}
	record, err := domain.GetAs[domain.InventoryRecord](view, domain.EntityInventoryRecord, productID)
	switch {
	case err == nil:
		d.OnHand = record.OnHand
	case errors.Is(err, domain.ErrNotFound):
		d.MissingRecord = hasProduct
	default:
		return nil, err
	}
	if err == nil && !hasProduct {
		d.OrphanRecord = true
	}
	movements, err := domain.ScanAs[domain.InventoryMovement](view, domain.EntityInventoryMovement, domain.IndexMovementProduct, productID)
	if err != nil {
		return nil, err
	}
	for _, m := range movements {
		d.MovementSum += m.Delta
	}
	if d.MissingRecord || d.OrphanRecord || d.OnHand != d.MovementSum {
		return &d, nil
	}
	return nil, nil
}
