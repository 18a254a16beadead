package core

import (
	"context"
	"errors"
	"fmt"

	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

// StockAdjustment is one manual stock change.
type StockAdjustment struct {
	ProductID string
	Delta     int64
	Reason    domain.MovementReason
}

// RejectedAdjustment reports a batch entry that was rolled back.
type RejectedAdjustment struct {
	Index int
	Entry StockAdjustment
	Err   error
}

// BatchResult lists which entries of a batch committed.
type BatchResult struct {
	Accepted []int
	Rejected []RejectedAdjustment
}

// AdjustStock records a purchase, adjustment or return movement. Sales only
// happen through orders.
func (c *Coordinator) AdjustStock(ctx context.Context, productID string, delta int64, reason domain.MovementReason) error {
	return c.run(ctx, "adjust_stock", productLocks(productID), func(tx domain.Tx) ([]events.Event, error) {
		e, err := c.adjust(tx, StockAdjustment{ProductID: productID, Delta: delta, Reason: reason})
		if err != nil {
			return nil, err
		}
		return []events.Event{e}, nil
	})
}

// AdjustStockBatch applies every entry in one scope. Each entry runs after a
// checkpoint; an entry that fails with insufficient stock, a missing product
// or a validation error is rolled back alone and reported. The rest commits
// together.
func (c *Coordinator) AdjustStockBatch(ctx context.Context, entries []StockAdjustment) (BatchResult, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ProductID)
	}
	var result BatchResult
	err := c.run(ctx, "adjust_stock_batch", productLocks(ids...), func(tx domain.Tx) ([]events.Event, error) {
		result = BatchResult{}
		var evs []events.Event
		for i, entry := range entries {
			cp, err := tx.Checkpoint()
			if err != nil {
				return nil, err
			}
			e, err := c.adjust(tx, entry)
			if err == nil {
				result.Accepted = append(result.Accepted, i)
				evs = append(evs, e)
				continue
			}
			if !rejectable(err) {
				return nil, err
			}
			if err := tx.RollbackTo(cp); err != nil {
				return nil, err
			}
			result.Rejected = append(result.Rejected, RejectedAdjustment{Index: i, Entry: entry, Err: err})
		}
		return evs, nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// StockLevel returns the committed on-hand quantity of a product.
func (c *Coordinator) StockLevel(ctx context.Context, productID string) (int64, error) {
	var onHand int64
	err := c.view(ctx, func(r domain.Reader) error {
		record, err := domain.GetAs[domain.InventoryRecord](r, domain.EntityInventoryRecord, productID)
		if err != nil {
			return err
		}
		onHand = record.OnHand
		return nil
	})
	return onHand, err
}

// Movements returns the committed movements of a product, oldest first.
func (c *Coordinator) Movements(ctx context.Context, productID string) ([]domain.InventoryMovement, error) {
	var out []domain.InventoryMovement
	err := c.view(ctx, func(r domain.Reader) error {
		ok, err := domain.Exists(r, domain.EntityProduct, productID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityProduct, ID: productID}
		}
		out, err = domain.ScanAs[domain.InventoryMovement](r, domain.EntityInventoryMovement, domain.IndexMovementProduct, productID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortMovements(out)
	return out, nil
}

func (c *Coordinator) adjust(tx domain.Tx, entry StockAdjustment) (events.Event, error) {
	if entry.Reason == domain.ReasonSale {
		return events.Event{}, fmt.Errorf("%w: sale movements are recorded by orders", domain.ErrInvalidArgument)
	}
	if _, err := domain.GetAs[domain.Product](tx, domain.EntityProduct, entry.ProductID); err != nil {
		return events.Event{}, err
	}
	if _, err := ApplyMovement(tx, domain.InventoryMovement{
		ID:        c.newID(),
		ProductID: entry.ProductID,
		Delta:     entry.Delta,
		Reason:    entry.Reason,
		CreatedAt: c.now(),
	}); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:      events.StockAdjusted,
		ProductID: entry.ProductID,
		Status:    string(entry.Reason),
		Delta:     entry.Delta,
	}, nil
}

func rejectable(err error) bool {
	var verr *domain.ValidationError
	return errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.As(err, &verr)
}
