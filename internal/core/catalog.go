package core

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"orderledger/internal/events"
	"orderledger/pkg/domain"
)

// ProductSpec describes a product to create.
type ProductSpec struct {
	CategoryID   string
	SKU          string
	Name         string
	UnitPrice    decimal.Decimal
	InitialStock int64
}

// RegisterUser creates a customer with a unique email.
func (c *Coordinator) RegisterUser(ctx context.Context, email, fullName string) (string, error) {
	var id string
	err := c.run(ctx, "register_user", nil, func(tx domain.Tx) ([]events.Event, error) {
		user := domain.User{
			ID:        c.newID(),
			Email:     strings.TrimSpace(email),
			FullName:  strings.TrimSpace(fullName),
			CreatedAt: c.now(),
		}
		if err := Validate(tx, user); err != nil {
			return nil, err
		}
		id = user.ID
		return nil, tx.Put(user)
	})
	return id, err
}

// CreateCategory creates a catalog category with a unique name.
func (c *Coordinator) CreateCategory(ctx context.Context, name string) (string, error) {
	var id string
	err := c.run(ctx, "create_category", nil, func(tx domain.Tx) ([]events.Event, error) {
		category := domain.Category{ID: c.newID(), Name: strings.TrimSpace(name), CreatedAt: c.now()}
		if err := Validate(tx, category); err != nil {
			return nil, err
		}
		id = category.ID
		return nil, tx.Put(category)
	})
	return id, err
}

// DeleteCategory removes a category that no product uses.
func (c *Coordinator) DeleteCategory(ctx context.Context, id string) error {
	return c.run(ctx, "delete_category", nil, func(tx domain.Tx) ([]events.Event, error) {
		return nil, deleteUnreferenced(tx, domain.EntityCategory, id)
	})
}

// CreateProduct creates an active product together with its inventory
// record. A positive initial stock is booked as a purchase movement.
func (c *Coordinator) CreateProduct(ctx context.Context, req ProductSpec) (string, error) {
	var id string
	err := c.run(ctx, "create_product", nil, func(tx domain.Tx) ([]events.Event, error) {
		now := c.now()
		product := domain.Product{
			ID:         c.newID(),
			CategoryID: req.CategoryID,
			SKU:        strings.TrimSpace(req.SKU),
			Name:       strings.TrimSpace(req.Name),
			UnitPrice:  req.UnitPrice,
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := Validate(tx, product); err != nil {
			return nil, err
		}
		if req.InitialStock < 0 {
			return nil, domain.NewViolation(domain.ViolationNonNegative, domain.EntityInventoryRecord, "on_hand", "")
		}
		if err := tx.Put(product); err != nil {
			return nil, err
		}
		if err := tx.Put(domain.InventoryRecord{ProductID: product.ID, UpdatedAt: now}); err != nil {
			return nil, err
		}
		id = product.ID
		if req.InitialStock == 0 {
			return nil, nil
		}
		if _, err := ApplyMovement(tx, domain.InventoryMovement{
			ID:        c.newID(),
			ProductID: product.ID,
			Delta:     req.InitialStock,
			Reason:    domain.ReasonPurchase,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		return []events.Event{{
			Type:      events.StockAdjusted,
			ProductID: product.ID,
			Status:    string(domain.ReasonPurchase),
			Delta:     req.InitialStock,
		}}, nil
	})
	return id, err
}

// UpdateProductPrice changes the catalog price. Existing order items keep
// their snapshot.
func (c *Coordinator) UpdateProductPrice(ctx context.Context, id string, price decimal.Decimal) error {
	return c.updateProduct(ctx, "update_product_price", id, func(p *domain.Product) {
		p.UnitPrice = price
	})
}

// DeactivateProduct hides a product from new orders while keeping its history.
func (c *Coordinator) DeactivateProduct(ctx context.Context, id string) error {
	return c.updateProduct(ctx, "deactivate_product", id, func(p *domain.Product) {
		p.IsActive = false
	})
}

// DeleteProduct physically removes a product with no order history, along
// with its inventory record and movements.
func (c *Coordinator) DeleteProduct(ctx context.Context, id string) error {
	return c.run(ctx, "delete_product", productLocks(id), func(tx domain.Tx) ([]events.Event, error) {
		if _, err := domain.GetAs[domain.Product](tx, domain.EntityProduct, id); err != nil {
			return nil, err
		}
		items, err := domain.ScanAs[domain.OrderItem](tx, domain.EntityOrderItem, domain.IndexOrderItemProduct, id)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return nil, domain.NewViolation(domain.ViolationStillReferenced, domain.EntityOrderItem, "product_id", id)
		}
		movements, err := domain.ScanAs[domain.InventoryMovement](tx, domain.EntityInventoryMovement, domain.IndexMovementProduct, id)
		if err != nil {
			return nil, err
		}
		for _, m := range movements {
			if err := tx.Delete(domain.EntityInventoryMovement, m.ID); err != nil {
				return nil, err
			}
		}
		if err := tx.Delete(domain.EntityInventoryRecord, id); err != nil {
			return nil, err
		}
		return nil, deleteUnreferenced(tx, domain.EntityProduct, id)
	})
}

func (c *Coordinator) updateProduct(ctx context.Context, op, id string, mutate func(*domain.Product)) error {
	return c.run(ctx, op, nil, func(tx domain.Tx) ([]events.Event, error) {
		product, err := domain.GetAs[domain.Product](tx, domain.EntityProduct, id)
		if err != nil {
			return nil, err
		}
		mutate(&product)
		product.UpdatedAt = c.now()
		if err := Validate(tx, product); err != nil {
			return nil, err
		}
		return nil, tx.Put(product)
	})
}

// deleteUnreferenced deletes kind/key when nothing in the scope points at it.
func deleteUnreferenced(tx domain.Tx, kind domain.EntityType, key string) error {
	if _, err := tx.Get(kind, key); err != nil {
		return err
	}
	refs, err := inboundReferences(tx, kind, key)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return domain.NewViolation(domain.ViolationStillReferenced, refs[0].Kind(), string(kind)+"_id", key)
	}
	return tx.Delete(kind, key)
}
