package core

import (
	"context"
	"fmt"
	"slices"

	"orderledger/pkg/domain"
)

// LedgerBalanceRule blocks commits that leave a touched product's on-hand
// quantity different from the sum of its movements.
func LedgerBalanceRule() domain.Rule {
	return ledgerBalanceRule{}
}

type ledgerBalanceRule struct{}

func (ledgerBalanceRule) Name() string { return "ledger_balance" }

func (r ledgerBalanceRule) Evaluate(_ context.Context, view domain.Reader, changes []domain.Change) (domain.Result, error) {
	touched := map[string]struct{}{}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityInventoryRecord:
			touched[change.Key] = struct{}{}
		case domain.EntityInventoryMovement:
			for _, e := range []domain.Entity{change.Before, change.After} {
				if m, ok := e.(domain.InventoryMovement); ok {
					touched[m.ProductID] = struct{}{}
				}
			}
		}
	}
	products := make([]string, 0, len(touched))
	for id := range touched {
		products = append(products, id)
	}
	slices.Sort(products)

	res := domain.Result{}
	for _, productID := range products {
		d, err := checkBalance(view, productID)
		if err != nil {
			return domain.Result{}, err
		}
		if d == nil {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  d.String(),
			Entity:   domain.EntityInventoryRecord,
			EntityID: productID,
			Cause:    fmt.Errorf("%w: %s", domain.ErrConstraintViolation, d),
		})
	}
	return res, nil
}
