package core

import (
	"context"
	"fmt"

	"orderledger/pkg/domain"
)

// ReferentialIntegrityRule re-checks field constraints and foreign keys of
// every written entity against the merged view, and blocks deletes that would
// leave inbound references behind.
func ReferentialIntegrityRule() domain.Rule {
	return referentialIntegrityRule{}
}

type referentialIntegrityRule struct{}

func (referentialIntegrityRule) Name() string { return "referential_integrity" }

func (r referentialIntegrityRule) Evaluate(_ context.Context, view domain.Reader, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			refs, err := inboundReferences(view, change.Entity, change.Key)
			if err != nil {
				return domain.Result{}, err
			}
			if len(refs) == 0 {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s %s is still referenced by %s %s", change.Entity, change.Key, refs[0].Kind(), refs[0].Key()),
				Entity:   change.Entity,
				EntityID: change.Key,
				Cause:    domain.NewViolation(domain.ViolationStillReferenced, refs[0].Kind(), string(change.Entity)+"_id", change.Key),
			})
			continue
		}
		err := validateFields(change.After)
		if err == nil {
			err = validateReferences(view, change.After)
		}
		if err == nil {
			continue
		}
		if _, ok := err.(*domain.ValidationError); !ok {
			return domain.Result{}, err
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  err.Error(),
			Entity:   change.Entity,
			EntityID: change.Key,
			Cause:    err,
		})
	}
	return res, nil
}
