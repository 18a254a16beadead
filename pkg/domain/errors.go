package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error categories. Every typed error below unwraps to one of these so callers
// classify failures with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrInvalidReference    = errors.New("invalid reference")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrConflict            = errors.New("write conflict")
	ErrTimeout             = errors.New("scope timeout")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrNonNegative         = errors.New("non-negative violation")
	ErrInvalidEnumValue    = errors.New("invalid enum value")
	ErrRequiredField       = errors.New("required field")
	ErrStillReferenced     = errors.New("still referenced")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// ViolationKind classifies a constraint validator finding.
type ViolationKind string

// Validator finding kinds.
const (
	ViolationDuplicateKey     ViolationKind = "duplicate_key"
	ViolationNonNegative      ViolationKind = "non_negative"
	ViolationInvalidReference ViolationKind = "invalid_reference"
	ViolationInvalidEnumValue ViolationKind = "invalid_enum_value"
	ViolationRequiredField    ViolationKind = "required_field"
	ViolationStillReferenced  ViolationKind = "still_referenced"
)

var violationSentinels = map[ViolationKind]error{
	ViolationDuplicateKey:     ErrDuplicateKey,
	ViolationNonNegative:      ErrNonNegative,
	ViolationInvalidReference: ErrInvalidReference,
	ViolationInvalidEnumValue: ErrInvalidEnumValue,
	ViolationRequiredField:    ErrRequiredField,
	ViolationStillReferenced:  ErrStillReferenced,
}

// ValidationError reports a single field-level violation.
type ValidationError struct {
	Kind   ViolationKind
	Entity EntityType
	Field  string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s.%s: %s", e.Entity, e.Field, e.Kind)
	}
	return fmt.Sprintf("%s.%s: %s (%q)", e.Entity, e.Field, e.Kind, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return violationSentinels[e.Kind]
}

// NewViolation constructs a ValidationError.
func NewViolation(kind ViolationKind, entity EntityType, field, value string) *ValidationError {
	return &ValidationError{Kind: kind, Entity: entity, Field: field, Value: value}
}

// NotFoundError is returned when a referenced entity is absent.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError reports a state machine rule violation.
type TransitionError struct {
	Entity EntityType
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientStockError reports a movement that would drive on-hand below zero.
type InsufficientStockError struct {
	ProductID string
	OnHand    int64
	Delta     int64
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("product %s: on hand %d cannot absorb delta %d", e.ProductID, e.OnHand, e.Delta)
}

func (e InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// AmountMismatchError reports a payment amount that disagrees with the order total.
type AmountMismatchError struct {
	OrderID  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e AmountMismatchError) Error() string {
	return fmt.Sprintf("order %s: payment amount %s does not match order total %s", e.OrderID, e.Actual.StringFixed(2), e.Expected.StringFixed(2))
}

func (e AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// ConflictError reports a write-write conflict detected at commit.
type ConflictError struct {
	Entity EntityType
	Key    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified by a concurrent scope", e.Entity, e.Key)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// RuleViolationError is returned when blocking violations are present at commit.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rule %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}

// Unwrap exposes the constraint category plus the cause of every blocking violation.
func (e RuleViolationError) Unwrap() []error {
	errs := []error{ErrConstraintViolation}
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Cause != nil {
			errs = append(errs, v.Cause)
		}
	}
	return errs
}

// IsRetryable reports whether the failure may succeed when the whole scope is re-run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}
