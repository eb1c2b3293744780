package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrBillNotFound      = errors.New("bill not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrEmptyBill         = errors.New("bill has no items")
	ErrConcurrency       = errors.New("concurrent update, retry the operation")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrDuplicateSKU      = errors.New("duplicate sku")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func ProductNotFound(id int64) *NotFoundError {
	return &NotFoundError{Entity: "product", ID: fmt.Sprint(id)}
}

func BillNotFound(key string) *NotFoundError {
	return &NotFoundError{Entity: "bill", ID: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return true
	case ErrProductNotFound:
		return e.Entity == "product"
	case ErrBillNotFound:
		return e.Entity == "bill"
	}
	return false
}

// InsufficientStockError is returned when a movement would take stock below zero.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Available   int64
	Requested   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): available %d, requested %d",
		e.ProductID, e.ProductName, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
