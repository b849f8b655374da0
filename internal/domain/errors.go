package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderNotEditable       = errors.New("order not editable in its current status")
	ErrItemNotFound           = errors.New("item not found")
	ErrItemNotInOrder         = errors.New("scanned code matches no item in order")
	ErrProductNotFound        = errors.New("product not found")
	ErrInvalidQuantity        = errors.New("quantity must be at least 1")
	ErrEmptyOrder             = errors.New("order has no items")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrAlreadyFulfilled       = errors.New("item already fully scanned")
	ErrFulfillmentIncomplete  = errors.New("fulfillment incomplete")
	ErrConcurrentModification = errors.New("concurrent modification, retry")
	ErrApprovalRequired       = errors.New("cancellation requires manager approval")
	ErrApprovalPending        = errors.New("cancellation pending approval")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrForbidden              = errors.New("forbidden")
)

// InsufficientStockError names the first product that failed the availability check.
type InsufficientStockError struct {
	ProductID string
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	label := e.ProductID
	if e.SKU != "" {
		label = e.SKU
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", label, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsRetryable is true only for failures callers should retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
