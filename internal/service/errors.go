package service

import (
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/domain"
)

var (
	ErrForbidden = errors.New("not authorized for this resource")
)

// ValidationError rejects a request before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError lists every line that could not be reserved.
type InsufficientStockError struct {
	Shortfalls []domain.Shortfall
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %d product(s)", len(e.Shortfalls))
}

// TransactionError wraps a store or commit failure. Nothing it covers was persisted.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("order transaction failed: %v", e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
