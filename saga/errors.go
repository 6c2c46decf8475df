package saga

import (
	"errors"
	"fmt"

	"order-saga/resilient"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")

	// ErrServiceUnavailable means a dependency's circuit breaker is open.
	ErrServiceUnavailable = resilient.ErrServiceUnavailable

	ErrInsufficientStock = fmt.Errorf("insufficient stock: %w", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", ErrConflict)
)
