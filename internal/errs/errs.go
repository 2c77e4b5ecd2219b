package errs

import (
	"errors"
	"fmt"
)

// Error kinds returned by the core. Callers classify with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTransient         = errors.New("transient failure, retry the operation")
)

// Order placement failures that have their own name but still belong to a
// broader kind.
var (
	ErrProductUnavailable = fmt.Errorf("product unavailable: %w", ErrInvalidState)
	ErrSelfPurchase       = fmt.Errorf("cannot buy your own product: %w", ErrForbidden)
)

// NotFound builds an ErrNotFound error naming the missing entity.
func NotFound(entity string, id int64) error {
	return fmt.Errorf("%w: %s %d does not exist", ErrNotFound, entity, id)
}

// Forbidden builds an ErrForbidden error.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// InvalidState builds an ErrInvalidState error.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Validation builds an ErrValidation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict builds an ErrConflict error.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Code returns a stable machine readable code for err, used by the HTTP layer.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrSelfPurchase):
		return "self_purchase"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
