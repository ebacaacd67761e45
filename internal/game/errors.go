package game

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("unauthorized")
)

var (
	ErrOverflow             = fmt.Errorf("%w: amount overflow", ErrValidation)
	ErrNegativeAmount       = fmt.Errorf("%w: negative amount", ErrValidation)
	ErrDuplicateIdempotency = fmt.Errorf("%w: duplicate idempotency key", ErrConflict)
	ErrTxConflict           = fmt.Errorf("%w: transaction conflict, retry later", ErrConflict)
	ErrBranchProcessed      = fmt.Errorf("%w: branch already processed", ErrConflict)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}
