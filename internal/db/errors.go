package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xtrntr/campusmarket/internal/errs"
)

// PostgreSQL SQLSTATE codes the core reacts to
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MapError translates driver errors into the core's error kinds. Errors that
// already carry a kind are returned untouched.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if hasKind(err) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: duplicate value violates %s", errs.ErrConflict, pgErr.ConstraintName)
	case codeCheckViolation:
		return fmt.Errorf("%w: value violates %s", errs.ErrValidation, pgErr.ConstraintName)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: referenced row missing (%s)", errs.ErrNotFound, pgErr.ConstraintName)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", errs.ErrTransient, pgErr.Message)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique violation of the named
// constraint. An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func hasKind(err error) bool {
	for _, kind := range []error{
		errs.ErrNotFound,
		errs.ErrForbidden,
		errs.ErrInvalidState,
		errs.ErrValidation,
		errs.ErrConflict,
		errs.ErrInsufficientStock,
		errs.ErrTransient,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
