package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// SQLSTATE codes the engine reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// MapError converts pgx errors into the shared taxonomy. Errors that already
// carry a taxonomy sentinel, and unknown errors, pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeUniqueViolation:
			return fmt.Errorf("%w: %s", shared.ErrStorageConflict, pgErr.Message)
		case codeCheckViolation:
			return fmt.Errorf("%w: %s", shared.ErrValidation, pgErr.ConstraintName)
		}
	}
	return err
}
