package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the PE engine packages. Packages wrap these with
// their own context and callers match them with errors.Is.
var (
	// ErrValidation indicates malformed input rejected before persistence.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized indicates the actor lacks rights on the cost center.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidStateTransition indicates a decision on a terminal movement.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrStorageConflict indicates a concurrent modification; callers may retry.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrPeriodClosed indicates the period no longer accepts movements.
	ErrPeriodClosed = fmt.Errorf("%w: period is not open", ErrValidation)
)

// Validationf builds a validation error with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsDomainError reports whether err belongs to the taxonomy above. Anything
// else is an infrastructure failure worth logging.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStorageConflict)
}
