package ledger

import (
	"errors"
	"fmt"

	"tiered-sto/internal/fixedpoint"
)

// Error taxonomy shared by every component. Component errors wrap one of these
// so callers can classify a failure with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrPrecondition  = errors.New("precondition failed")
	ErrAuthorization = errors.New("unauthorized")
	ErrArithmetic    = errors.New("arithmetic error")
	ErrExternal      = errors.New("external dependency error")
)

// Validationf builds an ErrValidation-wrapped error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Preconditionf builds an ErrPrecondition-wrapped error.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// Unauthorizedf builds an ErrAuthorization-wrapped error.
func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// External wraps a collaborator failure.
func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}

// Arithmetic wraps a fixedpoint failure so it classifies as ErrArithmetic while
// keeping the underlying cause (overflow, divide by zero) inspectable.
func Arithmetic(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrArithmetic, op, err)
}

// IsArithmetic reports whether err originates from scaled math.
func IsArithmetic(err error) bool {
	return errors.Is(err, ErrArithmetic) ||
		errors.Is(err, fixedpoint.ErrOverflow) ||
		errors.Is(err, fixedpoint.ErrDivideByZero) ||
		errors.Is(err, fixedpoint.ErrUnderflow)
}
