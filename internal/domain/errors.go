package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a terminal job is updated again
	ErrInvalidTransition = errors.New("job is not in PENDING status")

	// ErrNoRecipients is returned when a batch has an empty recipient list
	ErrNoRecipients = errors.New("no recipients")

	// ErrNegativeGap is returned when the per-recipient gap is negative
	ErrNegativeGap = errors.New("delay between emails must not be negative")
)

// ValidationError reports bad batch input. It is surfaced to the caller
// before any job is created.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error for the given field
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidationError reports whether err carries a ValidationError
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
