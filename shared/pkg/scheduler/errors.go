package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLease means the caller does not prove possession of the job's
	// current lease: bad signature, or the lease was released or reassigned.
	ErrInvalidLease = errors.New("invalid or expired lease")

	// ErrJobTerminal rejects any mutation of a completed, failed or cancelled job.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrNotOwner rejects cancellation by anyone but the job owner.
	ErrNotOwner = errors.New("requestor does not own job")

	// ErrJobNotActive rejects releasing a job that holds no lease.
	ErrJobNotActive = errors.New("job holds no active lease")
)

// ValidationError describes a malformed request. It is returned before any
// store write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError returns a *ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
