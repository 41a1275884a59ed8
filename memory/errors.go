package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a missing or expired entry. Callers surface it as
// an empty result, not a failure.
var ErrNotFound = errors.New("memory: not found")

// ErrValidationUnavailable marks a promotion deferred because the
// policy collaborator was unreachable. The surrounding request is not
// failed.
var ErrValidationUnavailable = errors.New("memory: policy validation unavailable")

// ErrEmptyContent rejects Store calls without content.
var ErrEmptyContent = errors.New("memory: content must not be empty")

// ErrInvalidTier rejects Store calls with an unknown tier.
var ErrInvalidTier = errors.New("memory: invalid tier")

// TransientError wraps a store or network failure that the caller may
// retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("memory: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
