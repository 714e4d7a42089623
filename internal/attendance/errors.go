package attendance

import (
	"errors"
	"fmt"
)

// Validation errors returned synchronously to callers. None of these is
// retried automatically.
var (
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrSessionClosed          = errors.New("session is not accepting events")
	ErrNotEnrolled            = errors.New("student is not enrolled in this session")
	ErrSessionNotFinalized    = errors.New("session is not finalized")
	ErrSessionNotFound        = errors.New("session not found")
	ErrRecordNotFound         = errors.New("attendance record not found")
)

// PersistenceError wraps a storage failure. It is fatal to the
// enclosing operation; nothing is partially committed past it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// persistenceOp wraps err unless it is nil or already a domain sentinel.
func persistenceOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
