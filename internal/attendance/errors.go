package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup or exact-row update matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSuppressed is returned when a capture falls inside the dedup window
	// of an event already queued for the same student.
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")
	// ErrUnknownEnrollment is returned when an enrollment code has no local student.
	ErrUnknownEnrollment = fmt.Errorf("unknown enrollment code: %w", ErrNotFound)
	// ErrConnectivityUnavailable marks a cycle skipped for lack of network.
	ErrConnectivityUnavailable = errors.New("connectivity unavailable")
)

// PersistenceError reports a failed store operation. It is a cycle-level failure.
type PersistenceError struct {
	Store string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Store: store, Op: op, Err: err}
}

// IsPersistence reports whether err came from a store failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
