package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request rejected before the core
	ErrValidation = errors.New("validation failed")

	// ErrBackendUnavailable marks a session open or call failure, timeouts included
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPartialTransfer marks a chunk sequence interrupted mid-upload
	ErrPartialTransfer = errors.New("partial transfer")

	// ErrCleanup marks a temp-file or session-close failure
	ErrCleanup = errors.New("cleanup failed")

	ErrNotFound       = errors.New("not found")
	ErrOffsetMismatch = errors.New("chunk offset mismatch")
	ErrSessionClosed  = errors.New("session closed")
)

// CleanupError wraps a failure that happened while releasing resources.
type CleanupError struct {
	Op  string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Op, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

func (e *CleanupError) Is(target error) bool { return target == ErrCleanup }

// CleanupOnly reports whether every failure inside err is a cleanup failure.
func CleanupOnly(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *CleanupError:
		return true
	case interface{ Unwrap() []error }:
		inner := e.Unwrap()
		for _, ie := range inner {
			if !CleanupOnly(ie) {
				return false
			}
		}
		return len(inner) > 0
	}
	return CleanupOnly(errors.Unwrap(err))
}

// IsRetryable reports whether err is a transient backend failure.
// Nothing in the gateway retries; callers surface this to clients.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
