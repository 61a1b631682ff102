package builder

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure so the orchestrating layer can
// decide whether to retry, abort, or surface it.
type Kind string

// The failure taxonomy. Validation failures reject before any mutation;
// external failures trigger compensation before surfacing; integrity and
// corruption failures mark the session as suspect.
const (
	KindSessionNotFound          Kind = "SESSION_NOT_FOUND"
	KindSessionExpired           Kind = "SESSION_EXPIRED"
	KindPermissionDenied         Kind = "PERMISSION_DENIED"
	KindRateLimitExceeded        Kind = "RATE_LIMIT_EXCEEDED"
	KindCapacityExceeded         Kind = "CAPACITY_EXCEEDED"
	KindNodeRejected             Kind = "NODE_REJECTED"
	KindInvalidCheckpointID      Kind = "INVALID_CHECKPOINT_ID"
	KindIntegrityViolation       Kind = "INTEGRITY_VIOLATION"
	KindCorruptCheckpoint        Kind = "CORRUPT_CHECKPOINT"
	KindCheckpointCreationFailed Kind = "CHECKPOINT_CREATION_FAILED"
	KindExternalPersistFailure   Kind = "EXTERNAL_PERSIST_FAILURE"
	KindExternalExecutionFailure Kind = "EXTERNAL_EXECUTION_FAILURE"
	KindInternal                 Kind = "INTERNAL_ERROR"
)

// Error is an operation failure with its kind. Wrapped causes remain
// reachable through errors.Is/errors.As.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed.
	Op string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// opError constructs an operation failure.
func opError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error, or KindInternal for
// errors that did not come out of an engine operation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may safely retry the failed
// operation: validation failures reject before any mutation, and external
// failures are fully compensated before surfacing.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimitExceeded, KindCapacityExceeded, KindNodeRejected,
		KindInvalidCheckpointID, KindExternalPersistFailure,
		KindExternalExecutionFailure:
		return true
	default:
		return false
	}
}
