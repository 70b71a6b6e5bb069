package engine

import (
	"fmt"
)

// FailureCode classifies engine-level failures.
type FailureCode string

const (
	AlreadyConnecting FailureCode = "already_connecting"
	NotReady          FailureCode = "not_ready"
	DiscoveryFailed   FailureCode = "discovery_failed"
	RetriesExhausted  FailureCode = "retries_exhausted"
	PermissionDenied  FailureCode = "permission_denied"
	WriteFailed       FailureCode = "write_failed"
)

// Error represents an engine failure classified by FailureCode.
type Error struct {
	Code FailureCode
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare Error values by code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors for the engine failure codes.
var (
	ErrAlreadyConnecting = &Error{Code: AlreadyConnecting}
	ErrNotReady          = &Error{Code: NotReady}
	ErrDiscoveryFailed   = &Error{Code: DiscoveryFailed}
	ErrRetriesExhausted  = &Error{Code: RetriesExhausted}
	ErrPermissionDenied  = &Error{Code: PermissionDenied}
	ErrWriteFailed       = &Error{Code: WriteFailed}
)

// WriteError reports an atomically failed chunked write: Chunk is the
// zero-based index of the chunk whose completion reported a non-success
// status. Chunks after it were never dispatched.
type WriteError struct {
	Chunk int
	Cause error
}

func (e *WriteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("write failed at chunk %d: %v", e.Chunk, e.Cause)
	}
	return fmt.Sprintf("write failed at chunk %d", e.Chunk)
}

// Is makes errors.Is(err, ErrWriteFailed) match WriteError values.
func (e *WriteError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == WriteFailed
}

func (e *WriteError) Unwrap() error { return e.Cause }
