// Package errors provides custom error types for the storefront sync subsystem
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure       ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
	ErrCodeRemoteRejected       ErrorCode = "REMOTE_REJECTED"
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
	ErrCodeValidationFailure    ErrorCode = "VALIDATION_FAILURE"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeConflictFailure      ErrorCode = "CONFLICT_FAILURE"
)

// Operation represents the operation during which an error occurred
type Operation string

const (
	OpSync    Operation = "sync"
	OpDrain   Operation = "drain"
	OpProbe   Operation = "probe"
	OpStore   Operation = "store"
	OpLoad    Operation = "load"
	OpDelete  Operation = "delete"
	OpEnqueue Operation = "enqueue"
	OpDequeue Operation = "dequeue"
	OpRemote  Operation = "remote"
	OpDecode  Operation = "decode"
	OpConfig  Operation = "config"
	OpClose   Operation = "close"
)

// SyncError represents an error raised anywhere in the offline-first pipeline
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "remote")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Kind classifies the error for retry-vs-fatal decisions
	Kind Kind

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewLocalStorageError creates an error for a failed durable-storage call.
// These are fatal to the triggering operation and surface to the caller.
func NewLocalStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindLocalStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewRemoteUnavailableError creates an error for a remote call that could not
// reach the authoritative store.
func NewRemoteUnavailableError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindRemoteUnavailable,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewRemoteRejectedError creates an error for a remote call the authoritative
// store actively refused.
func NewRemoteRejectedError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteRejected,
		Kind:      KindRemoteRejected,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: false,
	}
}

// NewSerializationError creates an error for a malformed pending-mutation payload
func NewSerializationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeSerializationFailure,
		Kind:      KindSerialization,
		Op:        op,
		Component: "codec",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindInvalid,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewConflictError creates an error for a write that collides with existing state
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Kind:      KindConflict,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
