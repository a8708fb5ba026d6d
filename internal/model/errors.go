package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// ErrCodeNetworkUnavailable means connectivity was known to be down before any call.
	// Queued exactly like a transient failure.
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"

	// ErrCodeTransient covers timeouts, connection resets and 5xx responses.
	ErrCodeTransient ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeRejected covers validation and conflict responses. Retrying cannot succeed.
	ErrCodeRejected ErrorCode = "APPLICATION_REJECTED"

	// ErrCodeSerialization means a request or response could not be encoded or decoded.
	ErrCodeSerialization ErrorCode = "SERIALIZATION"

	// ErrCodeDuplicate means an identical operation is already the newest queued one
	// for the entity.
	ErrCodeDuplicate ErrorCode = "DUPLICATE_OPERATION"

	// ErrCodeNotFound means the addressed record or operation does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// SyncError is the error type used across the engine.
type SyncError struct {
	Code       ErrorCode
	Message    string
	EntityType string
	EntityID   string
	OpID       int64
	Err        error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntityType != "" {
		msg = fmt.Sprintf("%s (entity=%s/%s)", msg, e.EntityType, e.EntityID)
	}
	if e.OpID != 0 {
		msg = fmt.Sprintf("%s (op=%d)", msg, e.OpID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewError creates a SyncError with the given code.
func NewError(code ErrorCode, message string, err error) *SyncError {
	return &SyncError{Code: code, Message: message, Err: err}
}

// ForEntity returns a copy of e annotated with the entity key.
func (e *SyncError) ForEntity(entityType, entityID string) *SyncError {
	c := *e
	c.EntityType = entityType
	c.EntityID = entityID
	return &c
}

// CodeOf returns the code of the first SyncError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetriable reports whether err should be queued and retried.
func IsRetriable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNetworkUnavailable, ErrCodeTransient:
		return true
	}
	return false
}

// IsRejected reports whether err is an application rejection.
func IsRejected(err error) bool {
	return CodeOf(err) == ErrCodeRejected
}

// IsSerialization reports whether err is a serialization failure.
func IsSerialization(err error) bool {
	return CodeOf(err) == ErrCodeSerialization
}

// IsDuplicate reports whether err is a duplicate-operation rejection.
func IsDuplicate(err error) bool {
	return CodeOf(err) == ErrCodeDuplicate
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
