package errors

import (
	"errors"
	"fmt"
)

// Common error types used across the bucketflow library

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRateLimited indicates that a request was rate limited
	ErrRateLimited = errors.New("rate limited")

	// ErrBucketNotFound indicates that the remote state of a bucket does not exist
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrIncompatibleConfiguration indicates that a stored configuration cannot be
	// replaced by the requested one
	ErrIncompatibleConfiguration = errors.New("incompatible configuration")

	// ErrTransaction indicates a backend fault while executing a transaction
	ErrTransaction = errors.New("transaction failed")

	// ErrUnsupportedVersion indicates a payload written with a protocol version
	// outside of the supported window
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrAsyncNotSupported indicates that asynchronous execution was requested from
	// a component configured without an executor
	ErrAsyncNotSupported = errors.New("async mode is not supported")
)

// IsRetryable returns true if the error indicates a condition that might
// be resolved by retrying the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// IsTemporary returns true if the error indicates a temporary condition
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransaction)
}

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError without a hint.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint attaches a remediation hint and returns the same error.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap returns ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// BucketNotFoundError is raised when a remote bucket is missing and the
// recovery strategy asks for the condition to be surfaced.
type BucketNotFoundError struct {
	Key interface{}
}

func (e *BucketNotFoundError) Error() string {
	return fmt.Sprintf("bucket not found: key=%v", e.Key)
}

// Unwrap returns ErrBucketNotFound.
func (e *BucketNotFoundError) Unwrap() error {
	return ErrBucketNotFound
}

// IsBucketNotFound reports whether err signals a missing remote bucket.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// TransactionError wraps a backend fault raised by a transaction step.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return "transaction error in " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both ErrTransaction and the underlying cause.
func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransaction, e.Err}
}

// TimeoutError is returned when a remote operation exceeds its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return "timeout in " + e.Op
	}
	return "timeout in " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both ErrTimeout and the underlying cause.
func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// IsTimeout reports whether err is a deadline failure of a remote operation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// VersionError is returned when a payload carries a version the reader
// cannot interpret.
type VersionError struct {
	TypeID  uint16
	Version uint16
	Min     uint16
	Max     uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("type %d: version %d is outside of supported range [%d, %d]",
		e.TypeID, e.Version, e.Min, e.Max)
}

// Unwrap returns ErrUnsupportedVersion.
func (e *VersionError) Unwrap() error {
	return ErrUnsupportedVersion
}
