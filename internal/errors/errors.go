// Package errors provides the typed application error used across handlers.
// The error type decides how a failed message is treated: validation errors
// are poison and go to the dead-letter path, retryable errors leave the
// message on the queue for redelivery.
package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorType defines the category of error for proper handling.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL"
	ErrorTypeExternal   ErrorType = "EXTERNAL"
	ErrorTypeThrottled  ErrorType = "THROTTLED"
)

// Error codes used by the services in this module.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeSizeMismatch      = "BATCH_SIZE_MISMATCH"
	CodeBatchNotFound     = "BATCH_NOT_FOUND"
	CodeBatchNotComplete  = "BATCH_NOT_COMPLETE"
	CodeStoreFailed       = "STORE_FAILED"
	CodeConcurrentUpdate  = "CONCURRENT_UPDATE"
	CodeQueueSendFailed   = "QUEUE_SEND_FAILED"
	CodeEventPublish      = "EVENT_PUBLISH_FAILED"
	CodeObjectWriteFailed = "OBJECT_WRITE_FAILED"
	CodeStreamWriteFailed = "STREAM_WRITE_FAILED"
	CodeQueryFailed       = "QUERY_FAILED"
	CodeNotifyFailed      = "NOTIFY_FAILED"
	CodeThirdPartyFailed  = "THIRD_PARTY_FAILED"
)

// AppError is the single error type handlers inspect.
type AppError struct {
	Type      ErrorType
	Code      string
	Message   string
	Details   string
	Resource  string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Builder provides a fluent interface for constructing an AppError.
type Builder struct {
	err *AppError
}

func newBuilder(errType ErrorType, code, message string, retryable bool) *Builder {
	return &Builder{err: &AppError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}}
}

// WithDetails adds additional details to the error.
func (b *Builder) WithDetails(details string) *Builder {
	b.err.Details = details
	return b
}

// WithResource names the resource being operated on (batch ID, queue URL, key).
func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

// WithCause adds the underlying cause.
func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// WithRetryable overrides the default retry classification.
func (b *Builder) WithRetryable(retryable bool) *Builder {
	b.err.Retryable = retryable
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *AppError {
	return b.err
}

// Validation creates a non-retryable validation error.
func Validation(code, message string) *Builder {
	return newBuilder(ErrorTypeValidation, code, message, false)
}

// NotFound creates a not found error.
func NotFound(code, message string) *Builder {
	return newBuilder(ErrorTypeNotFound, code, message, false)
}

// Conflict creates a retryable conflict error.
func Conflict(code, message string) *Builder {
	return newBuilder(ErrorTypeConflict, code, message, true)
}

// Internal creates an internal error.
func Internal(code, message string) *Builder {
	return newBuilder(ErrorTypeInternal, code, message, false)
}

// External creates a retryable error for a failed call to another service.
func External(code, message string) *Builder {
	return newBuilder(ErrorTypeExternal, code, message, true)
}

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsRetryable reports whether redelivering the message may succeed.
// Errors that are not AppErrors are treated as retryable: an unknown
// failure should never drop a message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// throttlingCodes are AWS error codes returned when a call was rate limited.
var throttlingCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"RequestThrottled":                       {},
	"TooManyRequestsException":               {},
	"ProvisionedThroughputExceededException": {},
	"RequestLimitExceeded":                   {},
	"SlowDown":                               {},
}

// FromAWS wraps an AWS SDK error as a retryable external error. Throttling
// codes are classified as ErrorTypeThrottled.
func FromAWS(err error, code, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	b := External(code, message).WithCause(err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		b.WithDetails(apiErr.ErrorCode())
		if _, ok := throttlingCodes[apiErr.ErrorCode()]; ok {
			b.err.Type = ErrorTypeThrottled
		}
	}
	return b.Build()
}

// Wrap adds context to err while preserving its type and retry classification.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		return &AppError{
			Type:      existing.Type,
			Code:      existing.Code,
			Message:   message,
			Details:   existing.Message,
			Resource:  existing.Resource,
			Retryable: existing.Retryable,
			Cause:     err,
		}
	}
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "WRAP_ERROR",
		Message:   message,
		Retryable: true,
		Cause:     err,
	}
}
