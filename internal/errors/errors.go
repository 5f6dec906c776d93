package errors

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryStorage       Category = "STORAGE"
	CategoryDispatch      Category = "DISPATCH"
	CategoryConfiguration Category = "CONFIGURATION"
	CategoryInternal      Category = "INTERNAL"
)

const (
	CodeUnavailable    = "UNAVAILABLE"
	CodeCorruptBlob    = "CORRUPT_BLOB"
	CodeScheduleFailed = "SCHEDULE_FAILED"
	CodeQueueFull      = "QUEUE_FULL"
	CodeInvalidValue   = "INVALID_VALUE"
	CodeUnexpected     = "UNEXPECTED"
)

type FlowError struct {
	Category  Category
	Code      string
	Message   string
	Details   map[string]any
	Cause     error
	Retryable bool
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

func (e *FlowError) Is(target error) bool {
	var t *FlowError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	cp := *e
	cp.Details = details
	return &cp
}

func New(category Category, code, message string) *FlowError {
	return &FlowError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

func Wrap(category Category, code, message string, cause error) *FlowError {
	return &FlowError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

var (
	ErrStorageUnavailable = New(CategoryStorage, CodeUnavailable, "storage unavailable")
	ErrScheduleFailed     = New(CategoryDispatch, CodeScheduleFailed, "schedule failed")
	ErrQueueFull          = New(CategoryDispatch, CodeQueueFull, "dispatch queue full")
	ErrInvalidValue       = New(CategoryConfiguration, CodeInvalidValue, "invalid configuration")
)

// Never retried inside the buffer.
func NewStorageFault(message string, cause error) *FlowError {
	return Wrap(CategoryStorage, CodeUnavailable, message, cause)
}

func NewCorruptBlob(message string, cause error) *FlowError {
	return Wrap(CategoryStorage, CodeCorruptBlob, message, cause)
}

func NewDispatchFault(message string, cause error) *FlowError {
	return Wrap(CategoryDispatch, CodeScheduleFailed, message, cause)
}

func NewConfigurationError(message string) *FlowError {
	return New(CategoryConfiguration, CodeInvalidValue, message)
}

func NewInternalError(message string, cause error) *FlowError {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}

func IsRetryable(err error) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

func GetCategory(err error) Category {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

func isRetryable(category Category, code string) bool {
	switch {
	case category == CategoryStorage && code == CodeUnavailable:
		return true
	case category == CategoryDispatch:
		return true
	default:
		return false
	}
}
