// Package errors provides a structured error system for the segcache
// engine with error codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for engine operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Accounting errors: the space invariant is already broken when
	// one of these surfaces. They must never be swallowed.
	ErrCodeAccountingUnderflow ErrorCode = "ACCOUNTING_UNDERFLOW"
	ErrCodeAccountingOverflow  ErrorCode = "ACCOUNTING_OVERFLOW"

	// Local storage errors
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageStat   ErrorCode = "STORAGE_STAT"
	ErrCodeStorageRemove ErrorCode = "STORAGE_REMOVE"
	ErrCodeMetadataWrite ErrorCode = "METADATA_WRITE"
	ErrCodeMetadataRead  ErrorCode = "METADATA_READ"

	// Remote store errors
	ErrCodeRemoteGet      ErrorCode = "REMOTE_GET"
	ErrCodeRemotePut      ErrorCode = "REMOTE_PUT"
	ErrCodeRemoteDelete   ErrorCode = "REMOTE_DELETE"
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"

	// Eviction outcomes
	ErrCodeEvictionInfeasible ErrorCode = "EVICTION_INFEASIBLE"

	// Codec errors
	ErrCodeCompress   ErrorCode = "COMPRESS"
	ErrCodeDecompress ErrorCode = "DECOMPRESS"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryAccounting    ErrorCategory = "accounting"
	CategoryStorage       ErrorCategory = "storage"
	CategoryRemote        ErrorCategory = "remote"
	CategoryEviction      ErrorCategory = "eviction"
	CategoryCodec         ErrorCategory = "codec"
	CategoryInternal      ErrorCategory = "internal"
)

// EngineError represents a structured error with context and metadata.
type EngineError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *EngineError) Is(target error) bool {
	if engineErr, ok := target.(*EngineError); ok {
		return e.Code == engineErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *EngineError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("EngineError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new engine error with default values.
func NewError(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "ACCOUNTING_"):
		return CategoryAccounting
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "METADATA_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "REMOTE_") || strings.HasPrefix(codeStr, "OBJECT_"):
		return CategoryRemote
	case strings.HasPrefix(codeStr, "EVICTION_"):
		return CategoryEviction
	case codeStr == "COMPRESS" || codeStr == "DECOMPRESS":
		return CategoryCodec
	default:
		return CategoryInternal
	}
}

// WithContext adds contextual information to an error.
func (e *EngineError) WithContext(key, value string) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *EngineError) WithComponent(component string) *EngineError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}
