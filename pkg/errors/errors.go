// Package errors provides structured error types for the go-httpmgr library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeConnect represents connect failures: DNS resolution, TCP
	// connect, TLS handshake, or cancellation of any of those.
	ErrorTypeConnect ErrorType = "connect"
	// ErrorTypeProxy represents proxy resolution failures (malformed proxy
	// URL or a proxy URL without a usable host).
	ErrorTypeProxy ErrorType = "proxy"
	// ErrorTypeScheme represents a secure/plain mismatch against the
	// manager's current scheme binding.
	ErrorTypeScheme ErrorType = "scheme"
	// ErrorTypeStream represents a stream that could not be opened or that
	// produced no initial response.
	ErrorTypeStream ErrorType = "stream"
	// ErrorTypeAllocation represents resource exhaustion while creating a
	// manager, credentials, or connection wrapper.
	ErrorTypeAllocation ErrorType = "allocation"
	// ErrorTypeTimeout represents timeout errors.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol represents HTTP protocol errors.
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents I/O errors.
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents validation errors.
	ErrorTypeValidation ErrorType = "validation"
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewConnectError creates a connect error covering the DNS/TCP/TLS phases.
func NewConnectError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnect,
		Message:   fmt.Sprintf("failed to connect to %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewProxyError creates a proxy resolution error.
func NewProxyError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProxy,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewSchemeError creates a scheme conflict error.
func NewSchemeError(message string) *Error {
	return &Error{
		Type:      ErrorTypeScheme,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewStreamError creates a stream rejection error.
func NewStreamError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeStream,
		Message:   fmt.Sprintf("stream rejected by %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewAllocationError creates a resource allocation error.
func NewAllocationError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeAllocation,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", operation, timeout),
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeIO,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeTimeout {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
