// Package httpmgr provides an HTTP(S) client connection manager: a
// protocol-selection and resource-lifecycle state machine that decides, per
// request, whether to reuse a cached connection, which wire protocol to speak
// (HTTP/1.1 or HTTP/2, over TLS or cleartext), and how to route through a
// proxy.
package httpmgr

import (
	"net/http"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/buffer"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/manager"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/timing"
)

// Version is the current version of the go-httpmgr library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Manager owns one cached connection and the protocol/proxy decisions
	// for a logical client session.
	Manager = manager.Manager

	// Options configure a Manager.
	Options = manager.Options

	// Request is an immutable request message.
	Request = message.Request

	// Response is the initial response message produced by a stream.
	Response = message.Response

	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Metrics captures detailed timing information for a request.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error

	// Logger is the fire-and-forget logging sink.
	Logger = logging.Logger
)

// Re-export error types for convenience
const (
	ErrorTypeConnect    = errors.ErrorTypeConnect
	ErrorTypeProxy      = errors.ErrorTypeProxy
	ErrorTypeScheme     = errors.ErrorTypeScheme
	ErrorTypeStream     = errors.ErrorTypeStream
	ErrorTypeAllocation = errors.ErrorTypeAllocation
	ErrorTypeTimeout    = errors.ErrorTypeTimeout
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
)

// NewManager creates a connection manager with no credentials and no cached
// connection. The cookie jar is referenced, never owned; nil is allowed.
func NewManager(jar http.CookieJar, opts Options) *Manager {
	return manager.New(jar, opts)
}

// NewRequest returns a request with an initialized header map.
func NewRequest(method, host, target string) *Request {
	return message.NewRequest(method, host, target)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}

// DefaultOptions returns default options for common use cases.
func DefaultOptions() Options {
	return Options{
		ConnTimeout: 10 * time.Second,
		ReadTimeout: 30 * time.Second,
	}
}
