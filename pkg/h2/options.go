// Package h2 implements the HTTP/2 connection variant: multiplexed streams
// over one transport connection, framed with golang.org/x/net/http2.
package h2

import (
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
)

// Options contains HTTP/2 connection configuration.
type Options struct {
	// Scheme is the value of the :scheme pseudo-header ("https" for
	// TLS-negotiated h2, "http" for cleartext h2c).
	Scheme string

	InitialWindowSize uint32
	MaxFrameSize      uint32
	MaxHeaderListSize uint32
	HeaderTableSize   uint32

	BodyMemLimit int64
	ReadTimeout  time.Duration

	Logger logging.Logger
}

// DefaultOptions returns the settings advertised on a fresh connection.
func DefaultOptions() Options {
	return Options{
		Scheme:            "https",
		InitialWindowSize: 4 << 20,  // 4MB
		MaxFrameSize:      16 << 10, // 16KB
		MaxHeaderListSize: 10 << 20, // 10MB
		HeaderTableSize:   4096,
		ReadTimeout:       30 * time.Second,
	}
}
