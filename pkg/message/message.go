// Package message defines the request and response value objects exchanged
// across the connection manager boundary.
package message

import (
	"net/textproto"
	"strconv"
	"strings"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/buffer"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/timing"
)

// Request is an immutable request message. The connection manager does not
// interpret it beyond the method (for idempotency checks) and the authority
// (for request framing); everything else is forwarded to the protocol layer.
type Request struct {
	Method  string
	Target  string // origin-form target, e.g. "/index.html"
	Host    string // authority for the Host header / :authority pseudo-header
	Headers map[string][]string
	Body    []byte
}

// NewRequest returns a request with an initialized header map.
func NewRequest(method, host, target string) *Request {
	return &Request{
		Method:  method,
		Target:  target,
		Host:    host,
		Headers: make(map[string][]string),
	}
}

// SetHeader replaces the values of the named header.
func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string][]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Header returns the first value of the named header, or "".
func (r *Request) Header(key string) string {
	if values, ok := r.Headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// IsIdempotent reports whether the request method is safe to retry after a
// connection failure. Only idempotent methods may cross a reuse/evict/retry
// cycle: for anything else the manager cannot know whether the remote peer
// processed the exchange before the stream failed. CONNECT is treated as
// idempotent.
func (r *Request) IsIdempotent() bool {
	switch strings.ToUpper(r.Method) {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE", "CONNECT":
		return true
	default:
		return false
	}
}

// Response is the initial response message produced by a stream.
type Response struct {
	StatusCode  int
	StatusLine  string
	HTTPVersion string // "HTTP/1.1" or "HTTP/2"
	Headers     map[string][]string
	Body        *buffer.Buffer
	BodyBytes   int64

	// Timings covers the connect phases when a fresh connection was
	// established for this exchange; zero-valued on pure reuse.
	Timings timing.Metrics

	// Reused reports whether the response was served over a previously
	// cached connection.
	Reused bool
}

// Header returns the first value of the named header, or "".
func (r *Response) Header(key string) string {
	if values, ok := r.Headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// ContentLength parses the Content-Length header; -1 when absent or invalid.
func (r *Response) ContentLength() int64 {
	v := r.Header("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Close releases the body storage. Safe to call more than once.
func (r *Response) Close() error {
	if r.Body != nil {
		return r.Body.Close()
	}
	return nil
}
