// Package manager implements the HTTP(S) client connection manager: for each
// outgoing request it decides whether the cached connection can be reused,
// which wire protocol to speak (HTTP/1.1 or HTTP/2, TLS or cleartext), how to
// route through a proxy, and how to recover when a cached connection is no
// longer usable.
package manager

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/conn"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/h1"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/h2"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/proxy"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/timing"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/tlsconfig"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/transport"
)

// Dialer performs direct transport connects. Blocking calls must honor the
// context: cancellation interrupts DNS, TCP, and TLS phases.
type Dialer interface {
	ConnectTLS(ctx context.Context, creds *tls.Config, config transport.Config, alpn []string, timer *timing.Timer) (net.Conn, string, error)
	ConnectPlain(ctx context.Context, config transport.Config, timer *timing.Timer) (net.Conn, error)
}

// Tunneler establishes TLS sessions to origins through a CONNECT proxy.
type Tunneler interface {
	Connect(ctx context.Context, creds *tls.Config, proxyURL *url.URL, host string, port int, alpn []string, timer *timing.Timer) (net.Conn, string, error)
}

// H1Factory wraps an established transport into a sequential HTTP/1.1
// connection; proxied selects forward-proxy request framing.
type H1Factory func(raw net.Conn, proxied bool) (conn.Conn, error)

// H2Factory wraps an established transport into a multiplexed HTTP/2
// connection; scheme is "https" for TLS-negotiated h2 and "http" for h2c.
type H2Factory func(raw net.Conn, scheme string) (conn.Conn, error)

// Collaborators lets callers (and tests) substitute the manager's external
// collaborators. Zero fields are filled with the production defaults.
type Collaborators struct {
	Dialer   Dialer
	Tunneler Tunneler
	Finder   proxy.Finder
	NewH1    H1Factory
	NewH2    H2Factory
}

// Options configure a Manager.
type Options struct {
	// PreferCleartextHTTP2 selects h2c instead of HTTP/1.1 for plain-HTTP
	// origins. Chosen by configuration, not negotiation.
	PreferCleartextHTTP2 bool

	// DisableHTTP2 omits "h2" from the ALPN offer on secure connects.
	DisableHTTP2 bool

	ConnTimeout  time.Duration
	DNSTimeout   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	BodyMemLimit int64

	// Credentials for the lazily-created client TLS configuration.
	Credentials tlsconfig.Credentials

	Logger logging.Logger
}

// Manager owns one cached connection and the protocol/proxy decisions for a
// logical client session. It is not safe for concurrent use: callers need a
// single-owner discipline or their own mutex around Request.
type Manager struct {
	opts   Options
	logger logging.Logger
	jar    http.CookieJar

	// creds is created on the first secure request and lives until Close.
	creds *tls.Config

	// conn is the single cached connection; the lookup key is the manager
	// itself, not the destination.
	conn conn.Conn

	dialer   Dialer
	tunneler Tunneler
	finder   proxy.Finder
	newH1    H1Factory
	newH2    H2Factory
}

// New creates a Manager with no credentials and no cached connection. The
// cookie jar is referenced, never owned; it may be nil.
func New(jar http.CookieJar, opts Options) *Manager {
	return NewWithCollaborators(jar, opts, Collaborators{})
}

// NewWithCollaborators creates a Manager with explicit collaborators.
func NewWithCollaborators(jar http.CookieJar, opts Options, c Collaborators) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}

	m := &Manager{
		opts:     opts,
		logger:   logger,
		jar:      jar,
		dialer:   c.Dialer,
		tunneler: c.Tunneler,
		finder:   c.Finder,
		newH1:    c.NewH1,
		newH2:    c.NewH2,
	}

	if m.dialer == nil {
		tr := transport.New(logger)
		m.dialer = tr
		if m.tunneler == nil {
			m.tunneler = proxy.NewTunneler(tr, logger)
		}
	}
	if m.tunneler == nil {
		m.tunneler = proxy.NewTunneler(transport.New(logger), logger)
	}
	if m.finder == nil {
		m.finder = proxy.FromEnvironment()
	}
	if m.newH1 == nil {
		m.newH1 = func(raw net.Conn, proxied bool) (conn.Conn, error) {
			return h1.New(raw, proxied, h1.Options{
				BodyMemLimit: opts.BodyMemLimit,
				ReadTimeout:  opts.ReadTimeout,
				WriteTimeout: opts.WriteTimeout,
				Logger:       logger,
			})
		}
	}
	if m.newH2 == nil {
		m.newH2 = func(raw net.Conn, scheme string) (conn.Conn, error) {
			o := h2.DefaultOptions()
			o.Scheme = scheme
			o.BodyMemLimit = opts.BodyMemLimit
			if opts.ReadTimeout > 0 {
				o.ReadTimeout = opts.ReadTimeout
			}
			o.Logger = logger
			return h2.New(raw, o)
		}
	}

	return m
}

// CookieJar returns the manager's jar reference. No ownership transfer.
func (m *Manager) CookieJar() http.CookieJar {
	return m.jar
}

// Close releases the cached connection, if any, and discards the TLS
// credentials. The cookie jar is untouched.
func (m *Manager) Close() error {
	var err error
	if m.conn != nil {
		err = m.release(m.conn)
	}
	m.creds = nil
	return err
}

// Request obtains a response for the request against (host, port), reusing
// the cached connection when possible. Dispatch differs by secure: HTTPS
// selects the protocol via TLS-ALPN, plain HTTP by manager configuration.
func (m *Manager) Request(ctx context.Context, secure bool, host string, port int, req *message.Request) (*message.Response, error) {
	if req == nil {
		return nil, errors.NewValidationError("request cannot be nil")
	}
	if host == "" {
		return nil, errors.NewValidationError("host cannot be empty")
	}
	// A non-idempotent request that failed mid-stream could have been
	// processed by the peer before the failure, so it must never cross the
	// reuse/evict/retry cycle. Rejected up front, before any connect.
	if !req.IsIdempotent() {
		return nil, errors.NewValidationError("non-idempotent method not supported: " + req.Method)
	}

	if secure {
		return m.secureRequest(ctx, host, port, req)
	}
	return m.plainRequest(ctx, host, port, req)
}

// find looks up the cached connection. The destination is deliberately
// ignored: the manager caches exactly one connection and serves whatever is
// there, which is valid for a client that talks to one origin per manager.
func (m *Manager) find(host string, port int) conn.Conn {
	_ = host
	_ = port
	return m.conn
}

// release detaches the connection from the cache slot and closes it. The
// connection must be the currently-cached one.
func (m *Manager) release(c conn.Conn) error {
	if m.conn != c {
		panic("manager: releasing a connection that is not cached")
	}
	m.conn = nil
	return c.Release()
}

// reuse attempts the request on the cached connection. A nil result is not
// an error: it means the caller should establish a fresh connection. When
// the cached connection rejects the stream or yields no initial response it
// is evicted here, leaving the cache slot empty.
func (m *Manager) reuse(host string, port int, req *message.Request) *message.Response {
	c := m.find(host, port)
	if c == nil {
		return nil
	}

	stream, err := c.OpenStream(req)
	if err == nil {
		resp, rerr := stream.ReadResponse()
		if rerr == nil {
			return resp
		}
		stream.Close()
		m.logger.Logf(logging.Debug, "cached connection produced no response: %v", rerr)
	} else {
		m.logger.Logf(logging.Debug, "cached connection rejected stream: %v", err)
	}

	// Get rid of the closing or reset connection.
	m.release(c)
	return nil
}

func (m *Manager) secureRequest(ctx context.Context, host string, port int, req *message.Request) (*message.Response, error) {
	if m.creds == nil && m.conn != nil {
		// Switch from HTTP to HTTPS not implemented.
		return nil, errors.NewSchemeError("manager is bound to plain HTTP")
	}

	if m.creds == nil {
		creds, err := tlsconfig.New(m.opts.Credentials)
		if err != nil {
			return nil, errors.NewAllocationError("creating TLS credentials", err)
		}
		m.creds = creds
	}

	if resp := m.reuse(host, port, req); resp != nil {
		resp.Reused = true
		return resp, nil
	}

	if port == 0 {
		port = 443
	}

	// TLS-ALPN decides between "h2" and "http/1.1"; the offer list drops
	// "h2" entirely when HTTP/2 is disabled for this attempt.
	alpn := []string{"h2", "http/1.1"}
	if m.opts.DisableHTTP2 {
		alpn = alpn[1:]
	}

	timer := timing.NewTimer()
	var (
		raw        net.Conn
		negotiated string
		err        error
	)
	if proxyURL := m.finder.Find(host, port, true); proxyURL != nil {
		m.logger.Logf(logging.Debug, "connecting to %s:%d through proxy %s", host, port, proxyURL.Redacted())
		raw, negotiated, err = m.tunneler.Connect(ctx, m.creds, proxyURL, host, port, alpn, timer)
	} else {
		raw, negotiated, err = m.dialer.ConnectTLS(ctx, m.creds, m.transportConfig(host, port), alpn, timer)
	}
	if err != nil {
		m.logger.Logf(logging.Error, "secure connect to %s:%d failed: %v", host, port, err)
		return nil, err
	}

	// ALPN result decides the wrapper. An explicitly negotiated "http/1.1"
	// and no negotiation at all both take the HTTP/1.1 path; a tunnel is
	// never proxied from the framing perspective.
	var c conn.Conn
	if negotiated == "h2" {
		c, err = m.newH2(raw, "https")
	} else {
		c, err = m.newH1(raw, false)
	}
	if err != nil {
		raw.Close()
		return nil, errors.NewAllocationError("wrapping secure connection", err)
	}

	m.conn = c
	m.logger.Logf(logging.Debug, "established %s connection to %s:%d", c.Protocol(), host, port)

	timer.StartTTFB()
	resp := m.reuse(host, port, req)
	if resp == nil {
		return nil, errors.NewStreamError(host, port, nil)
	}
	timer.EndTTFB()
	resp.Timings = timer.GetMetrics()
	return resp, nil
}

func (m *Manager) plainRequest(ctx context.Context, host string, port int, req *message.Request) (*message.Response, error) {
	if m.creds != nil && m.conn != nil {
		// Switch from HTTPS to HTTP not implemented.
		return nil, errors.NewSchemeError("manager is bound to HTTPS")
	}

	if resp := m.reuse(host, port, req); resp != nil {
		resp.Reused = true
		return resp, nil
	}

	if port == 0 {
		port = 80
	}

	timer := timing.NewTimer()
	var (
		raw     net.Conn
		proxied bool
		err     error
	)
	if proxyURL := m.finder.Find(host, port, false); proxyURL != nil {
		cfg, perr := proxy.Parse(proxyURL)
		if perr != nil {
			m.logger.Logf(logging.Error, "unusable proxy URL for %s:%d: %v", host, port, perr)
			return nil, perr
		}
		m.logger.Logf(logging.Debug, "connecting to %s:%d through proxy %s:%d", host, port, cfg.Host, cfg.Port)
		raw, err = m.dialer.ConnectPlain(ctx, m.transportConfig(cfg.Host, cfg.Port), timer)
		proxied = true
	} else {
		raw, err = m.dialer.ConnectPlain(ctx, m.transportConfig(host, port), timer)
	}
	if err != nil {
		m.logger.Logf(logging.Error, "connect to %s:%d failed: %v", host, port, err)
		return nil, err
	}

	// Cleartext protocol choice is configuration, not negotiation.
	var c conn.Conn
	if m.opts.PreferCleartextHTTP2 {
		c, err = m.newH2(raw, "http")
	} else {
		c, err = m.newH1(raw, proxied)
	}
	if err != nil {
		raw.Close()
		return nil, errors.NewAllocationError("wrapping connection", err)
	}

	m.conn = c
	m.logger.Logf(logging.Debug, "established %s connection to %s:%d", c.Protocol(), host, port)

	timer.StartTTFB()
	resp := m.reuse(host, port, req)
	if resp == nil {
		return nil, errors.NewStreamError(host, port, nil)
	}
	timer.EndTTFB()
	resp.Timings = timer.GetMetrics()
	return resp, nil
}

func (m *Manager) transportConfig(host string, port int) transport.Config {
	return transport.Config{
		Host:        host,
		Port:        port,
		ConnTimeout: m.opts.ConnTimeout,
		DNSTimeout:  m.opts.DNSTimeout,
	}
}
