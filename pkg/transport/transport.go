// Package transport provides the low-level connect primitives: cancellable
// DNS resolution, TCP connects, and TLS handshakes with ALPN.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/timing"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/tlsconfig"
)

const (
	// DefaultConnTimeout bounds a single connect attempt when the caller's
	// context carries no deadline of its own.
	DefaultConnTimeout = 10 * time.Second

	// DefaultDNSTimeout bounds address resolution.
	DefaultDNSTimeout = 5 * time.Second
)

// Config holds per-connect configuration.
type Config struct {
	Host        string
	Port        int
	ConnectIP   string // dial this IP instead of resolving Host
	SNI         string // overrides Host as the TLS server name
	DisableSNI  bool
	ConnTimeout time.Duration
	DNSTimeout  time.Duration
}

// Transport performs network connects. All blocking calls honor the caller's
// context: cancellation interrupts DNS resolution, the TCP connect, and the
// TLS handshake.
type Transport struct {
	resolver *net.Resolver
	logger   logging.Logger
}

// New creates a new Transport instance.
func New(logger logging.Logger) *Transport {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Transport{
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

// NewWithResolver creates a new Transport with a custom resolver.
func NewWithResolver(resolver *net.Resolver, logger logging.Logger) *Transport {
	t := New(logger)
	t.resolver = resolver
	return t
}

// ConnectPlain establishes a cleartext TCP connection to the configured host
// and port.
func (t *Transport) ConnectPlain(ctx context.Context, config Config, timer *timing.Timer) (net.Conn, error) {
	if err := t.validateConfig(config); err != nil {
		return nil, err
	}
	if timer == nil {
		timer = timing.NewTimer()
	}

	dialAddr, err := t.resolveAddress(ctx, config, timer)
	if err != nil {
		return nil, errors.NewConnectError(config.Host, config.Port, err)
	}

	conn, err := t.connectTCP(ctx, dialAddr, config.ConnTimeout, timer)
	if err != nil {
		return nil, errors.NewConnectError(config.Host, config.Port, err)
	}

	t.logger.Logf(logging.Debug, "connected to %s", dialAddr)
	return conn, nil
}

// ConnectTLS establishes a TCP connection and performs a TLS handshake using
// the supplied client credentials, offering the given ALPN protocol list in
// order of preference. It returns the connection and the negotiated ALPN
// protocol; the protocol is "" when the peer does not support ALPN.
func (t *Transport) ConnectTLS(ctx context.Context, creds *tls.Config, config Config, alpn []string, timer *timing.Timer) (net.Conn, string, error) {
	if err := t.validateConfig(config); err != nil {
		return nil, "", err
	}
	if creds == nil {
		return nil, "", errors.NewValidationError("TLS credentials are required")
	}
	if timer == nil {
		timer = timing.NewTimer()
	}

	dialAddr, err := t.resolveAddress(ctx, config, timer)
	if err != nil {
		return nil, "", errors.NewConnectError(config.Host, config.Port, err)
	}

	conn, err := t.connectTCP(ctx, dialAddr, config.ConnTimeout, timer)
	if err != nil {
		return nil, "", errors.NewConnectError(config.Host, config.Port, err)
	}

	tlsConn, negotiated, err := t.handshake(ctx, conn, creds, config, alpn, timer)
	if err != nil {
		conn.Close()
		return nil, "", errors.NewConnectError(config.Host, config.Port, err)
	}

	t.logger.Logf(logging.Debug, "TLS established with %s (%s, ALPN %q)",
		dialAddr, tlsconfig.GetVersionName(tlsConn.ConnectionState().Version), negotiated)
	return tlsConn, negotiated, nil
}

func (t *Transport) validateConfig(config Config) error {
	if config.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	return nil
}

func (t *Transport) resolveAddress(ctx context.Context, config Config, timer *timing.Timer) (string, error) {
	// If ConnectIP is specified, use it directly
	if config.ConnectIP != "" {
		return net.JoinHostPort(config.ConnectIP, strconv.Itoa(config.Port)), nil
	}

	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := config.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = config.ConnTimeout
	}
	if dnsTimeout <= 0 {
		dnsTimeout = DefaultDNSTimeout
	}

	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := t.resolver.LookupIPAddr(ctxLookup, config.Host)
	if err != nil {
		return "", err
	}

	if len(addrs) == 0 {
		return "", errors.NewValidationError("no IP addresses found for " + config.Host)
	}

	// Use the first address
	ip := addrs[0].IP.String()
	return net.JoinHostPort(ip, strconv.Itoa(config.Port)), nil
}

func (t *Transport) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	if timeout <= 0 {
		timeout = DefaultConnTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", dialAddr)
}

func (t *Transport) handshake(ctx context.Context, raw net.Conn, creds *tls.Config, config Config, alpn []string, timer *timing.Timer) (*tls.Conn, string, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := config.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultConnTimeout
	}

	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// Clone so the caller's credentials stay untouched across connects.
	tlsConfig := creds.Clone()
	tlsConfig.NextProtos = alpn

	if !config.DisableSNI && tlsConfig.ServerName == "" {
		serverName := config.SNI
		if serverName == "" {
			serverName = config.Host
		}
		tlsConfig.ServerName = serverName
	}

	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, "", err
	}

	return tlsConn, tlsConn.ConnectionState().NegotiatedProtocol, nil
}
