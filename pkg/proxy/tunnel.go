package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/timing"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/transport"
)

// Tunneler establishes TLS sessions to origins through an HTTP CONNECT
// proxy: it connects to the proxy, issues CONNECT, then runs the origin TLS
// handshake (with ALPN) over the tunnel. The tunnel is transparent to the
// protocol layer above it.
type Tunneler struct {
	transport *transport.Transport
	logger    logging.Logger
}

// NewTunneler creates a Tunneler using the given transport for the proxy hop.
func NewTunneler(tr *transport.Transport, logger logging.Logger) *Tunneler {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Tunneler{transport: tr, logger: logger}
}

// Connect tunnels to host:port through the proxy and performs the origin TLS
// handshake offering the given ALPN list. It returns the tunneled connection
// and the negotiated ALPN protocol ("" if the origin does not support ALPN).
func (t *Tunneler) Connect(ctx context.Context, creds *tls.Config, proxyURL *url.URL, host string, port int, alpn []string, timer *timing.Timer) (net.Conn, string, error) {
	cfg, err := Parse(proxyURL)
	if err != nil {
		return nil, "", err
	}
	if timer == nil {
		timer = timing.NewTimer()
	}

	raw, err := t.transport.ConnectPlain(ctx, transport.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	}, timer)
	if err != nil {
		return nil, "", err
	}

	// TLS to the proxy itself, without ALPN: the origin handshake follows
	// inside the tunnel.
	if cfg.Scheme == "https" {
		proxyTLS := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		tlsConn := tls.Client(raw, proxyTLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, "", errors.NewConnectError(cfg.Host, cfg.Port, err)
		}
		raw = tlsConn
	}

	tunneled, err := t.connectRequest(ctx, raw, cfg, host, port)
	if err != nil {
		raw.Close()
		return nil, "", err
	}

	// Origin handshake over the tunnel.
	timer.StartTLS()
	defer timer.EndTLS()

	originTLS := creds.Clone()
	originTLS.NextProtos = alpn
	if originTLS.ServerName == "" {
		originTLS.ServerName = host
	}

	tlsConn := tls.Client(tunneled, originTLS)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tunneled.Close()
		return nil, "", errors.NewConnectError(host, port, err)
	}

	negotiated := tlsConn.ConnectionState().NegotiatedProtocol
	t.logger.Logf(logging.Debug, "tunneled to %s:%d via %s:%d (ALPN %q)",
		host, port, cfg.Host, cfg.Port, negotiated)
	return tlsConn, negotiated, nil
}

// connectRequest issues the CONNECT exchange on an established proxy
// connection and returns the connection ready for tunneled traffic.
func (t *Tunneler) connectRequest(ctx context.Context, conn net.Conn, cfg *Config, host string, port int) (net.Conn, error) {
	authority := net.JoinHostPort(host, strconv.Itoa(port))

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: authority},
		Host:       authority,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		return nil, errors.NewIOError("writing CONNECT request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, errors.NewProtocolError("reading CONNECT response", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewProxyError("proxy refused CONNECT: "+resp.Status, nil)
	}

	// Keep any bytes the proxy response left in the buffered reader.
	return &bufferedConn{Conn: conn, reader: br}, nil
}

// bufferedConn wraps a net.Conn with the bufio.Reader used to parse the
// CONNECT response, so no tunneled bytes are lost.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}
