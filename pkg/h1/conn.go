// Package h1 implements the HTTP/1.1 connection variant: one sequential
// request/response exchange at a time over a single transport connection.
package h1

import (
	"bufio"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/buffer"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/conn"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
)

const (
	maxHeaderBytes = 64 * 1024

	// maxContentLength guards against absurd Content-Length values.
	maxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Options configures an HTTP/1.1 connection.
type Options struct {
	BodyMemLimit int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       logging.Logger
}

// Conn is a sequential HTTP/1.1 connection over one transport socket.
type Conn struct {
	raw     net.Conn
	reader  *bufio.Reader
	proxied bool
	opts    Options

	busy     bool // an exchange is in flight
	reusable bool // keep-alive still possible
	closed   bool
}

// New wraps an established transport connection. The proxied flag selects
// absolute-form request targets, as required when talking through a forward
// proxy rather than an origin (a CONNECT tunnel is not proxied in this
// sense: the tunnel is transparent).
func New(raw net.Conn, proxied bool, opts Options) (*Conn, error) {
	if raw == nil {
		return nil, errors.NewAllocationError("nil transport connection", nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger{}
	}
	return &Conn{
		raw:      raw,
		reader:   bufio.NewReader(raw),
		proxied:  proxied,
		opts:     opts,
		reusable: true,
	}, nil
}

// Protocol implements conn.Conn.
func (c *Conn) Protocol() conn.Protocol { return conn.ProtocolHTTP1 }

// Proxied implements conn.Conn.
func (c *Conn) Proxied() bool { return c.proxied }

// OpenStream writes the request and returns the stream for its response.
// HTTP/1.1 allows a single exchange at a time; an error here signals the
// connection is no longer usable.
func (c *Conn) OpenStream(req *message.Request) (conn.Stream, error) {
	if c.closed {
		return nil, errors.NewStreamError(req.Host, 0, errors.NewValidationError("connection released"))
	}
	if !c.reusable {
		return nil, errors.NewStreamError(req.Host, 0, errors.NewValidationError("connection not reusable"))
	}
	if c.busy {
		return nil, errors.NewStreamError(req.Host, 0, errors.NewValidationError("exchange already in flight"))
	}

	if err := c.writeRequest(req); err != nil {
		c.reusable = false
		return nil, err
	}

	c.busy = true
	return &stream{conn: c, req: req}, nil
}

// Release implements conn.Conn. It closes the underlying transport.
func (c *Conn) Release() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.reusable = false
	return c.raw.Close()
}

func (c *Conn) writeRequest(req *message.Request) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return errors.NewIOError("setting write deadline", err)
		}
		defer c.raw.SetWriteDeadline(time.Time{})
	}

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(c.requestTarget(req))
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(req.Host)
	b.WriteString("\r\n")

	hasLength := false
	for key, values := range req.Headers {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if canon == "Host" {
			continue
		}
		if canon == "Content-Length" {
			hasLength = true
		}
		for _, v := range values {
			b.WriteString(canon)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	if len(req.Body) > 0 && !hasLength {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(req.Body)))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	out := append([]byte(b.String()), req.Body...)

	written := 0
	for written < len(out) {
		n, err := c.raw.Write(out[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}
	return nil
}

// requestTarget returns the request-line target: absolute-form when framed
// for a forward proxy, origin-form otherwise.
func (c *Conn) requestTarget(req *message.Request) string {
	target := req.Target
	if target == "" {
		target = "/"
	}
	if c.proxied && req.Method != "CONNECT" {
		return "http://" + req.Host + target
	}
	return target
}

// stream is the single in-flight HTTP/1.1 exchange.
type stream struct {
	conn *Conn
	req  *message.Request
	done bool
}

// ReadResponse implements conn.Stream.
func (s *stream) ReadResponse() (*message.Response, error) {
	if s.done {
		return nil, errors.NewStreamError(s.req.Host, 0, errors.NewValidationError("response already consumed"))
	}
	s.done = true

	resp, err := s.conn.readResponse(s.req)
	s.conn.busy = false
	if err != nil {
		s.conn.reusable = false
		return nil, err
	}
	return resp, nil
}

// Close implements conn.Stream. Abandoning an exchange before its response
// was fully read leaves unread bytes on the socket, so the connection cannot
// be reused afterwards.
func (s *stream) Close() error {
	if !s.done {
		s.conn.busy = false
		s.conn.reusable = false
	}
	return nil
}

func (c *Conn) readResponse(req *message.Request) (*message.Response, error) {
	if c.opts.ReadTimeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return nil, errors.NewIOError("setting read deadline", err)
		}
		defer c.raw.SetReadDeadline(time.Time{})
	}

	statusLine, err := c.readLine()
	if err != nil {
		return nil, errors.NewProtocolError("reading status line", err)
	}

	resp := &message.Response{
		StatusLine: statusLine,
		Headers:    make(map[string][]string),
		Body:       buffer.New(c.opts.BodyMemLimit),
	}
	if err := parseStatusLine(statusLine, resp); err != nil {
		return nil, err
	}

	headers, err := c.readHeaders()
	if err != nil {
		return nil, err
	}
	resp.Headers = headers

	if err := c.readBody(req, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.BodyBytes = resp.Body.Size()

	c.updateReusability(resp)
	return resp, nil
}

func (c *Conn) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func parseStatusLine(statusLine string, resp *message.Response) error {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return errors.NewProtocolError("invalid status line format", nil)
	}

	if !strings.HasPrefix(parts[0], "HTTP/") {
		return errors.NewProtocolError("invalid HTTP version: "+parts[0], nil)
	}
	resp.HTTPVersion = parts[0]

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.NewProtocolError("invalid status code", err)
	}
	resp.StatusCode = code
	return nil
}

func (c *Conn) readHeaders() (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	var lastKey string

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		// Header continuation (RFC 7230 Section 3.2.4)
		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + " " + strings.TrimSpace(trimmed)
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

func (c *Conn) readBody(req *message.Request, resp *message.Response) error {
	if !responseHasBody(req, resp) {
		return nil
	}

	transferEncoding := resp.Header("Transfer-Encoding")
	contentLength := resp.Header("Content-Length")

	switch {
	case strings.Contains(strings.ToLower(transferEncoding), "chunked"):
		return c.readChunkedBody(resp)
	case contentLength != "":
		length, err := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64)
		if err != nil {
			return errors.NewProtocolError("invalid content-length", err)
		}
		if length < 0 {
			return errors.NewProtocolError("negative content-length not allowed", nil)
		}
		if length > maxContentLength {
			return errors.NewProtocolError("content-length too large", nil)
		}
		return c.readFixedBody(length, resp)
	default:
		return c.readUntilClose(resp)
	}
}

func responseHasBody(req *message.Request, resp *message.Response) bool {
	if strings.ToUpper(req.Method) == "HEAD" {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode == 204 || resp.StatusCode == 304 {
		return false
	}
	return true
}

func (c *Conn) readChunkedBody(resp *message.Response) error {
	tp := textproto.NewReader(c.reader)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk size", err)
		}

		size, err := strconv.ParseInt(strings.TrimSpace(strings.Split(line, ";")[0]), 16, 64)
		if err != nil {
			return errors.NewProtocolError("invalid chunk size", err)
		}

		if size == 0 {
			break
		}

		if _, err := io.CopyN(resp.Body, tp.R, size); err != nil {
			return errors.NewIOError("reading chunk body", err)
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return errors.NewIOError("reading chunk CRLF", err)
		}
	}

	// Trailers are folded into the response headers.
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
			value := strings.TrimSpace(parts[1])
			resp.Headers[key] = append(resp.Headers[key], value)
		}
	}

	return nil
}

func (c *Conn) readFixedBody(length int64, resp *message.Response) error {
	if length <= 0 {
		return nil
	}
	if _, err := io.CopyN(resp.Body, c.reader, length); err != nil {
		return errors.NewIOError("reading fixed body", err)
	}
	return nil
}

func (c *Conn) readUntilClose(resp *message.Response) error {
	// Delimiting by EOF consumes the connection.
	c.reusable = false
	if _, err := io.Copy(resp.Body, c.reader); err != nil && err != io.EOF {
		return errors.NewIOError("reading until close", err)
	}
	return nil
}

// updateReusability records whether the peer allows another exchange on this
// connection.
func (c *Conn) updateReusability(resp *message.Response) {
	connection := strings.ToLower(resp.Header("Connection"))
	if strings.Contains(connection, "close") {
		c.reusable = false
		return
	}
	if resp.HTTPVersion == "HTTP/1.0" && !strings.Contains(connection, "keep-alive") {
		c.reusable = false
	}
}
