package h2

import (
	"bytes"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/conn"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/logging"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
)

// ClientPreface is the fixed byte sequence opening every HTTP/2 connection.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Conn is a multiplexed HTTP/2 connection. Frame demultiplexing runs on a
// background goroutine owned by the connection; the manager above treats the
// whole thing as an opaque resource.
type Conn struct {
	raw    net.Conn
	opts   Options
	logger logging.Logger

	// writeMu serializes all frame writes, including those issued from the
	// read loop (SETTINGS acks, PING replies, WINDOW_UPDATE).
	writeMu sync.Mutex
	framer  *http2.Framer
	encoder *hpack.Encoder
	encBuf  *bytes.Buffer

	mu           sync.Mutex
	streams      map[uint32]*stream
	nextStreamID uint32
	goAway       bool
	closed       bool

	readDone chan struct{}
}

// New wraps an established transport connection: it writes the client
// preface and initial SETTINGS, then starts the frame demux loop. Used for
// both TLS-negotiated "h2" and cleartext "h2c" (prior knowledge) transports.
func New(raw net.Conn, opts Options) (*Conn, error) {
	if raw == nil {
		return nil, errors.NewAllocationError("nil transport connection", nil)
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.InitialWindowSize == 0 {
		opts = fillDefaults(opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}

	c := &Conn{
		raw:          raw,
		opts:         opts,
		logger:       logger,
		framer:       http2.NewFramer(raw, raw),
		encBuf:       &bytes.Buffer{},
		streams:      make(map[uint32]*stream),
		nextStreamID: 1, // client streams use odd IDs
		readDone:     make(chan struct{}),
	}
	c.encoder = hpack.NewEncoder(c.encBuf)
	c.encoder.SetMaxDynamicTableSize(opts.HeaderTableSize)
	c.framer.ReadMetaHeaders = hpack.NewDecoder(opts.HeaderTableSize, nil)
	c.framer.MaxHeaderListSize = opts.MaxHeaderListSize

	if _, err := raw.Write([]byte(ClientPreface)); err != nil {
		return nil, errors.NewAllocationError("writing HTTP/2 preface", err)
	}

	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return nil, errors.NewAllocationError("writing initial settings", err)
	}
	if opts.InitialWindowSize > 65535 {
		if err := c.framer.WriteWindowUpdate(0, opts.InitialWindowSize-65535); err != nil {
			return nil, errors.NewAllocationError("widening connection window", err)
		}
	}

	go c.readLoop()
	return c, nil
}

func fillDefaults(opts Options) Options {
	d := DefaultOptions()
	d.Scheme = opts.Scheme
	d.BodyMemLimit = opts.BodyMemLimit
	d.Logger = opts.Logger
	if opts.ReadTimeout > 0 {
		d.ReadTimeout = opts.ReadTimeout
	}
	return d
}

// Protocol implements conn.Conn.
func (c *Conn) Protocol() conn.Protocol { return conn.ProtocolHTTP2 }

// Proxied implements conn.Conn. HTTP/2 never frames for a forward proxy: any
// proxy hop is a transparent tunnel below this layer.
func (c *Conn) Proxied() bool { return false }

// OpenStream encodes and writes the request on a fresh stream.
func (c *Conn) OpenStream(req *message.Request) (conn.Stream, error) {
	c.mu.Lock()
	if c.closed || c.goAway {
		c.mu.Unlock()
		return nil, errors.NewStreamError(req.Host, 0, errors.NewValidationError("connection closed or draining"))
	}
	if c.nextStreamID > 1<<31-1 {
		c.mu.Unlock()
		return nil, errors.NewStreamError(req.Host, 0, errors.NewValidationError("stream IDs exhausted"))
	}
	id := c.nextStreamID
	c.nextStreamID += 2

	s := newStream(c, id)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeRequest(id, req); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, errors.NewStreamError(req.Host, 0, err)
	}

	return s, nil
}

func (c *Conn) writeRequest(id uint32, req *message.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.encBuf.Reset()
	c.writeField(":method", req.Method)
	c.writeField(":scheme", c.opts.Scheme)
	c.writeField(":authority", req.Host)
	if req.Method != "CONNECT" {
		target := req.Target
		if target == "" {
			target = "/"
		}
		c.writeField(":path", target)
	}
	for key, values := range req.Headers {
		name := strings.ToLower(key)
		switch name {
		case "host", "connection", "keep-alive", "transfer-encoding", "upgrade":
			continue // connection-specific, not valid in HTTP/2
		}
		for _, v := range values {
			c.writeField(name, v)
		}
	}

	endStream := len(req.Body) == 0
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.encBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}); err != nil {
		return err
	}

	// Request bodies here are small; the peer's send window is not tracked.
	body := req.Body
	max := int(c.opts.MaxFrameSize)
	for len(body) > 0 {
		chunk := body
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		body = body[len(chunk):]
		if err := c.framer.WriteData(id, len(body) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeField(name, value string) {
	c.encoder.WriteField(hpack.HeaderField{Name: name, Value: value})
}

// Release implements conn.Conn: it announces GOAWAY, closes the transport,
// and fails every pending stream.
func (c *Conn) Release() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	c.writeMu.Unlock()

	err := c.raw.Close()
	<-c.readDone
	return err
}

// readLoop demultiplexes incoming frames to their streams. It owns the read
// half of the connection and exits when the transport fails or closes.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.failAll(errors.NewIOError("reading frame", err))
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)

		case *http2.DataFrame:
			c.handleData(f)

		case *http2.SettingsFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.framer.WriteSettingsAck()
				c.writeMu.Unlock()
			}

		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.framer.WritePing(true, f.Data)
				c.writeMu.Unlock()
			}

		case *http2.RSTStreamFrame:
			if s := c.lookup(f.StreamID); s != nil {
				s.fail(errors.NewStreamError("", 0, errors.NewProtocolError("stream reset by peer", nil)))
			}

		case *http2.GoAwayFrame:
			c.logger.Logf(logging.Debug, "GOAWAY received (last stream %d, code %v)", f.LastStreamID, f.ErrCode)
			c.mu.Lock()
			c.goAway = true
			pending := make([]*stream, 0, len(c.streams))
			for id, s := range c.streams {
				if id > f.LastStreamID {
					pending = append(pending, s)
				}
			}
			c.mu.Unlock()
			for _, s := range pending {
				s.fail(errors.NewStreamError("", 0, errors.NewProtocolError("connection shutting down", nil)))
			}

		case *http2.WindowUpdateFrame, *http2.PushPromiseFrame:
			// Push is disabled and the send window is not tracked.

		default:
		}
	}
}

func (c *Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	s := c.lookup(f.StreamID)
	if s == nil {
		return
	}

	headers := make(map[string][]string)
	status := 0
	for _, field := range f.Fields {
		if field.Name == ":status" {
			status = parseStatus(field.Value)
			continue
		}
		if strings.HasPrefix(field.Name, ":") {
			continue
		}
		key := canonicalKey(field.Name)
		headers[key] = append(headers[key], field.Value)
	}

	// A second HEADERS frame on the stream carries trailers; fold them into
	// the response headers like the HTTP/1.1 layer does for chunked trailers.
	if s.hasFinalHeaders() {
		s.appendTrailers(headers)
		if f.StreamEnded() {
			s.complete()
		}
		return
	}

	if status == 0 {
		s.fail(errors.NewStreamError("", 0, errors.NewProtocolError("response missing :status", nil)))
		return
	}

	// Interim responses (1xx) precede the final HEADERS.
	if status < 200 {
		if f.StreamEnded() {
			s.fail(errors.NewStreamError("", 0, errors.NewProtocolError("stream ended on interim response", nil)))
		}
		return
	}

	s.setHeaders(status, headers, f.StreamEnded())
}

func (c *Conn) handleData(f *http2.DataFrame) {
	s := c.lookup(f.StreamID)
	if s == nil {
		return
	}

	data := f.Data()
	if len(data) > 0 {
		if err := s.appendBody(data); err != nil {
			s.fail(err)
			return
		}
		// Refill both flow-control windows immediately.
		c.writeMu.Lock()
		c.framer.WriteWindowUpdate(0, uint32(len(data)))
		c.framer.WriteWindowUpdate(f.StreamID, uint32(len(data)))
		c.writeMu.Unlock()
	}

	if f.StreamEnded() {
		s.complete()
	}
}

func (c *Conn) lookup(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Conn) forget(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	pending := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		pending = append(pending, s)
	}
	c.goAway = true
	c.mu.Unlock()

	for _, s := range pending {
		s.fail(err)
	}
}

func parseStatus(v string) int {
	status := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return 0
		}
		status = status*10 + int(ch-'0')
	}
	return status
}

func canonicalKey(lower string) string {
	// hpack field names arrive lowercase; canonicalize to match the
	// HTTP/1.1 layer's header maps.
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
