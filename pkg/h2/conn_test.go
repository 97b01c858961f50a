package h2

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/conn"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
)

// testServer drives the server side of a pipe. To keep the synchronous pipe
// deadlock-free it only ever writes in reaction to a request HEADERS frame,
// and otherwise keeps reading.
type testServer struct {
	conn   net.Conn
	framer *http2.Framer
	enc    *hpack.Encoder
	encBuf bytes.Buffer

	headers chan *http2.MetaHeadersFrame
}

func startServer(t *testing.T, server net.Conn, respond func(s *testServer, f *http2.MetaHeadersFrame)) *testServer {
	t.Helper()

	s := &testServer{
		conn:    server,
		framer:  http2.NewFramer(server, server),
		headers: make(chan *http2.MetaHeadersFrame, 4),
	}
	s.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	s.enc = hpack.NewEncoder(&s.encBuf)

	go func() {
		preface := make([]byte, len(ClientPreface))
		if _, err := io.ReadFull(server, preface); err != nil {
			return
		}
		for {
			frame, err := s.framer.ReadFrame()
			if err != nil {
				return
			}
			if mh, ok := frame.(*http2.MetaHeadersFrame); ok {
				select {
				case s.headers <- mh:
				default:
				}
				respond(s, mh)
			}
		}
	}()

	return s
}

func (s *testServer) writeHeaders(streamID uint32, endStream bool, fields ...hpack.HeaderField) {
	s.encBuf.Reset()
	for _, f := range fields {
		s.enc.WriteField(f)
	}
	s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.encBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

func (s *testServer) writeResponse(streamID uint32, status string, body []byte, extra ...hpack.HeaderField) {
	s.encBuf.Reset()
	s.enc.WriteField(hpack.HeaderField{Name: ":status", Value: status})
	for _, f := range extra {
		s.enc.WriteField(f)
	}
	s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.encBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     len(body) == 0,
	})
	if len(body) > 0 {
		s.framer.WriteData(streamID, true, body)
	}
}

func testOptions() Options {
	o := DefaultOptions()
	o.ReadTimeout = 5 * time.Second
	return o
}

func TestExchange(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.writeResponse(f.StreamID, "200", []byte("hello"),
			hpack.HeaderField{Name: "content-type", Value: "text/plain"})
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	if c.Protocol() != conn.ProtocolHTTP2 {
		t.Errorf("protocol = %v, want HTTP/2", c.Protocol())
	}
	if c.Proxied() {
		t.Error("HTTP/2 connections are never proxied at the framing level")
	}

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.HTTPVersion != "HTTP/2" {
		t.Errorf("version = %q, want HTTP/2", resp.HTTPVersion)
	}
	if resp.Header("Content-Type") != "text/plain" {
		t.Errorf("header keys should be canonicalized, got %v", resp.Headers)
	}
	if string(resp.Body.Bytes()) != "hello" {
		t.Errorf("body = %q, want hello", resp.Body.Bytes())
	}
}

func TestRequestPseudoHeaders(t *testing.T) {
	client, server := net.Pipe()
	srv := startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.writeResponse(f.StreamID, "204", nil)
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	req := message.NewRequest("GET", "example.test", "/path")
	req.SetHeader("Accept", "text/plain")
	req.SetHeader("Connection", "keep-alive") // connection-specific, must be dropped

	stream, err := c.OpenStream(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := stream.ReadResponse(); err != nil {
		t.Fatalf("read response: %v", err)
	}

	mh := <-srv.headers
	fields := make(map[string]string)
	for _, f := range mh.Fields {
		fields[f.Name] = f.Value
	}

	for name, want := range map[string]string{
		":method":    "GET",
		":scheme":    "https",
		":authority": "example.test",
		":path":      "/path",
		"accept":     "text/plain",
	} {
		if fields[name] != want {
			t.Errorf("field %s = %q, want %q", name, fields[name], want)
		}
	}
	if _, ok := fields["connection"]; ok {
		t.Error("connection-specific headers must not be sent over HTTP/2")
	}
}

func TestMultiplexedStreams(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.writeResponse(f.StreamID, "200", []byte("ok"))
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	s1, err := c.OpenStream(message.NewRequest("GET", "example.test", "/a"))
	if err != nil {
		t.Fatalf("open stream 1: %v", err)
	}
	s2, err := c.OpenStream(message.NewRequest("GET", "example.test", "/b"))
	if err != nil {
		t.Fatalf("open stream 2: %v", err)
	}

	r1, err := s1.ReadResponse()
	if err != nil {
		t.Fatalf("stream 1 response: %v", err)
	}
	defer r1.Close()
	r2, err := s2.ReadResponse()
	if err != nil {
		t.Fatalf("stream 2 response: %v", err)
	}
	defer r2.Close()

	if r1.StatusCode != 200 || r2.StatusCode != 200 {
		t.Errorf("statuses = %d, %d, want 200, 200", r1.StatusCode, r2.StatusCode)
	}
}

func TestResponseTrailers(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		// Off the read loop so the client's window updates keep draining
		// between the response frames.
		go func() {
			s.writeHeaders(f.StreamID, false, hpack.HeaderField{Name: ":status", Value: "200"})
			s.framer.WriteData(f.StreamID, false, []byte("hello"))
			s.writeHeaders(f.StreamID, true, hpack.HeaderField{Name: "x-checksum", Value: "abc123"})
		}()
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body.Bytes()) != "hello" {
		t.Errorf("body = %q, want hello", resp.Body.Bytes())
	}
	if resp.Header("X-Checksum") != "abc123" {
		t.Errorf("trailers should be folded into the headers, got %v", resp.Headers)
	}
}

func TestInterimResponseSkipped(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.writeHeaders(f.StreamID, false, hpack.HeaderField{Name: ":status", Value: "103"},
			hpack.HeaderField{Name: "link", Value: "</style.css>; rel=preload"})
		s.writeHeaders(f.StreamID, true, hpack.HeaderField{Name: ":status", Value: "204"})
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != 204 {
		t.Errorf("status = %d, want the final 204", resp.StatusCode)
	}
	if resp.Header("Link") != "" {
		t.Error("interim response fields must not leak into the final response")
	}
}

func TestStreamReset(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.framer.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream)
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := stream.ReadResponse(); err == nil {
		t.Error("a reset stream must not produce a response")
	}
}

func TestGoAwayDrainsConnection(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {
		s.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Release()

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := stream.ReadResponse(); err == nil {
		t.Fatal("streams above the GOAWAY watermark must fail")
	}

	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("a draining connection must reject new streams")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	startServer(t, server, func(s *testServer, f *http2.MetaHeadersFrame) {})

	c, err := New(client, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("released connection must reject streams")
	}
}
