package h1

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/conn"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
)

// serve reads one request from the server side of a pipe and writes the
// canned response, returning the raw request text.
func serve(t *testing.T, server net.Conn, response string, closeAfter bool) <-chan string {
	t.Helper()
	got := make(chan string, 1)

	go func() {
		defer func() {
			if closeAfter {
				server.Close()
			}
		}()

		reader := bufio.NewReader(server)
		var req strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				got <- req.String()
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		got <- req.String()

		// The write fails when the client abandons the exchange; that is
		// the client's business, not a test failure.
		io.WriteString(server, response)
	}()

	return got
}

func testOptions() Options {
	return Options{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
}

func TestExchange(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	got := serve(t, server,
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello", false)

	c, err := New(client, false, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Protocol() != conn.ProtocolHTTP1 {
		t.Errorf("protocol = %v, want HTTP/1.1", c.Protocol())
	}

	req := message.NewRequest("GET", "example.test", "/index.html")
	req.SetHeader("Accept", "text/plain")

	stream, err := c.OpenStream(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	raw := <-got
	if !strings.HasPrefix(raw, "GET /index.html HTTP/1.1\r\n") {
		t.Errorf("request line wrong:\n%s", raw)
	}
	if !strings.Contains(raw, "Host: example.test\r\n") {
		t.Errorf("missing Host header:\n%s", raw)
	}
	if !strings.Contains(raw, "Accept: text/plain\r\n") {
		t.Errorf("missing Accept header:\n%s", raw)
	}

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.HTTPVersion != "HTTP/1.1" {
		t.Errorf("version = %q, want HTTP/1.1", resp.HTTPVersion)
	}
	if resp.Header("Content-Type") != "text/plain" {
		t.Errorf("content-type = %q", resp.Header("Content-Type"))
	}
	if string(resp.Body.Bytes()) != "hello" {
		t.Errorf("body = %q, want hello", resp.Body.Bytes())
	}
}

func TestProxiedRequestUsesAbsoluteForm(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	got := serve(t, server, "HTTP/1.1 204 No Content\r\n\r\n", false)

	c, err := New(client, true, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !c.Proxied() {
		t.Error("connection should report proxied")
	}

	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/path"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	raw := <-got
	if !strings.HasPrefix(raw, "GET http://example.test/path HTTP/1.1\r\n") {
		t.Errorf("proxied request must use absolute-form target:\n%s", raw)
	}
}

func TestChunkedBodyWithTrailer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serve(t, server,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Check: done\r\n\r\n", false)

	c, _ := New(client, false, testOptions())
	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if string(resp.Body.Bytes()) != "hello world" {
		t.Errorf("body = %q, want %q", resp.Body.Bytes(), "hello world")
	}
	if resp.Header("X-Check") != "done" {
		t.Error("trailer should be folded into the headers")
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serve(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n", false)

	c, _ := New(client, false, testOptions())
	stream, err := c.OpenStream(message.NewRequest("HEAD", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if resp.BodyBytes != 0 {
		t.Errorf("HEAD response must carry no body, got %d bytes", resp.BodyBytes)
	}
	if resp.ContentLength() != 1234 {
		t.Errorf("content-length = %d, want 1234", resp.ContentLength())
	}
}

func TestConnectionCloseMarksNotReusable(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serve(t, server,
		"HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok", false)

	c, _ := New(client, false, testOptions())
	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Close()

	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("connection with Connection: close must reject further streams")
	}
}

func TestReadUntilCloseConsumesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serve(t, server, "HTTP/1.1 200 OK\r\n\r\nunbounded", true)

	c, _ := New(client, false, testOptions())
	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	resp, err := stream.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Close()

	if string(resp.Body.Bytes()) != "unbounded" {
		t.Errorf("body = %q, want unbounded", resp.Body.Bytes())
	}
	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("EOF-delimited response must consume the connection")
	}
}

func TestAbandonedStreamPoisonsConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serve(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", false)

	c, _ := New(client, false, testOptions())
	stream, err := c.OpenStream(message.NewRequest("GET", "example.test", "/"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	stream.Close() // abandoned before the response was read

	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("abandoning an exchange must poison the connection")
	}
}

func TestReleaseRejectsFurtherStreams(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c, _ := New(client, false, testOptions())
	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := c.OpenStream(message.NewRequest("GET", "example.test", "/")); err == nil {
		t.Error("released connection must reject streams")
	}
}

func TestContentLengthAddedForBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	got := serve(t, server, "HTTP/1.1 204 No Content\r\n\r\n", false)

	c, _ := New(client, false, testOptions())
	req := message.NewRequest("PUT", "example.test", "/item")
	req.Body = []byte("payload")

	stream, err := c.OpenStream(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := stream.ReadResponse(); err != nil {
		t.Fatalf("read response: %v", err)
	}

	raw := <-got
	if !strings.Contains(raw, "Content-Length: 7\r\n") {
		t.Errorf("Content-Length should be derived from the body:\n%s", raw)
	}
}
