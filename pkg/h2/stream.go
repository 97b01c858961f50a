package h2

import (
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/buffer"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
	"github.com/jellybeanjohnny/go-httpmgr/pkg/message"
)

// stream is one client-initiated HTTP/2 exchange. The read loop fills it in;
// ReadResponse waits for completion.
type stream struct {
	conn *Conn
	id   uint32

	mu      sync.Mutex
	status  int
	headers map[string][]string
	body    *buffer.Buffer
	err     error
	done    bool
	ready   chan struct{} // closed once the response (or an error) is final
	closed  bool
}

func newStream(c *Conn, id uint32) *stream {
	return &stream{
		conn:  c,
		id:    id,
		body:  buffer.New(c.opts.BodyMemLimit),
		ready: make(chan struct{}),
	}
}

// ReadResponse implements conn.Stream: it blocks until the read loop has
// assembled the complete response or failed the stream.
func (s *stream) ReadResponse() (*message.Response, error) {
	timeout := s.conn.opts.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-timer.C:
		s.fail(errors.NewTimeoutError("waiting for response", timeout))
		<-s.ready
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.forget(s.id)

	if s.err != nil {
		s.body.Close()
		return nil, s.err
	}

	return &message.Response{
		StatusCode:  s.status,
		HTTPVersion: "HTTP/2",
		Headers:     s.headers,
		Body:        s.body,
		BodyBytes:   s.body.Size(),
	}, nil
}

// Close implements conn.Stream: an abandoned exchange is reset so the peer
// stops sending.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	finished := s.done || s.err != nil
	s.mu.Unlock()

	s.conn.forget(s.id)
	if !finished {
		s.conn.writeMu.Lock()
		s.conn.framer.WriteRSTStream(s.id, http2.ErrCodeCancel)
		s.conn.writeMu.Unlock()
		s.fail(errors.NewStreamError("", 0, errors.NewValidationError("stream abandoned")))
		s.mu.Lock()
		s.body.Close()
		s.mu.Unlock()
	}
	return nil
}

// hasFinalHeaders reports whether the final (non-interim) response HEADERS
// already arrived on this stream.
func (s *stream) hasFinalHeaders() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status >= 200
}

func (s *stream) appendTrailers(headers map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return
	}
	for key, values := range headers {
		s.headers[key] = append(s.headers[key], values...)
	}
}

func (s *stream) setHeaders(status int, headers map[string][]string, ended bool) {
	s.mu.Lock()
	s.status = status
	s.headers = headers
	s.mu.Unlock()
	if ended {
		s.complete()
	}
}

func (s *stream) appendBody(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return nil
	}
	if _, err := s.body.Write(data); err != nil {
		return err
	}
	return nil
}

func (s *stream) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return
	}
	s.done = true
	close(s.ready)
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return
	}
	s.err = err
	close(s.ready)
}
