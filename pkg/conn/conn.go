// Package conn defines the connection and stream contracts shared by the
// HTTP/1.1 and HTTP/2 protocol layers.
package conn

import "github.com/jellybeanjohnny/go-httpmgr/pkg/message"

// Protocol tags the wire protocol a connection speaks. The set is closed:
// every connection is exactly one of the two.
type Protocol int

const (
	ProtocolHTTP1 Protocol = iota + 1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "HTTP/1.1"
	case ProtocolHTTP2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// Conn is an established, possibly multiplexed transport session bound to one
// origin. A Conn is owned by exactly one manager while cached; Release closes
// the underlying transport and is idempotent.
type Conn interface {
	// Protocol reports the wire protocol variant.
	Protocol() Protocol

	// Proxied reports whether requests are framed for a forward proxy.
	Proxied() bool

	// OpenStream opens one request/response exchange. A nil error means the
	// request was written; the response is obtained from the stream. An
	// error means the connection is no longer usable for new streams.
	OpenStream(req *message.Request) (Stream, error)

	// Release closes the underlying transport and frees resources.
	Release() error
}

// Stream is a single in-flight exchange opened on a Conn. Its lifetime never
// outlives the connection that created it.
type Stream interface {
	// ReadResponse blocks until the initial response message is available.
	// An error means the remote closed or reset the exchange before
	// producing one.
	ReadResponse() (*message.Response, error)

	// Close abandons the exchange and releases per-stream resources. It
	// does not close the parent connection.
	Close() error
}
