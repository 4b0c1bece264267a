package transport

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Kind identifies transport/link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned by stream and session operations after the
	// session was closed locally or by the peer.
	ErrSessionClosed = errors.New("transport: session closed")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// SendStream is the writing half of a unidirectional stream.
// Exactly one writer goroutine is expected.
type SendStream interface {
	io.Writer
	// Close finishes the stream; the peer reads io.EOF after buffered data.
	Close() error
}

// RecvStream is the reading half of a unidirectional stream.
// Exactly one reader goroutine is expected.
type RecvStream interface {
	io.Reader
	// Cancel aborts reading; pending and future Reads fail.
	Cancel()
}

// Session represents one connection to a peer with multiplexed unidirectional streams.
type Session interface {
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// OpenUniStream opens a new outgoing stream. The peer observes it through
	// AcceptUniStream once the first bytes were written.
	OpenUniStream(ctx context.Context) (SendStream, error)
	// AcceptUniStream waits for the next stream opened by the peer.
	AcceptUniStream(ctx context.Context) (RecvStream, error)

	// Close closes the entire session and all its streams.
	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to address.
	Dial(ctx context.Context, address string) (Session, error)
}

// LocalDialer is implemented by transports that can bind the dialing side to
// a caller-chosen local address.
type LocalDialer interface {
	DialFrom(ctx context.Context, address, local string) (Session, error)
}

// AddrString renders a possibly nil address.
func AddrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
