package packet

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateRegistration = errors.New("packet: type already registered")
	ErrNotRegistered         = errors.New("packet: type not registered")
	// ErrStreamNotReady means no negotiated stream backs the channel yet:
	// the connection was not initialized or fewer streams were negotiated.
	ErrStreamNotReady = errors.New("packet: stream not ready")
	// ErrAmbiguousPeer is returned by single-peer operations while more than
	// one peer is connected.
	ErrAmbiguousPeer    = errors.New("packet: more than one peer connected")
	ErrNoPeer           = errors.New("packet: no peer connected")
	ErrUnknownPeer      = errors.New("packet: unknown peer")
	ErrDuplicatePeer    = errors.New("packet: peer address already tracked")
	ErrClosed           = errors.New("packet: manager closed")
	ErrAlreadyConnected = errors.New("packet: connection already initialized")
)

// ConnectionError reports a failed accept, dial or stream handshake. The
// affected connection is closed and never becomes visible to callers.
type ConnectionError struct {
	Op   string
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string { return format("connection", e.Op, e.Peer, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a failed send, including topology guard violations.
type SendError struct {
	Op   string
	Peer string
	Err  error
}

func (e *SendError) Error() string { return format("send", e.Op, e.Peer, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a failed receive: decode failure, closed stream or a
// topology guard violation.
type ReceiveError struct {
	Op   string
	Peer string
	Err  error
}

func (e *ReceiveError) Error() string { return format("receive", e.Op, e.Peer, e.Err) }
func (e *ReceiveError) Unwrap() error { return e.Err }

func format(kind, op, peer string, err error) string {
	s := "packet: " + kind
	if op != "" {
		s += " " + op
	}
	if peer != "" {
		s += fmt.Sprintf(" [%s]", peer)
	}
	return s + ": " + fmt.Sprint(err)
}
