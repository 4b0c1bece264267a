package mem

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"ttpacket/pkg/transport"
)

const (
	defaultStreamBuffer = 64 << 10
	acceptBacklog       = 256
)

// Transport is an in-process transport. Sessions carry unidirectional
// streams backed by buffered pipes. Useful for tests and as a stand-in for a
// real network when both ends live in one process.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	bufSize   int
	dials     atomic.Uint64
}

// New returns a Transport whose streams buffer up to 64 KiB before writes block.
func New() *Transport { return NewWithBuffer(defaultStreamBuffer) }

// NewWithBuffer returns a Transport with a custom per-stream buffer size.
func NewWithBuffer(bufSize int) *Transport {
	if bufSize <= 0 {
		bufSize = defaultStreamBuffer
	}
	return &Transport{listeners: make(map[string]*listener), bufSize: bufSize}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.Errorf("mem: listener %q already exists", name)
	}
	l := &listener{name: name, newCh: make(chan *session, 16), closeCh: make(chan struct{})}
	l.unregister = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	l.stop = context.AfterFunc(ctx, func() { _ = l.Close() })
	t.listeners[name] = l
	return l, nil
}

// Dial connects to the listener registered under name. The client side gets
// a generated local address.
func (t *Transport) Dial(ctx context.Context, name string) (transport.Session, error) {
	n := t.dials.Add(1)
	return t.DialFrom(ctx, name, fmt.Sprintf("%s/client-%d", name, n))
}

// DialFrom is Dial with an explicit local address, so tests can control the
// address the listener side observes.
func (t *Transport) DialFrom(ctx context.Context, name, local string) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, errors.Errorf("mem: no listener %q", name)
	}
	cli, srv := newSessionPair(Addr(local), Addr(name), t.bufSize)
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
		_ = cli.Close()
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		_ = cli.Close()
		return nil, ctx.Err()
	}
}

type listener struct {
	name       string
	newCh      chan *session
	closeCh    chan struct{}
	closeOnce  sync.Once
	stop       func() bool
	unregister func()
}

func (l *listener) Addr() net.Addr { return Addr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		if l.stop != nil {
			l.stop()
		}
		l.unregister()
		// sessions that were dialed but never accepted
		for {
			select {
			case s := <-l.newCh:
				_ = s.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr is the address type of the mem transport.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

type session struct {
	local, remote Addr
	bufSize       int
	peer          *session

	incoming  chan *pipe
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	pipes []*pipe
}

func newSessionPair(cliAddr, srvAddr Addr, bufSize int) (cli, srv *session) {
	cli = &session{local: cliAddr, remote: srvAddr, bufSize: bufSize, incoming: make(chan *pipe, acceptBacklog), closed: make(chan struct{})}
	srv = &session{local: srvAddr, remote: cliAddr, bufSize: bufSize, incoming: make(chan *pipe, acceptBacklog), closed: make(chan struct{})}
	cli.peer, srv.peer = srv, cli
	return cli, srv
}

func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr           { return s.local }
func (s *session) RemoteAddr() net.Addr          { return s.remote }

func (s *session) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	if s.isClosed() {
		return nil, transport.ErrSessionClosed
	}
	p := newPipe(s.bufSize)
	s.track(p)
	s.peer.track(p)
	select {
	case s.peer.incoming <- p:
		return sendHalf{p}, nil
	case <-ctx.Done():
		p.abort(ctx.Err())
		return nil, ctx.Err()
	case <-s.closed:
		return nil, transport.ErrSessionClosed
	case <-s.peer.closed:
		return nil, transport.ErrSessionClosed
	}
}

func (s *session) AcceptUniStream(ctx context.Context) (transport.RecvStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, transport.ErrSessionClosed
	case p := <-s.incoming:
		return recvHalf{p}, nil
	}
}

// Close tears down both ends, like a connection close on the wire.
func (s *session) Close() error {
	s.closeLocal()
	s.peer.closeLocal()
	return nil
}

// closeLocal marks this end closed and aborts every pipe it tracks. It never
// touches the peer, so the two ends can close each other without re-entry.
func (s *session) closeLocal() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		pipes := s.pipes
		s.pipes = nil
		s.mu.Unlock()
		for _, p := range pipes {
			p.abort(transport.ErrSessionClosed)
		}
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// track registers p for abort on close. A pipe tracked after close is
// aborted at once.
func (s *session) track(p *pipe) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		p.abort(transport.ErrSessionClosed)
		return
	}
	s.pipes = append(s.pipes, p)
	s.mu.Unlock()
}

type sendHalf struct{ p *pipe }

func (h sendHalf) Write(b []byte) (int, error) { return h.p.write(b) }
func (h sendHalf) Close() error                { h.p.closeWrite(); return nil }

type recvHalf struct{ p *pipe }

func (h recvHalf) Read(b []byte) (int, error) { return h.p.read(b) }
func (h recvHalf) Cancel()                    { h.p.abort(errReadCanceled) }

var errReadCanceled = errors.New("mem: read canceled")
