package packet

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"ttpacket/pkg/frame"
	"ttpacket/pkg/transport"
)

// PeerStats is a snapshot of one peer's counters.
type PeerStats struct {
	Addr        string
	ClientID    int
	Transport   string
	ConnectedAt time.Time
	MsgsIn      uint64
	MsgsOut     uint64
	// BytesIn counts decoded payload bytes, BytesOut framed bytes written.
	BytesIn  uint64
	BytesOut uint64
}

type sendStream struct {
	mu sync.Mutex
	w  transport.SendStream
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (s *sendStream) write(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		if wd, ok := s.w.(writeDeadliner); ok {
			_ = wd.SetWriteDeadline(dl)
			defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
		}
	}
	_, err := s.w.Write(b)
	return err
}

// peer is one negotiated connection with its streams and receive queues.
type peer struct {
	addr        string
	id          int
	sess        transport.Session
	connectedAt time.Time

	// indexed by outbound ChannelID; immutable after negotiation
	send []*sendStream

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// inbound streams not yet claimed by a reassembler
	pending map[ChannelID]transport.RecvStream
	queues  map[ChannelID]*frame.Queue

	msgsIn, msgsOut   atomic.Uint64
	bytesIn, bytesOut atomic.Uint64
}

func newPeer(parent context.Context, sess transport.Session, connectedAt time.Time) *peer {
	ctx, cancel := context.WithCancel(parent)
	return &peer{
		addr:        transport.AddrString(sess.RemoteAddr()),
		sess:        sess,
		connectedAt: connectedAt,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[ChannelID]transport.RecvStream),
		queues:      make(map[ChannelID]*frame.Queue),
	}
}

func (p *peer) queue(id ChannelID) *frame.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues[id]
}

// claim hands the pending inbound stream for id to the caller, at most once.
func (p *peer) claim(id ChannelID, q *frame.Queue) (transport.RecvStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.pending[id]
	if !ok {
		return nil, false
	}
	delete(p.pending, id)
	p.queues[id] = q
	return r, true
}

// write sends one encoded frame. A ctx deadline is applied to streams that
// support write deadlines.
func (p *peer) write(ctx context.Context, id ChannelID, b []byte) error {
	if int(id) >= len(p.send) {
		return errors.Wrapf(ErrStreamNotReady, "outbound channel %d (%d negotiated)", id, len(p.send))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.send[id].write(ctx, b); err != nil {
		return err
	}
	p.msgsOut.Add(1)
	p.bytesOut.Add(uint64(len(b)))
	return nil
}

func (p *peer) recordIn(n int) {
	p.msgsIn.Add(1)
	p.bytesIn.Add(uint64(n))
}

func (p *peer) stats() PeerStats {
	return PeerStats{
		Addr:        p.addr,
		ClientID:    p.id,
		Transport:   p.sess.TransportKind().String(),
		ConnectedAt: p.connectedAt,
		MsgsIn:      p.msgsIn.Load(),
		MsgsOut:     p.msgsOut.Load(),
		BytesIn:     p.bytesIn.Load(),
		BytesOut:    p.bytesOut.Load(),
	}
}

// close tears the connection down. Reassemblers observe the closed session
// and close their queues.
func (p *peer) close() {
	p.cancel()
	_ = p.sess.Close()
}

// directory tracks connected peers by remote address.
type directory struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	nextID int
}

func newDirectory() *directory { return &directory{peers: make(map[string]*peer)} }

// insert adds p and assigns its client id. A tracked address is rejected.
func (d *directory) insert(p *peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[p.addr]; ok {
		return errors.Wrap(ErrDuplicatePeer, p.addr)
	}
	p.id = d.nextID
	d.nextID++
	d.peers[p.addr] = p
	return nil
}

func (d *directory) get(addr string) (*peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[addr]
	if !ok {
		return nil, errors.Wrap(ErrUnknownPeer, addr)
	}
	return p, nil
}

// only returns the single tracked peer. With none it returns ErrNoPeer, with
// several ErrAmbiguousPeer.
func (d *directory) only() (*peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch len(d.peers) {
	case 0:
		return nil, ErrNoPeer
	case 1:
		for _, p := range d.peers {
			return p, nil
		}
	}
	return nil, errors.Wrapf(ErrAmbiguousPeer, "%d peers", len(d.peers))
}

// all returns tracked peers in client id order.
func (d *directory) all() []*peer {
	d.mu.RLock()
	out := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *directory) remove(addr string) (*peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[addr]
	if ok {
		delete(d.peers, addr)
	}
	return p, ok
}

func (d *directory) removeAll() []*peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*peer, 0, len(d.peers))
	for addr, p := range d.peers {
		out = append(out, p)
		delete(d.peers, addr)
	}
	return out
}

func (d *directory) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
