package packet

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ttpacket/pkg/frame"
)

// RegisterSend assigns the next outbound channel to T. Both peers must
// register their types in the same order.
func RegisterSend[T Packet](m *Manager) error {
	if m.isClosed() {
		return ErrClosed
	}
	t := typeOf[T]()
	id, err := m.reg.addSend(t)
	if err != nil {
		return err
	}
	m.log.Info("registered send type", zap.String("type", t.String()), zap.Uint32("channel", uint32(id)))
	return nil
}

// RegisterReceive assigns the next inbound channel to T and starts
// reassembling that channel on every tracked peer. The channel must have been
// negotiated: call it after InitClient, or after InitServer with enough
// IncomingStreams. Otherwise it fails with ErrStreamNotReady and the
// registration is undone.
func RegisterReceive[T any](m *Manager, b Builder[T]) error {
	if b == nil {
		return errors.New("packet: nil builder")
	}
	return m.registerReceive(typeOf[T](), b)
}

func (m *Manager) registerReceive(t reflect.Type, b any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	id, err := m.reg.addRecv(t, b)
	if err != nil {
		return err
	}
	if m.role == roleNone || int(id) >= m.inbound {
		m.reg.dropLastRecv(t)
		return errors.Wrapf(ErrStreamNotReady, "inbound channel %d for %s (%d negotiated, role %s)", id, t, m.inbound, m.role)
	}
	for _, p := range m.dir.all() {
		m.startReassemblerLocked(p, id)
	}
	m.log.Info("registered receive type", zap.String("type", t.String()), zap.Uint32("channel", uint32(id)))
	return nil
}

// ChannelFor returns the channel T was registered on in direction d.
func ChannelFor[T any](m *Manager, d Direction) (ChannelID, error) {
	return m.reg.lookup(d, typeOf[T]())
}

func encode[T Packet](m *Manager, p T) (ChannelID, []byte, error) {
	if m.isClosed() {
		return 0, nil, ErrClosed
	}
	id, err := m.reg.lookup(Outbound, typeOf[T]())
	if err != nil {
		return 0, nil, err
	}
	payload, err := p.MarshalPacket()
	if err != nil {
		return 0, nil, errors.Wrapf(err, "marshal %T", p)
	}
	return id, m.framer.Encode(payload), nil
}

// Send writes p to the only connected peer. It fails with ErrAmbiguousPeer
// when several peers are connected and ErrNoPeer when there is none.
func Send[T Packet](ctx context.Context, m *Manager, p T) error {
	id, b, err := encode(m, p)
	if err != nil {
		return &SendError{Op: "send", Err: err}
	}
	target, err := m.dir.only()
	if err != nil {
		return &SendError{Op: "send", Err: err}
	}
	if err := target.write(ctx, id, b); err != nil {
		return &SendError{Op: "send", Peer: target.addr, Err: err}
	}
	m.log.Debug("sent", zap.String("peer", target.addr), zap.Uint32("channel", uint32(id)), zap.Int("bytes", len(b)))
	return nil
}

// SendTo writes p to the peer with remote address addr.
func SendTo[T Packet](ctx context.Context, m *Manager, addr string, p T) error {
	id, b, err := encode(m, p)
	if err != nil {
		return &SendError{Op: "send_to", Peer: addr, Err: err}
	}
	target, err := m.dir.get(addr)
	if err != nil {
		return &SendError{Op: "send_to", Peer: addr, Err: err}
	}
	if err := target.write(ctx, id, b); err != nil {
		return &SendError{Op: "send_to", Peer: addr, Err: err}
	}
	return nil
}

// Broadcast writes p to every tracked peer. A failing peer does not stop
// delivery to the others; all failures are returned together.
func Broadcast[T Packet](ctx context.Context, m *Manager, p T) error {
	id, b, err := encode(m, p)
	if err != nil {
		return &SendError{Op: "broadcast", Err: err}
	}
	var errs error
	peers := m.dir.all()
	for _, target := range peers {
		if err := target.write(ctx, id, b); err != nil {
			m.log.Warn("broadcast to peer failed", zap.String("peer", target.addr), zap.Error(err))
			errs = multierr.Append(errs, errors.Wrap(err, target.addr))
		}
	}
	if errs != nil {
		return &SendError{Op: "broadcast", Err: errs}
	}
	m.log.Debug("broadcast", zap.Uint32("channel", uint32(id)), zap.Int("peers", len(peers)), zap.Int("bytes", len(b)))
	return nil
}

func receiver[T any](m *Manager) (ChannelID, Builder[T], error) {
	if m.isClosed() {
		return 0, nil, ErrClosed
	}
	id, err := m.reg.lookup(Inbound, typeOf[T]())
	if err != nil {
		return 0, nil, err
	}
	b, ok := m.reg.builder(id).(Builder[T])
	if !ok {
		return 0, nil, errors.Errorf("packet: builder for channel %d does not build %s", id, typeOf[T]())
	}
	return id, b, nil
}

// Received returns every T queued from the only connected peer, in arrival
// order. With blocking set it waits for at least one, and for a peer to
// connect when there is none yet. A nil slice means nothing was available. A
// closed stream yields a *ReceiveError.
func Received[T any](ctx context.Context, m *Manager, blocking bool) ([]T, error) {
	id, b, err := receiver[T](m)
	if err != nil {
		return nil, &ReceiveError{Op: "received", Err: err}
	}
	for {
		wake := m.arrivals.wait()
		p, err := m.dir.only()
		if errors.Is(err, ErrNoPeer) {
			if !blocking {
				return nil, nil
			}
			if err := m.await(ctx, wake); err != nil {
				return nil, &ReceiveError{Op: "received", Err: err}
			}
			continue
		}
		if err != nil {
			return nil, &ReceiveError{Op: "received", Err: err}
		}
		out, err := drain(ctx, p, id, b, blocking)
		if err != nil {
			return nil, &ReceiveError{Op: "received", Peer: p.addr, Err: err}
		}
		return out, nil
	}
}

// ReceivedAll returns the queued T of every tracked peer keyed by remote
// address; peers with nothing queued map to nil. With blocking set it waits
// until at least one peer has a frame.
//
// A peer whose stream has closed with nothing left queued fails the call
// before any queue is drained, so frames of healthy peers stay queued for the
// next call. If a frame fails to decode, the map still holds everything
// decoded from the other peers and the error names the failing peer; that
// peer's batch is lost.
func ReceivedAll[T any](ctx context.Context, m *Manager, blocking bool) (map[string][]T, error) {
	id, b, err := receiver[T](m)
	if err != nil {
		return nil, &ReceiveError{Op: "received_all", Err: err}
	}
	for {
		if m.isClosed() {
			return nil, &ReceiveError{Op: "received_all", Err: ErrClosed}
		}
		wake := m.arrivals.wait()
		peers := m.dir.all()
		for _, p := range peers {
			if q := p.queue(id); q != nil && q.Closed() && q.Len() == 0 {
				return nil, &ReceiveError{Op: "received_all", Peer: p.addr, Err: q.Err()}
			}
		}

		res := make(map[string][]T, len(peers))
		got := false
		var failed error
		for _, p := range peers {
			vs, err := drain(ctx, p, id, b, false)
			if errors.Is(err, frame.ErrQueueClosed) {
				// closed after the check above; reported by the next call
				res[p.addr] = nil
				continue
			}
			if err != nil {
				failed = multierr.Append(failed, &ReceiveError{Op: "received_all", Peer: p.addr, Err: err})
				continue
			}
			res[p.addr] = vs
			got = got || len(vs) > 0
		}
		if failed != nil {
			return res, failed
		}
		if got || !blocking {
			return res, nil
		}
		if err := m.await(ctx, wake); err != nil {
			return nil, &ReceiveError{Op: "received_all", Err: err}
		}
	}
}

// await blocks until wake fires, ctx ends or the manager closes.
func (m *Manager) await(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// drain decodes the queued frames of channel id from p. Decoding is
// all-or-nothing: the first bad frame fails the call.
func drain[T any](ctx context.Context, p *peer, id ChannelID, b Builder[T], blocking bool) ([]T, error) {
	q := p.queue(id)
	if q == nil {
		return nil, errors.Wrapf(ErrStreamNotReady, "inbound channel %d", id)
	}
	frames, err := q.Drain(ctx, blocking)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	out := make([]T, 0, len(frames))
	for i, f := range frames {
		v, err := b.Build(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decode frame %d of %d", i+1, len(frames))
		}
		out = append(out, v)
	}
	return out, nil
}
