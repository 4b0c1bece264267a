// Package packet moves typed packets between peers. Each registered type
// gets its own unidirectional stream per peer; frames are reassembled by a
// goroutine per inbound stream and queued until the caller receives them.
//
// The Manager here is caller-driven: every blocking operation takes a
// context. See package blocking for a Manager that owns its context.
package packet

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ttpacket/pkg/frame"
	"ttpacket/pkg/transport"
	tquic "ttpacket/pkg/transport/quic"
)

// Backoff controls client dial retries.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter adds a random 0..Jitter to every wait.
	Jitter time.Duration
}

type Options struct {
	// Transport defaults to QUIC with an ephemeral certificate and no server
	// verification.
	Transport transport.Transport
	// Framer defaults to sentinel framing.
	Framer        frame.Framer
	QueueCapacity int
	MaxChunkSize  int
	MaxFrameSize  int
	// HandshakeTimeout bounds the stream negotiation of one connection.
	HandshakeTimeout time.Duration
	Backoff          Backoff
	Clock            clock.Clock
	Logger           *zap.Logger
}

// ServerConfig describes the listening side. The server accepts
// WaitForClients connections inside InitServer and keeps accepting in the
// background until ExpectedClients are connected; zero means no limit.
type ServerConfig struct {
	Addr string
	// IncomingStreams is the number of channels every client opens.
	IncomingStreams int
	// OutgoingStreams defaults to the number of registered send types.
	OutgoingStreams int
	WaitForClients  int
	ExpectedClients int
}

func (c ServerConfig) validate() error {
	if c.Addr == "" {
		return errors.New("packet: server address required")
	}
	if c.IncomingStreams < 0 || c.OutgoingStreams < 0 || c.WaitForClients < 0 || c.ExpectedClients < 0 {
		return errors.New("packet: negative server config value")
	}
	if c.ExpectedClients > 0 && c.ExpectedClients < c.WaitForClients {
		return errors.Errorf("packet: expected clients %d below wait for clients %d", c.ExpectedClients, c.WaitForClients)
	}
	return nil
}

// ClientConfig describes the dialing side.
type ClientConfig struct {
	ServerAddr string
	// LocalAddr binds the client to a fixed address when the transport
	// supports it.
	LocalAddr       string
	IncomingStreams int
	OutgoingStreams int
	// DialTimeout bounds the retry loop. Zero retries until ctx is done.
	DialTimeout time.Duration
}

func (c ClientConfig) validate() error {
	if c.ServerAddr == "" {
		return errors.New("packet: server address required")
	}
	if c.IncomingStreams < 0 || c.OutgoingStreams < 0 {
		return errors.New("packet: negative stream count")
	}
	return nil
}

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

func (r role) String() string {
	switch r {
	case roleServer:
		return "server"
	case roleClient:
		return "client"
	default:
		return "none"
	}
}

type Manager struct {
	opts   Options
	log    *zap.Logger
	tr     transport.Transport
	framer frame.Framer
	clock  clock.Clock

	reg      *registry
	dir      *directory
	arrivals signal

	// mu serializes registration, peer admission and teardown
	mu       sync.Mutex
	role     role
	outbound int
	inbound  int
	listener transport.Listener
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Framer == nil {
		opts.Framer = frame.SentinelFramer{}
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = frame.DefaultQueueCapacity
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = 100 * time.Millisecond
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = 5 * time.Second
	}
	if opts.Transport == nil {
		tr, err := tquic.New(tquic.Options{InsecureSkipVerify: true})
		if err != nil {
			return nil, err
		}
		opts.Transport = tr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		log:    opts.Logger.Named("packet"),
		tr:     opts.Transport,
		framer: opts.Framer,
		clock:  opts.Clock,
		reg:    newRegistry(),
		dir:    newDirectory(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// InitServer listens on cfg.Addr and admits the first WaitForClients
// connections before returning.
func (m *Manager) InitServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := m.begin(roleServer, cfg.OutgoingStreams, cfg.IncomingStreams); err != nil {
		return err
	}
	l, err := m.tr.Listen(m.ctx, cfg.Addr)
	if err != nil {
		m.abortInit()
		return &ConnectionError{Op: "listen", Peer: cfg.Addr, Err: err}
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
	m.log.Info("listening",
		zap.String("addr", transport.AddrString(l.Addr())),
		zap.String("transport", m.tr.Kind().String()),
		zap.Int("wait_for_clients", cfg.WaitForClients),
		zap.Int("expected_clients", cfg.ExpectedClients))

	for i := 0; i < cfg.WaitForClients; i++ {
		sess, err := l.Accept(ctx)
		if err != nil {
			m.abortInit()
			return &ConnectionError{Op: "accept", Peer: cfg.Addr, Err: err}
		}
		if err := m.admit(ctx, sess); err != nil {
			m.abortInit()
			return err
		}
	}

	remaining := -1
	if cfg.ExpectedClients > 0 {
		remaining = cfg.ExpectedClients - cfg.WaitForClients
	}
	if remaining == 0 {
		m.closeListener(l)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wg.Add(1)
	go m.acceptLoop(l, remaining)
	return nil
}

// InitClient dials cfg.ServerAddr, retrying with backoff, and negotiates the
// streams of the single server peer.
func (m *Manager) InitClient(ctx context.Context, cfg ClientConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := m.begin(roleClient, cfg.OutgoingStreams, cfg.IncomingStreams); err != nil {
		return err
	}
	sess, err := m.dial(ctx, cfg)
	if err != nil {
		m.abortInit()
		return &ConnectionError{Op: "dial", Peer: cfg.ServerAddr, Err: err}
	}
	if err := m.admit(ctx, sess); err != nil {
		m.abortInit()
		return err
	}
	return nil
}

func (m *Manager) begin(r role, out, in int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.role != roleNone {
		return errors.Wrapf(ErrAlreadyConnected, "running as %s", m.role)
	}
	if out == 0 {
		out, _ = m.reg.counts()
	}
	m.role, m.outbound, m.inbound = r, out, in
	return nil
}

// abortInit drops everything a failed init created so it can be retried.
func (m *Manager) abortInit() {
	m.mu.Lock()
	l := m.listener
	m.listener = nil
	peers := m.dir.removeAll()
	m.role, m.outbound, m.inbound = roleNone, 0, 0
	m.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	for _, p := range peers {
		p.close()
	}
}

func (m *Manager) closeListener(l transport.Listener) {
	m.mu.Lock()
	if m.listener == l {
		m.listener = nil
	}
	m.mu.Unlock()
	_ = l.Close()
}

func (m *Manager) dial(ctx context.Context, cfg ClientConfig) (transport.Session, error) {
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = m.clock.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	var ld transport.LocalDialer
	if cfg.LocalAddr != "" {
		var ok bool
		if ld, ok = m.tr.(transport.LocalDialer); !ok {
			return nil, errors.Errorf("%s transport cannot bind a local address", m.tr.Kind())
		}
	}

	backoff := m.opts.Backoff.Initial
	for attempt := 1; ; attempt++ {
		var sess transport.Session
		var err error
		if ld != nil {
			sess, err = ld.DialFrom(ctx, cfg.ServerAddr, cfg.LocalAddr)
		} else {
			sess, err = m.tr.Dial(ctx, cfg.ServerAddr)
		}
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempt)
		}
		wait := withJitter(backoff, m.opts.Backoff.Jitter)
		m.log.Warn("dial failed", zap.String("addr", cfg.ServerAddr), zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
		t := m.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempt)
		case <-t.C:
		}
		if backoff < m.opts.Backoff.Max {
			backoff = min(backoff*2, m.opts.Backoff.Max)
		}
	}
}

// withJitter adds a uniform random 0..jitter to d so clients started
// together spread their retries.
func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(jitter)+1))
}

// admit negotiates streams on sess and tracks the resulting peer. On any
// failure the session is closed and nothing is tracked.
func (m *Manager) admit(ctx context.Context, sess transport.Session) error {
	addr := transport.AddrString(sess.RemoteAddr())
	m.mu.Lock()
	out, in := m.outbound, m.inbound
	m.mu.Unlock()

	p := newPeer(m.ctx, sess, m.clock.Now())
	if err := negotiate(ctx, sess, out, in, m.opts.HandshakeTimeout, p); err != nil {
		p.close()
		m.log.Warn("stream negotiation failed", zap.String("peer", addr), zap.Error(err))
		return &ConnectionError{Op: "handshake", Peer: addr, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		p.close()
		return &ConnectionError{Op: "admit", Peer: addr, Err: ErrClosed}
	}
	if err := m.dir.insert(p); err != nil {
		m.log.Error("rejecting connection", zap.String("peer", addr), zap.Error(err))
		p.close()
		return &ConnectionError{Op: "admit", Peer: addr, Err: err}
	}
	_, recv := m.reg.counts()
	for id := 0; id < recv && id < in; id++ {
		m.startReassemblerLocked(p, ChannelID(id))
	}
	// wake receivers waiting for a first peer
	m.arrivals.notify()
	m.log.Info("peer connected",
		zap.String("peer", addr),
		zap.Int("client_id", p.id),
		zap.Int("outbound", out),
		zap.Int("inbound", in))
	return nil
}

func (m *Manager) acceptLoop(l transport.Listener, remaining int) {
	defer m.wg.Done()
	for remaining != 0 {
		sess, err := l.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				m.log.Warn("accept failed", zap.String("addr", transport.AddrString(l.Addr())), zap.Error(err))
			}
			return
		}
		if err := m.admit(m.ctx, sess); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			continue
		}
		if remaining > 0 {
			remaining--
		}
	}
	m.log.Info("all expected clients connected", zap.Int("clients", m.dir.count()))
	m.closeListener(l)
}

// startReassemblerLocked claims the pending inbound stream id of p, if any,
// and pumps it into a fresh queue. Caller holds m.mu.
func (m *Manager) startReassemblerLocked(p *peer, id ChannelID) {
	q := frame.NewQueue(m.opts.QueueCapacity)
	r, ok := p.claim(id, q)
	if !ok {
		return
	}
	log := m.log.With(
		zap.String("peer", p.addr),
		zap.Uint32("channel", uint32(id)),
		zap.String("type", m.reg.typeName(Inbound, id)))
	ra := frame.NewReassembler(r, m.framer, q, frame.ReassemblerOptions{
		MaxChunkSize: m.opts.MaxChunkSize,
		MaxFrameSize: m.opts.MaxFrameSize,
		Logger:       log,
		OnFrame: func(n int) {
			p.recordIn(n)
			m.arrivals.notify()
		},
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.arrivals.notify()
		err := ra.Run(p.ctx)
		switch {
		case err == nil:
			log.Debug("stream finished", zap.Uint64("frames", ra.Frames()))
		case p.ctx.Err() != nil:
			log.Debug("stream stopped", zap.Error(err))
		default:
			log.Warn("stream failed", zap.Uint64("frames", ra.Frames()), zap.Error(err))
		}
	}()
}

// Close closes the listener and every peer connection and waits for all
// background goroutines. Further operations fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	l := m.listener
	m.listener = nil
	peers := m.dir.removeAll()
	m.mu.Unlock()

	m.cancel()
	var err error
	if l != nil {
		err = l.Close()
	}
	for _, p := range peers {
		p.close()
	}
	m.wg.Wait()
	m.log.Info("manager closed", zap.Int("peers", len(peers)))
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Addr returns the listening address in server mode, nil otherwise.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// NumClients returns the number of tracked peers.
func (m *Manager) NumClients() int { return m.dir.count() }

// ClientID returns the id assigned to addr when it connected. Ids start at 0
// and follow accept order.
func (m *Manager) ClientID(addr string) (int, error) {
	p, err := m.dir.get(addr)
	if err != nil {
		return 0, err
	}
	return p.id, nil
}

// Peers returns tracked peer addresses in client id order.
func (m *Manager) Peers() []string {
	ps := m.dir.all()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.addr
	}
	return out
}

func (m *Manager) PeerStats(addr string) (PeerStats, error) {
	p, err := m.dir.get(addr)
	if err != nil {
		return PeerStats{}, err
	}
	return p.stats(), nil
}

// ClosePeer disconnects addr and forgets it.
func (m *Manager) ClosePeer(addr string) error {
	m.mu.Lock()
	p, ok := m.dir.remove(addr)
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrUnknownPeer, addr)
	}
	p.close()
	m.log.Info("peer closed", zap.String("peer", addr), zap.Int("client_id", p.id))
	return nil
}

func (m *Manager) SendChannels() int {
	n, _ := m.reg.counts()
	return n
}

func (m *Manager) ReceiveChannels() int {
	_, n := m.reg.counts()
	return n
}

// signal wakes every goroutine waiting for the next frame arrival.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *signal) notify() {
	s.mu.Lock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	s.mu.Unlock()
}
