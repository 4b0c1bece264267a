// Package blocking wraps packet.Manager for callers without their own
// contexts. The Manager owns a root context that Close cancels, and applies
// an optional timeout to every operation.
package blocking

import (
	"context"
	"net"
	"time"

	"ttpacket/pkg/packet"
)

type Options struct {
	packet.Options
	// OpTimeout bounds every operation. Zero waits until Close.
	OpTimeout time.Duration
}

// Manager is a packet.Manager driven by its own context.
type Manager struct {
	m         *packet.Manager
	ctx       context.Context
	cancel    context.CancelFunc
	opTimeout time.Duration
}

func New(opts Options) (*Manager, error) {
	pm, err := packet.New(opts.Options)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{m: pm, ctx: ctx, cancel: cancel, opTimeout: opts.OpTimeout}, nil
}

func (b *Manager) opCtx() (context.Context, context.CancelFunc) {
	if b.opTimeout > 0 {
		return context.WithTimeout(b.ctx, b.opTimeout)
	}
	return context.WithCancel(b.ctx)
}

func (b *Manager) InitServer(cfg packet.ServerConfig) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	return b.m.InitServer(ctx, cfg)
}

func (b *Manager) InitClient(cfg packet.ClientConfig) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	return b.m.InitClient(ctx, cfg)
}

// Close cancels in-flight operations and closes the manager.
func (b *Manager) Close() error {
	b.cancel()
	return b.m.Close()
}

func (b *Manager) NumClients() int                   { return b.m.NumClients() }
func (b *Manager) ClientID(addr string) (int, error) { return b.m.ClientID(addr) }
func (b *Manager) Peers() []string                   { return b.m.Peers() }
func (b *Manager) ClosePeer(addr string) error       { return b.m.ClosePeer(addr) }

// Addr is the listening address in server mode, or nil.
func (b *Manager) Addr() net.Addr { return b.m.Addr() }

func (b *Manager) PeerStats(addr string) (packet.PeerStats, error) {
	return b.m.PeerStats(addr)
}

func RegisterSend[T packet.Packet](b *Manager) error { return packet.RegisterSend[T](b.m) }

func RegisterReceive[T any](b *Manager, builder packet.Builder[T]) error {
	return packet.RegisterReceive[T](b.m, builder)
}

func Send[T packet.Packet](b *Manager, p T) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	return packet.Send(ctx, b.m, p)
}

func SendTo[T packet.Packet](b *Manager, addr string, p T) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	return packet.SendTo(ctx, b.m, addr, p)
}

func Broadcast[T packet.Packet](b *Manager, p T) error {
	ctx, cancel := b.opCtx()
	defer cancel()
	return packet.Broadcast(ctx, b.m, p)
}

func Received[T any](b *Manager, blocking bool) ([]T, error) {
	ctx, cancel := b.opCtx()
	defer cancel()
	return packet.Received[T](ctx, b.m, blocking)
}

func ReceivedAll[T any](b *Manager, blocking bool) (map[string][]T, error) {
	ctx, cancel := b.opCtx()
	defer cancel()
	return packet.ReceivedAll[T](ctx, b.m, blocking)
}
