package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ttpacket/pkg/codec"
	"ttpacket/pkg/config"
	"ttpacket/pkg/frame"
	"ttpacket/pkg/packet"
	"ttpacket/pkg/transport"
)

// ping travels client to server on outbound channel 0 of the client.
type ping struct {
	Seq  uint64 `cbor:"1,keyasint" json:"seq"`
	Sent int64  `cbor:"2,keyasint" json:"sent"`
	Text string `cbor:"3,keyasint" json:"text"`

	codec codec.Codec
}

func (p ping) MarshalPacket() ([]byte, error) { return codec.Marshal(p.codec, p) }

// pong echoes a ping back with the server's receive time.
type pong struct {
	Seq      uint64 `cbor:"1,keyasint" json:"seq"`
	Sent     int64  `cbor:"2,keyasint" json:"sent"`
	Text     string `cbor:"3,keyasint" json:"text"`
	Received int64  `cbor:"4,keyasint" json:"received"`

	codec codec.Codec
}

func (p pong) MarshalPacket() ([]byte, error) { return codec.Marshal(p.codec, p) }

type node struct {
	cfg   *config.Config
	m     *packet.Manager
	codec codec.Codec
	log   *zap.Logger
}

func newNode(cfg *config.Config, tr transport.Transport, log *zap.Logger) (*node, error) {
	c, err := codec.NewRegistry().Lookup(cfg.Node.Codec)
	if err != nil {
		return nil, err
	}
	if c.ContentType() == codec.Proto().ContentType() {
		return nil, errors.Errorf("codec %q cannot encode the demo packets", cfg.Node.Codec)
	}
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return nil, err
	}
	opts.Transport = tr
	opts.Logger = log
	m, err := packet.New(opts)
	if err != nil {
		return nil, err
	}
	return &node{cfg: cfg, m: m, codec: c, log: log.Named("node")}, nil
}

func (n *node) close() {
	if err := n.m.Close(); err != nil {
		n.log.Warn("close manager", zap.Error(err))
	}
}

// serve echoes pings until ctx is done. A client whose stream ends is
// dropped and the server keeps serving the rest.
func (n *node) serve(ctx context.Context) error {
	if err := packet.RegisterSend[pong](n.m); err != nil {
		return err
	}
	if err := n.m.InitServer(ctx, n.cfg.ServerConfig()); err != nil {
		return err
	}
	if err := packet.RegisterReceive[ping](n.m, codec.NewBuilder[ping](n.codec)); err != nil {
		return err
	}
	n.log.Info("serving", zap.String("addr", transport.AddrString(n.m.Addr())), zap.Int("clients", n.m.NumClients()))

	for {
		batch, err := packet.ReceivedAll[ping](ctx, n.m, true)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var re *packet.ReceiveError
			if !errors.As(err, &re) || re.Peer == "" {
				return err
			}
			if errors.Is(err, frame.ErrQueueClosed) {
				n.log.Info("client gone", zap.String("peer", re.Peer), zap.Error(err))
				_ = n.m.ClosePeer(re.Peer)
			} else {
				n.log.Warn("dropping undecodable batch", zap.String("peer", re.Peer), zap.Error(err))
			}
		}
		now := time.Now().UnixNano()
		for addr, pings := range batch {
			for _, p := range pings {
				out := pong{Seq: p.Seq, Sent: p.Sent, Text: p.Text, Received: now, codec: n.codec}
				if err := packet.SendTo(ctx, n.m, addr, out); err != nil {
					n.log.Warn("echo failed", zap.String("peer", addr), zap.Error(err))
				}
			}
		}
	}
}

// pingStats summarizes the round trips of one client run.
type pingStats struct {
	sent     int
	received int
	rtts     []time.Duration
}

func (s *pingStats) print(w io.Writer) {
	fmt.Fprintf(w, "%d sent, %d received", s.sent, s.received)
	if len(s.rtts) == 0 {
		fmt.Fprintln(w)
		return
	}
	sorted := append([]time.Duration(nil), s.rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	fmt.Fprintf(w, ", rtt min/avg/max = %s/%s/%s\n",
		sorted[0], sum/time.Duration(len(sorted)), sorted[len(sorted)-1])
}

// ping connects to the server and sends count pings, waiting for each pong.
func (n *node) ping(ctx context.Context, count int, interval time.Duration, text string) (*pingStats, error) {
	if err := packet.RegisterSend[ping](n.m); err != nil {
		return nil, err
	}
	if err := n.m.InitClient(ctx, n.cfg.ClientConfig()); err != nil {
		return nil, err
	}
	if err := packet.RegisterReceive[pong](n.m, codec.NewBuilder[pong](n.codec)); err != nil {
		return nil, err
	}

	stats := &pingStats{}
	for seq := uint64(1); count == 0 || int(seq) <= count; seq++ {
		if seq > 1 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return stats, nil
			}
		}
		p := ping{Seq: seq, Sent: time.Now().UnixNano(), Text: text, codec: n.codec}
		if err := packet.Send(ctx, n.m, p); err != nil {
			return stats, err
		}
		stats.sent++

		pongs, err := packet.Received[pong](ctx, n.m, true)
		if ctx.Err() != nil {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		for _, r := range pongs {
			rtt := time.Since(time.Unix(0, r.Sent))
			stats.received++
			stats.rtts = append(stats.rtts, rtt)
			n.log.Info("pong", zap.Uint64("seq", r.Seq), zap.Duration("rtt", rtt))
		}
	}
	return stats, nil
}

// loopback runs a server and a client on one transport instance.
func loopback(ctx context.Context, cfg *config.Config, log *zap.Logger, count int) (*pingStats, error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	srvCfg, cliCfg := *cfg, *cfg
	srvCfg.Server = config.ServerConfig{WaitForClients: 1, ExpectedClients: 1}
	srv, err := newNode(&srvCfg, tr, log.Named("server"))
	if err != nil {
		return nil, err
	}
	defer srv.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.serve(ctx) }()

	// the client needs the bound address when the port was ephemeral
	addr, err := waitAddr(ctx, srv.m, served)
	if err != nil {
		return nil, err
	}
	cliCfg.Node.ServerAddr = addr
	cliCfg.Node.ClientAddr = ""
	cli, err := newNode(&cliCfg, tr, log.Named("client"))
	if err != nil {
		return nil, err
	}
	defer cli.close()

	stats, err := cli.ping(ctx, count, 0, "loopback")
	cancel()
	if serr := <-served; err == nil {
		err = serr
	}
	return stats, err
}

func waitAddr(ctx context.Context, m *packet.Manager, served <-chan error) (string, error) {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		if a := m.Addr(); a != nil {
			return a.String(), nil
		}
		select {
		case err := <-served:
			if err == nil {
				err = errors.New("server stopped before listening")
			}
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}
