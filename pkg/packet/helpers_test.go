package packet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"ttpacket/pkg/codec"
	"ttpacket/pkg/transport"
	"ttpacket/pkg/transport/mem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type ping struct{ ID uint32 }

func (p ping) MarshalPacket() ([]byte, error) { return codec.Marshal(nil, p) }

type alpha struct{ N int }

func (a alpha) MarshalPacket() ([]byte, error) { return codec.Marshal(nil, a) }

type beta struct{ S string }

func (b beta) MarshalPacket() ([]byte, error) { return codec.Marshal(nil, b) }

// raw is a packet whose payload is its own bytes.
type raw []byte

func (r raw) MarshalPacket() ([]byte, error) { return r, nil }

var rawBuilder = BuilderFunc[raw](func(b []byte) (raw, error) {
	if string(b) == "bad" {
		return nil, fmt.Errorf("corrupt frame")
	}
	return raw(b), nil
})

func newTestManager(t *testing.T, tr *mem.Transport, mods ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Transport:        tr,
		Logger:           zaptest.NewLogger(t),
		HandshakeTimeout: 2 * time.Second,
		Backoff:          Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startServer(ctx context.Context, m *Manager, cfg ServerConfig) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.InitServer(ctx, cfg) }()
	return errc
}

func startClient(ctx context.Context, m *Manager, cfg ClientConfig) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.InitClient(ctx, cfg) }()
	return errc
}

// connect initializes srv and cli against each other on the mem transport.
func connect(t *testing.T, srv, cli *Manager, srvCfg ServerConfig, cliCfg ClientConfig) {
	t.Helper()
	ctx := testCtx(t)
	if srvCfg.Addr == "" {
		srvCfg.Addr = "srv"
	}
	if cliCfg.ServerAddr == "" {
		cliCfg.ServerAddr = srvCfg.Addr
	}
	if srvCfg.WaitForClients == 0 && srvCfg.ExpectedClients == 0 {
		srvCfg.WaitForClients, srvCfg.ExpectedClients = 1, 1
	}
	srvErr := startServer(ctx, srv, srvCfg)
	require.NoError(t, cli.InitClient(ctx, cliCfg))
	require.NoError(t, <-srvErr)
}

// dialRaw dials name on tr without a manager, waiting for the listener.
func dialRaw(t *testing.T, ctx context.Context, tr *mem.Transport, name string) transport.Session {
	t.Helper()
	for {
		s, err := tr.Dial(ctx, name)
		if err == nil {
			return s
		}
		select {
		case <-ctx.Done():
			t.Fatalf("dial %s: %v", name, err)
		case <-time.After(time.Millisecond):
		}
	}
}
