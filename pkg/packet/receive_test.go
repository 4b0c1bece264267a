package packet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttpacket/pkg/codec"
	"ttpacket/pkg/frame"
	"ttpacket/pkg/transport/mem"
)

// twoClients connects two clients to srv one after another, so the first
// gets client id 0. Each client has send types registered by reg.
func twoClients(t *testing.T, tr *mem.Transport, srv *Manager, reg func(*Manager)) (first, second *Manager) {
	t.Helper()
	ctx := testCtx(t)
	srvErr := startServer(ctx, srv, ServerConfig{Addr: "srv", IncomingStreams: 1, WaitForClients: 2, ExpectedClients: 2})
	clients := []*Manager{newTestManager(t, tr), newTestManager(t, tr)}
	for _, c := range clients {
		reg(c)
		require.NoError(t, c.InitClient(ctx, ClientConfig{ServerAddr: "srv"}))
		require.Eventually(t, func() bool { return srv.NumClients() >= 1 }, time.Second, time.Millisecond)
	}
	require.NoError(t, <-srvErr)
	require.Len(t, srv.Peers(), 2)
	return clients[0], clients[1]
}

func waitMsgsIn(t *testing.T, m *Manager, addr string, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := m.PeerStats(addr)
		return err == nil && st.MsgsIn == n
	}, time.Second, 5*time.Millisecond)
}

func TestReceivedAllKeepsFramesWhenAnotherPeerCloses(t *testing.T) {
	tr := mem.New()
	srv := newTestManager(t, tr)
	a, b := twoClients(t, tr, srv, func(m *Manager) { require.NoError(t, RegisterSend[ping](m)) })
	require.NoError(t, RegisterReceive[ping](srv, codec.NewBuilder[ping](nil)))
	ctx := testCtx(t)

	addrA, addrB := srv.Peers()[0], srv.Peers()[1]
	require.NoError(t, Send(ctx, a, ping{ID: 7}))
	waitMsgsIn(t, srv, addrA, 1)

	require.NoError(t, b.Close())
	id, err := ChannelFor[ping](srv, Inbound)
	require.NoError(t, err)
	pb, err := srv.dir.get(addrB)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pb.queue(id).Closed() }, time.Second, time.Millisecond)

	_, err = ReceivedAll[ping](ctx, srv, false)
	var re *ReceiveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, addrB, re.Peer)
	assert.ErrorIs(t, err, frame.ErrQueueClosed)

	require.NoError(t, srv.ClosePeer(addrB))
	got, err := ReceivedAll[ping](ctx, srv, false)
	require.NoError(t, err)
	assert.Equal(t, map[string][]ping{addrA: {{ID: 7}}}, got)
}

func TestReceivedAllDecodeFailureKeepsOtherPeers(t *testing.T) {
	tr := mem.New()
	srv := newTestManager(t, tr)
	a, b := twoClients(t, tr, srv, func(m *Manager) { require.NoError(t, RegisterSend[raw](m)) })
	require.NoError(t, RegisterReceive[raw](srv, rawBuilder))
	ctx := testCtx(t)

	addrA, addrB := srv.Peers()[0], srv.Peers()[1]
	require.NoError(t, Send(ctx, a, raw("ok")))
	require.NoError(t, Send(ctx, b, raw("bad")))
	waitMsgsIn(t, srv, addrA, 1)
	waitMsgsIn(t, srv, addrB, 1)

	got, err := ReceivedAll[raw](ctx, srv, false)
	var re *ReceiveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, addrB, re.Peer)
	assert.Equal(t, []raw{raw("ok")}, got[addrA])
	assert.NotContains(t, got, addrB)
}

func TestReceivedAllReturnsOnClose(t *testing.T) {
	tr := mem.New()
	srv, cli := newTestManager(t, tr), newTestManager(t, tr)
	require.NoError(t, RegisterSend[ping](cli))
	connect(t, srv, cli, ServerConfig{IncomingStreams: 1}, ClientConfig{})
	require.NoError(t, RegisterReceive[ping](srv, codec.NewBuilder[ping](nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := ReceivedAll[ping](ctx, srv, true)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("ReceivedAll still blocked after Close")
	}
	_, err := ReceivedAll[ping](ctx, srv, true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBlockingReceivedWaitsForFirstPeer(t *testing.T) {
	tr := mem.New()
	srv, cli := newTestManager(t, tr), newTestManager(t, tr)
	ctx := testCtx(t)
	require.NoError(t, srv.InitServer(ctx, ServerConfig{Addr: "srv", IncomingStreams: 1, ExpectedClients: 1}))
	require.NoError(t, RegisterReceive[ping](srv, codec.NewBuilder[ping](nil)))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err := Received[ping](short, srv, true)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan []ping, 1)
	go func() {
		vs, err := Received[ping](ctx, srv, true)
		assert.NoError(t, err)
		got <- vs
	}()

	require.NoError(t, RegisterSend[ping](cli))
	require.NoError(t, cli.InitClient(ctx, ClientConfig{ServerAddr: "srv"}))
	require.NoError(t, Send(ctx, cli, ping{ID: 3}))

	select {
	case vs := <-got:
		assert.Equal(t, []ping{{ID: 3}}, vs)
	case <-ctx.Done():
		t.Fatal("blocking Received did not see the late peer")
	}
}
