package blocking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ttpacket/pkg/codec"
	"ttpacket/pkg/packet"
	"ttpacket/pkg/transport"
	"ttpacket/pkg/transport/mem"
	tquic "ttpacket/pkg/transport/quic"
)

type ping struct{ ID uint32 }

func (p ping) MarshalPacket() ([]byte, error) { return codec.Marshal(nil, p) }

// note is a protobuf-encoded packet.
type note struct{ *wrapperspb.StringValue }

func (n note) MarshalPacket() ([]byte, error) { return codec.Marshal(codec.Proto(), n.StringValue) }

var noteBuilder = packet.BuilderFunc[note](func(b []byte) (note, error) {
	v, err := codec.ProtoBuilder[*wrapperspb.StringValue]{}.Build(b)
	return note{v}, err
})

func newManager(t *testing.T, tr transport.Transport, timeout time.Duration) *Manager {
	t.Helper()
	m, err := New(Options{
		Options: packet.Options{
			Transport:        tr,
			Logger:           zaptest.NewLogger(t),
			HandshakeTimeout: 5 * time.Second,
			Backoff:          packet.Backoff{Initial: 5 * time.Millisecond, Max: 50 * time.Millisecond},
		},
		OpTimeout: timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpTimeoutBoundsBlockingReceive(t *testing.T) {
	tr := mem.New()
	srv, cli := newManager(t, tr, 50*time.Millisecond), newManager(t, tr, 5*time.Second)
	require.NoError(t, RegisterSend[ping](cli))

	errc := make(chan error, 1)
	go func() {
		errc <- srv.InitServer(packet.ServerConfig{Addr: "srv", IncomingStreams: 1, WaitForClients: 1, ExpectedClients: 1})
	}()
	require.NoError(t, cli.InitClient(packet.ClientConfig{ServerAddr: "srv"}))
	require.NoError(t, <-errc)
	require.NoError(t, RegisterReceive[ping](srv, codec.NewBuilder[ping](nil)))

	_, err := Received[ping](srv, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, Send(cli, ping{ID: 4}))
	got, err := Received[ping](srv, true)
	require.NoError(t, err)
	assert.Equal(t, []ping{{ID: 4}}, got)
	assert.Equal(t, 1, srv.NumClients())
}

func TestCloseUnblocksPendingReceive(t *testing.T) {
	tr := mem.New()
	srv := newManager(t, tr, 0)
	require.NoError(t, srv.InitServer(packet.ServerConfig{Addr: "srv", IncomingStreams: 1}))
	require.NoError(t, RegisterReceive[ping](srv, codec.NewBuilder[ping](nil)))

	errc := make(chan error, 1)
	go func() {
		_, err := ReceivedAll[ping](srv, true)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not return after Close")
	}
}

// quicSuite runs the full manager over QUIC on loopback.
type quicSuite struct {
	suite.Suite
	srv     *Manager
	clients []*Manager
}

func TestQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("uses UDP loopback")
	}
	suite.Run(t, new(quicSuite))
}

func (s *quicSuite) newTransport() transport.Transport {
	tr, err := tquic.New(tquic.Options{InsecureSkipVerify: true, HandshakeTimeout: 5 * time.Second})
	s.Require().NoError(err)
	return tr
}

func (s *quicSuite) SetupTest() {
	s.srv = newManager(s.T(), s.newTransport(), 10*time.Second)
	s.Require().NoError(RegisterSend[ping](s.srv))
	s.Require().NoError(RegisterSend[note](s.srv))
	s.Require().NoError(s.srv.InitServer(packet.ServerConfig{Addr: "127.0.0.1:0", IncomingStreams: 2}))
	s.Require().NoError(RegisterReceive[ping](s.srv, codec.NewBuilder[ping](nil)))
	s.Require().NoError(RegisterReceive[note](s.srv, noteBuilder))

	addr := s.srv.Addr().String()
	s.clients = nil
	for i := 0; i < 2; i++ {
		c := newManager(s.T(), s.newTransport(), 10*time.Second)
		s.Require().NoError(RegisterSend[ping](c))
		s.Require().NoError(RegisterSend[note](c))
		s.Require().NoError(c.InitClient(packet.ClientConfig{ServerAddr: addr, IncomingStreams: 2, DialTimeout: 5 * time.Second}))
		s.Require().NoError(RegisterReceive[ping](c, codec.NewBuilder[ping](nil)))
		s.Require().NoError(RegisterReceive[note](c, noteBuilder))
		s.clients = append(s.clients, c)
	}
	s.Require().Eventually(func() bool { return s.srv.NumClients() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func (s *quicSuite) TearDownTest() {
	for _, c := range s.clients {
		_ = c.Close()
	}
	_ = s.srv.Close()
}

func (s *quicSuite) TestBroadcastReachesEveryClient() {
	s.Require().NoError(Broadcast(s.srv, ping{ID: 11}))
	s.Require().NoError(Broadcast(s.srv, note{wrapperspb.String("hello")}))
	for _, c := range s.clients {
		got, err := Received[ping](c, true)
		s.Require().NoError(err)
		s.Equal([]ping{{ID: 11}}, got)
		notes, err := Received[note](c, true)
		s.Require().NoError(err)
		s.Require().Len(notes, 1)
		s.Equal("hello", notes[0].GetValue())
	}
}

func (s *quicSuite) TestReceivedAllFromEveryClient() {
	for i, c := range s.clients {
		s.Require().NoError(Send(c, ping{ID: uint32(i)}))
	}
	total := 0
	for total < len(s.clients) {
		all, err := ReceivedAll[ping](s.srv, true)
		s.Require().NoError(err)
		for _, ps := range all {
			total += len(ps)
		}
	}
	s.Equal(len(s.clients), total)

	err := Send(s.srv, ping{})
	s.ErrorIs(err, packet.ErrAmbiguousPeer)
}

func (s *quicSuite) TestSendToTargetsOnePeer() {
	peers := s.srv.Peers()
	s.Require().Len(peers, 2)
	id, err := s.srv.ClientID(peers[1])
	s.Require().NoError(err)
	s.Equal(1, id)

	s.Require().NoError(SendTo(s.srv, peers[1], ping{ID: 99}))
	var got []ping
	s.Eventually(func() bool {
		for _, c := range s.clients {
			ps, err := Received[ping](c, false)
			if err != nil {
				return false
			}
			got = append(got, ps...)
		}
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.Equal([]ping{{ID: 99}}, got)
}

func (s *quicSuite) TestLargePacketSpansManyReads() {
	big := make([]byte, 256<<10)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	s.Require().NoError(Send(s.clients[0], note{wrapperspb.String(string(big))}))
	var notes []note
	for len(notes) == 0 {
		all, err := ReceivedAll[note](s.srv, true)
		s.Require().NoError(err)
		for _, ns := range all {
			notes = append(notes, ns...)
		}
	}
	s.Require().Len(notes, 1)
	s.Equal(string(big), notes[0].GetValue())

	st, err := s.srv.PeerStats(s.srv.Peers()[0])
	s.Require().NoError(err)
	s.EqualValues(1, st.MsgsIn)
}
