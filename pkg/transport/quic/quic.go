package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	quicgo "github.com/quic-go/quic-go"

	"ttpacket/pkg/transport"
)

// DefaultALPN is the application protocol negotiated when Options.ALPN is empty.
const DefaultALPN = "ttpacket"

// Options tunes the QUIC transport. The zero value is usable.
type Options struct {
	// LocalAddr binds the dialing side to a fixed UDP address. Empty lets the
	// OS pick one.
	LocalAddr string
	ALPN      string

	KeepAlivePeriod  time.Duration
	MaxIdleTimeout   time.Duration
	HandshakeTimeout time.Duration
	// MaxIncomingUniStreams caps the uni streams a peer may open at once.
	// Zero keeps the quic-go default.
	MaxIncomingUniStreams int64

	// InsecureSkipVerify disables server certificate checks on dial. Listeners
	// present an ephemeral self-signed certificate, so clients need this unless
	// RootCAs is set.
	InsecureSkipVerify bool
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
}

// Transport carries sessions over QUIC; every logical stream maps to one
// QUIC unidirectional stream.
type Transport struct {
	opts     Options
	srvTLS   *tls.Config
	cliTLS   *tls.Config
	quicConf *quicgo.Config
}

func New(opts Options) (*Transport, error) {
	if opts.ALPN == "" {
		opts.ALPN = DefaultALPN
	}
	certs := opts.Certificates
	if len(certs) == 0 {
		cert, err := selfSignedCert()
		if err != nil {
			return nil, errors.Wrap(err, "quic: generate certificate")
		}
		certs = []tls.Certificate{cert}
	}
	t := &Transport{
		opts: opts,
		srvTLS: &tls.Config{
			Certificates: certs,
			NextProtos:   []string{opts.ALPN},
			MinVersion:   tls.VersionTLS13,
		},
		cliTLS: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			RootCAs:            opts.RootCAs,
			NextProtos:         []string{opts.ALPN},
			MinVersion:         tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{
			KeepAlivePeriod:       opts.KeepAlivePeriod,
			MaxIdleTimeout:        opts.MaxIdleTimeout,
			HandshakeIdleTimeout:  opts.HandshakeTimeout,
			MaxIncomingUniStreams: opts.MaxIncomingUniStreams,
		},
	}
	return t, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.srvTLS, t.quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "quic: listen %s", address)
	}
	ql := &listener{l: l}
	ql.stop = context.AfterFunc(ctx, func() { _ = ql.Close() })
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
	return t.DialFrom(ctx, address, t.opts.LocalAddr)
}

// DialFrom dials address with the UDP socket bound to local. An empty local
// lets the OS choose.
func (t *Transport) DialFrom(ctx context.Context, address, local string) (transport.Session, error) {
	if local == "" {
		c, err := quicgo.DialAddr(ctx, address, t.cliTLS, t.quicConf)
		if err != nil {
			return nil, errors.Wrapf(err, "quic: dial %s", address)
		}
		return &session{c: c}, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "quic: resolve %s", address)
	}
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, errors.Wrapf(err, "quic: resolve local %s", local)
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "quic: bind %s", local)
	}
	tr := &quicgo.Transport{Conn: udp}
	c, err := tr.Dial(ctx, raddr, t.cliTLS, t.quicConf)
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, errors.Wrapf(err, "quic: dial %s from %s", address, local)
	}
	return &session{c: c, onClose: func() {
		_ = tr.Close()
		_ = udp.Close()
	}}, nil
}

// ---- Listener ----

type listener struct {
	l         *quicgo.Listener
	stop      func() bool
	closeOnce sync.Once
	closeErr  error
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		if errors.Is(err, quicgo.ErrServerClosed) {
			return nil, transport.ErrListenerClosed
		}
		return nil, err
	}
	return &session{c: c}, nil
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		if l.stop != nil {
			l.stop()
		}
		l.closeErr = l.l.Close()
	})
	return l.closeErr
}

// ---- Session/Streams ----

type session struct {
	c         quicgo.Connection
	onClose   func()
	closeOnce sync.Once
}

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	st, err := s.c.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, s.mapErr(err, "open uni stream")
	}
	return st, nil
}

func (s *session) AcceptUniStream(ctx context.Context) (transport.RecvStream, error) {
	st, err := s.c.AcceptUniStream(ctx)
	if err != nil {
		return nil, s.mapErr(err, "accept uni stream")
	}
	return recvStream{st}, nil
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.c.CloseWithError(0, "")
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

func (s *session) mapErr(err error, op string) error {
	if ctxErr := s.c.Context().Err(); ctxErr != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(transport.ErrSessionClosed, err.Error())
	}
	return errors.Wrapf(err, "quic: %s", op)
}

type recvStream struct{ quicgo.ReceiveStream }

func (r recvStream) Cancel() { r.CancelRead(0) }

// ---- Helpers ----

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
