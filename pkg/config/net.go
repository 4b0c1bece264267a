package config

import (
	"time"

	"github.com/pkg/errors"

	"ttpacket/pkg/frame"
	"ttpacket/pkg/packet"
	tquic "ttpacket/pkg/transport/quic"
)

// NetConfig contains client dial tuning options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
	DialTimeoutMS        int `mapstructure:"dial_timeout_ms"`
}

// FrameConfig selects the wire framing and receive buffering.
type FrameConfig struct {
	// Framing: sentinel or length. Both peers must agree.
	Framing       string `mapstructure:"framing"`
	MaxChunkSize  int    `mapstructure:"max_chunk_size"`
	MaxFrameSize  int    `mapstructure:"max_frame_size"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
}

func (f *FrameConfig) validate() error {
	if _, err := frame.ByName(f.Framing); err != nil {
		return errors.Wrap(err, "frame.framing")
	}
	if f.MaxChunkSize < 0 || f.MaxFrameSize < 0 || f.QueueCapacity < 0 {
		return errors.New("frame: sizes must not be negative")
	}
	return nil
}

// QUICConfig tunes the QUIC transport.
type QUICConfig struct {
	ALPN               string `mapstructure:"alpn"`
	KeepAliveMS        int    `mapstructure:"keep_alive_ms"`
	MaxIdleTimeoutMS   int    `mapstructure:"max_idle_timeout_ms"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	MaxIncomingStreams int64  `mapstructure:"max_incoming_streams"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// QUICOptions translates the quic and node sections for tquic.New.
func (c *Config) QUICOptions() tquic.Options {
	return tquic.Options{
		LocalAddr:             c.Node.ClientAddr,
		ALPN:                  c.QUIC.ALPN,
		KeepAlivePeriod:       ms(c.QUIC.KeepAliveMS),
		MaxIdleTimeout:        ms(c.QUIC.MaxIdleTimeoutMS),
		HandshakeTimeout:      ms(c.QUIC.HandshakeTimeoutMS),
		MaxIncomingUniStreams: c.QUIC.MaxIncomingStreams,
		InsecureSkipVerify:    c.QUIC.InsecureSkipVerify,
	}
}

// ManagerOptions translates the frame, quic and net sections. Transport and
// Logger are left for the caller.
func (c *Config) ManagerOptions() (packet.Options, error) {
	f, err := frame.ByName(c.Frame.Framing)
	if err != nil {
		return packet.Options{}, err
	}
	return packet.Options{
		Framer:           f,
		QueueCapacity:    c.Frame.QueueCapacity,
		MaxChunkSize:     c.Frame.MaxChunkSize,
		MaxFrameSize:     c.Frame.MaxFrameSize,
		HandshakeTimeout: ms(c.QUIC.HandshakeTimeoutMS),
		Backoff: packet.Backoff{
			Initial: ms(c.Net.DialBackoffInitialMS),
			Max:     ms(c.Net.DialBackoffMaxMS),
			Jitter:  ms(c.Net.DialBackoffJitterMS),
		},
	}, nil
}

func (c *Config) ServerConfig() packet.ServerConfig {
	return packet.ServerConfig{
		Addr:            c.Node.ListenAddr,
		IncomingStreams: c.Streams.Incoming,
		OutgoingStreams: c.Streams.Outgoing,
		WaitForClients:  c.Server.WaitForClients,
		ExpectedClients: c.Server.ExpectedClients,
	}
}

func (c *Config) ClientConfig() packet.ClientConfig {
	return packet.ClientConfig{
		ServerAddr:      c.Node.ServerAddr,
		LocalAddr:       c.Node.ClientAddr,
		IncomingStreams: c.Streams.Incoming,
		OutgoingStreams: c.Streams.Outgoing,
		DialTimeout:     ms(c.Net.DialTimeoutMS),
	}
}
