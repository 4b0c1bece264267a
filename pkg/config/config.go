// Package config loads ttpacket node configuration from YAML, environment
// and defaults, and translates it into component options.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node
	AppName string `mapstructure:"app_name"`

	Log     LogConfig     `mapstructure:"log"`
	Node    NodeConfig    `mapstructure:"node"`
	Streams StreamsConfig `mapstructure:"streams"`
	Server  ServerConfig  `mapstructure:"server"`
	Frame   FrameConfig   `mapstructure:"frame"`
	QUIC    QUICConfig    `mapstructure:"quic"`
	Net     NetConfig     `mapstructure:"net"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "ttpacket-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/ttpacket.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Node: NodeConfig{
			Role:       RoleServer,
			Transport:  "quic",
			ListenAddr: "127.0.0.1:4433",
			ServerAddr: "127.0.0.1:4433",
			Codec:      "cbor",
		},
		Streams: StreamsConfig{Incoming: 1, Outgoing: 0},
		Server:  ServerConfig{WaitForClients: 1, ExpectedClients: 1},
		Frame: FrameConfig{
			Framing:       "sentinel",
			MaxChunkSize:  64 << 10,
			MaxFrameSize:  16 << 20,
			QueueCapacity: 100,
		},
		QUIC: QUICConfig{
			ALPN:               "ttpacket",
			KeepAliveMS:        5000,
			MaxIdleTimeoutMS:   30000,
			HandshakeTimeoutMS: 10000,
			MaxIncomingStreams: 100,
			InsecureSkipVerify: true,
		},
		Net: NetConfig{
			DialBackoffInitialMS: 100,
			DialBackoffMaxMS:     5000,
			DialBackoffJitterMS:  50,
			DialTimeoutMS:        10000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TTPACKET and `.`/`-` are replaced with `_`.
// Example: TTPACKET_NODE_ROLE=client
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TTPACKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("TTPACKET_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ttpacket")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ttpacket"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed defaults for viper so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("node.role", cfg.Node.Role)
	v.SetDefault("node.transport", cfg.Node.Transport)
	v.SetDefault("node.listen_addr", cfg.Node.ListenAddr)
	v.SetDefault("node.server_addr", cfg.Node.ServerAddr)
	v.SetDefault("node.client_addr", cfg.Node.ClientAddr)
	v.SetDefault("node.codec", cfg.Node.Codec)

	v.SetDefault("streams.incoming", cfg.Streams.Incoming)
	v.SetDefault("streams.outgoing", cfg.Streams.Outgoing)
	v.SetDefault("server.wait_for_clients", cfg.Server.WaitForClients)
	v.SetDefault("server.expected_clients", cfg.Server.ExpectedClients)

	v.SetDefault("frame.framing", cfg.Frame.Framing)
	v.SetDefault("frame.max_chunk_size", cfg.Frame.MaxChunkSize)
	v.SetDefault("frame.max_frame_size", cfg.Frame.MaxFrameSize)
	v.SetDefault("frame.queue_capacity", cfg.Frame.QueueCapacity)

	v.SetDefault("quic.alpn", cfg.QUIC.ALPN)
	v.SetDefault("quic.keep_alive_ms", cfg.QUIC.KeepAliveMS)
	v.SetDefault("quic.max_idle_timeout_ms", cfg.QUIC.MaxIdleTimeoutMS)
	v.SetDefault("quic.handshake_timeout_ms", cfg.QUIC.HandshakeTimeoutMS)
	v.SetDefault("quic.max_incoming_streams", cfg.QUIC.MaxIncomingStreams)
	v.SetDefault("quic.insecure_skip_verify", cfg.QUIC.InsecureSkipVerify)

	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
	v.SetDefault("net.dial_timeout_ms", cfg.Net.DialTimeoutMS)
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if err := c.Node.validate(); err != nil {
		return err
	}
	if c.Streams.Incoming < 0 || c.Streams.Outgoing < 0 {
		return errors.New("streams: counts must not be negative")
	}
	if c.Server.WaitForClients < 0 || c.Server.ExpectedClients < 0 {
		return errors.New("server: client counts must not be negative")
	}
	if c.Server.ExpectedClients > 0 && c.Server.ExpectedClients < c.Server.WaitForClients {
		return errors.Errorf("server: expected_clients %d below wait_for_clients %d", c.Server.ExpectedClients, c.Server.WaitForClients)
	}
	return c.Frame.validate()
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
