package config

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	RoleServer = "server"
	RoleClient = "client"
)

// NodeConfig selects the role and endpoints of this process.
type NodeConfig struct {
	// Role: server or client
	Role string `mapstructure:"role"`
	// Transport: quic or mem
	Transport  string `mapstructure:"transport"`
	ListenAddr string `mapstructure:"listen_addr"`
	ServerAddr string `mapstructure:"server_addr"`
	// ClientAddr optionally binds the client socket
	ClientAddr string `mapstructure:"client_addr"`
	// Codec: cbor, json or proto
	Codec string `mapstructure:"codec"`
}

func (n *NodeConfig) validate() error {
	n.Role = strings.ToLower(strings.TrimSpace(n.Role))
	n.Transport = strings.ToLower(strings.TrimSpace(n.Transport))
	switch n.Role {
	case RoleServer:
		if n.ListenAddr == "" {
			return errors.New("node.listen_addr required for server role")
		}
	case RoleClient:
		if n.ServerAddr == "" {
			return errors.New("node.server_addr required for client role")
		}
	default:
		return errors.Errorf("invalid node.role: %q", n.Role)
	}
	switch n.Transport {
	case "quic", "mem":
	default:
		return errors.Errorf("invalid node.transport: %q", n.Transport)
	}
	return nil
}

// StreamsConfig sets how many channels are negotiated per connection. A zero
// outgoing count uses the number of registered send types.
type StreamsConfig struct {
	Incoming int `mapstructure:"incoming"`
	Outgoing int `mapstructure:"outgoing"`
}

// ServerConfig controls client admission in server role.
type ServerConfig struct {
	WaitForClients int `mapstructure:"wait_for_clients"`
	// ExpectedClients of 0 keeps accepting until shutdown
	ExpectedClients int `mapstructure:"expected_clients"`
}
