package main

import (
	"strings"

	"ttpacket/pkg/config"
	"ttpacket/pkg/transport"
	"ttpacket/pkg/transport/mem"
	tquic "ttpacket/pkg/transport/quic"
)

// ErrUnknownKind reports a transport name with no implementation.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// newTransport builds the transport named by node.transport.
func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch strings.ToLower(cfg.Node.Transport) {
	case "quic", "":
		t, err := tquic.New(cfg.QUICOptions())
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mem", "inproc":
		return mem.New(), nil
	default:
		return nil, ErrUnknownKind(cfg.Node.Transport)
	}
}
