package packet

import "fmt"

// Packet is implemented by every type that can be sent. MarshalPacket must
// not produce the frame sentinel when sentinel framing is in use.
type Packet interface {
	MarshalPacket() ([]byte, error)
}

// Builder reconstructs a received T from one frame.
type Builder[T any] interface {
	Build(data []byte) (T, error)
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc[T any] func(data []byte) (T, error)

func (f BuilderFunc[T]) Build(data []byte) (T, error) { return f(data) }

// ChannelID numbers the logical streams of one direction, from 0 in
// registration order. It is written as the first four bytes of every stream.
type ChannelID uint32

// Direction selects the send or receive side of the registry.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}
