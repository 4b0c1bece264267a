package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
	return p.uo.Unmarshal(data, msg)
}

// ProtoBuilder decodes frames into generated message types such as
// *wrapperspb.StringValue.
type ProtoBuilder[T proto.Message] struct{}

func (ProtoBuilder[T]) Build(data []byte) (T, error) {
	var zero T
	// generated messages answer ProtoReflect on a nil receiver
	msg, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		return zero, errors.Errorf("protobuf: cannot allocate %T", zero)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, errors.Wrapf(err, "codec: decode %T", zero)
	}
	return msg, nil
}
