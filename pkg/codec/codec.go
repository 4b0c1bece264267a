// Package codec provides the serialization glue for packet types: a small
// Codec interface with CBOR, JSON and Protobuf implementations, plus generic
// builders that turn received frames back into typed values.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

// Codec defines a simple interface for marshaling typed messages.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps format names and content types to codecs.
type Registry struct {
	byType  map[string]Codec
	aliases map[string]string
}

// NewRegistry constructs a registry preloaded with the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec), aliases: make(map[string]string)}
	r.Register("json", JSON())
	r.Register("proto", Proto())
	r.Register("cbor", cborDefault)
	return r
}

// Register adds a codec under its content type and an optional short name.
func (r *Registry) Register(name string, c Codec) {
	r.byType[c.ContentType()] = c
	if name != "" {
		r.aliases[strings.ToLower(name)] = c.ContentType()
	}
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup resolves a short name ("cbor") or a content type.
func (r *Registry) Lookup(name string) (Codec, error) {
	if c := r.byType[name]; c != nil {
		return c, nil
	}
	if ct, ok := r.aliases[strings.ToLower(name)]; ok {
		return r.byType[ct], nil
	}
	return nil, errors.Errorf("codec: unknown format %q", name)
}

// Builder decodes frames into values of T with a Codec. It satisfies the
// packet builder contract.
type Builder[T any] struct {
	Codec Codec
}

// NewBuilder returns a Builder for T using c, or CBOR when c is nil.
func NewBuilder[T any](c Codec) Builder[T] {
	if c == nil {
		c = cborDefault
	}
	return Builder[T]{Codec: c}
}

func (b Builder[T]) Build(data []byte) (T, error) {
	var v T
	c := b.Codec
	if c == nil {
		c = cborDefault
	}
	if err := c.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, errors.Wrapf(err, "codec: decode %T", v)
	}
	return v, nil
}

// Marshal encodes v with c, or CBOR when c is nil. Packet types typically
// call it from their MarshalPacket method.
func Marshal(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = cborDefault
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: encode %T", v)
	}
	return b, nil
}
