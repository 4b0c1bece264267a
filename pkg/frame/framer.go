// Package frame restores message boundaries on byte streams. A Framer
// encodes payloads for the wire, a Splitter recovers them from arbitrarily
// chunked reads, and a Reassembler pumps one stream into a bounded Queue.
package frame

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel terminates every frame under sentinel framing. A payload that
// contains these bytes is split at them; callers must avoid that.
var Sentinel = []byte("AAAAAA031320050421")

const (
	NameSentinel = "sentinel"
	NameLength   = "length"
)

// ErrFrameTooLarge is returned when a partial frame grows past the limit.
var ErrFrameTooLarge = errors.New("frame: frame exceeds maximum size")

// Framer is a wire framing scheme. Both peers must use the same one.
type Framer interface {
	Name() string
	// Encode returns payload with framing applied, ready for a single write.
	Encode(payload []byte) []byte
	// NewSplitter returns a fresh decoder for one stream. maxFrame bounds the
	// buffered partial frame; zero means unbounded.
	NewSplitter(maxFrame int) Splitter
}

// Splitter recovers frames from a byte stream fed in arbitrary chunks.
type Splitter interface {
	// Feed appends chunk and returns every frame completed by it, in order.
	Feed(chunk []byte) ([][]byte, error)
	// Pending reports the number of buffered bytes not yet part of a frame.
	Pending() int
}

// ByName returns the framer registered under name. Empty selects sentinel.
func ByName(name string) (Framer, error) {
	switch strings.ToLower(name) {
	case "", NameSentinel:
		return SentinelFramer{}, nil
	case NameLength, "length-prefix":
		return LengthPrefix{}, nil
	default:
		return nil, errors.Errorf("frame: unknown framing %q", name)
	}
}

// SentinelFramer appends Sentinel after each payload.
type SentinelFramer struct{}

func (SentinelFramer) Name() string { return NameSentinel }

func (SentinelFramer) Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(Sentinel))
	out = append(out, payload...)
	return append(out, Sentinel...)
}

func (SentinelFramer) NewSplitter(maxFrame int) Splitter {
	return &sentinelSplitter{max: maxFrame}
}

type sentinelSplitter struct {
	buf []byte
	// bytes of buf already known to hold no complete sentinel
	scanned int
	max     int
}

func (s *sentinelSplitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var frames [][]byte
	start := 0
	for {
		i := bytes.Index(s.buf[start+s.scanned:], Sentinel)
		if i < 0 {
			break
		}
		end := start + s.scanned + i
		frames = append(frames, bytes.Clone(s.buf[start:end]))
		start = end + len(Sentinel)
		s.scanned = 0
	}
	if start > 0 {
		s.buf = append([]byte(nil), s.buf[start:]...)
	}
	s.scanned = max(0, len(s.buf)-len(Sentinel)+1)
	if s.max > 0 && len(s.buf) > s.max {
		return frames, errors.Wrapf(ErrFrameTooLarge, "%d bytes without sentinel", len(s.buf))
	}
	return frames, nil
}

func (s *sentinelSplitter) Pending() int { return len(s.buf) }

// LengthPrefix writes a 4-byte little-endian length before each payload.
type LengthPrefix struct{}

func (LengthPrefix) Name() string { return NameLength }

func (LengthPrefix) Encode(payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func (LengthPrefix) NewSplitter(maxFrame int) Splitter {
	return &lengthSplitter{max: maxFrame}
}

type lengthSplitter struct {
	buf []byte
	max int
}

func (s *lengthSplitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var frames [][]byte
	start := 0
	for len(s.buf)-start >= 4 {
		n := int(binary.LittleEndian.Uint32(s.buf[start:]))
		if s.max > 0 && n > s.max {
			return frames, errors.Wrapf(ErrFrameTooLarge, "declared length %d", n)
		}
		if len(s.buf)-start-4 < n {
			break
		}
		frames = append(frames, bytes.Clone(s.buf[start+4:start+4+n]))
		start += 4 + n
	}
	if start > 0 {
		s.buf = append([]byte(nil), s.buf[start:]...)
	}
	return frames, nil
}

func (s *lengthSplitter) Pending() int { return len(s.buf) }
