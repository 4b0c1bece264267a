package frame

import (
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// chunkReader returns at most n bytes per Read.
type chunkReader struct {
	data []byte
	n    int
	err  error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	k := min(c.n, len(p), len(c.data))
	copy(p, c.data[:k])
	c.data = c.data[k:]
	return k, nil
}

func drainAll(t *testing.T, q *Queue) []string {
	t.Helper()
	var got []string
	for {
		frames, err := q.Drain(context.Background(), false)
		if err != nil {
			return got
		}
		if frames == nil {
			return got
		}
		for _, f := range frames {
			got = append(got, string(f))
		}
	}
}

func TestReassemblerDeliversFrames(t *testing.T) {
	wire := encodeAll(SentinelFramer{}, "one", "two", "three")
	for _, chunk := range []int{1, 5, 17, 1 << 10} {
		q := NewQueue(10)
		var sizes []int
		ra := NewReassembler(&chunkReader{data: wire, n: chunk}, SentinelFramer{}, q, ReassemblerOptions{
			Logger:  zap.NewNop(),
			OnFrame: func(n int) { sizes = append(sizes, n) },
		})
		require.NoError(t, ra.Run(context.Background()))
		assert.Equal(t, []string{"one", "two", "three"}, drainAll(t, q))
		assert.Equal(t, []int{3, 3, 5}, sizes)
		assert.Equal(t, uint64(3), ra.Frames())
		assert.Zero(t, ra.Pending())

		_, err := q.Drain(context.Background(), false)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestReassemblerDropsEmptyFrames(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	wire := append(encodeAll(SentinelFramer{}, "x"), Sentinel...)
	q := NewQueue(10)
	ra := NewReassembler(&chunkReader{data: wire, n: 4}, SentinelFramer{}, q, ReassemblerOptions{Logger: zap.New(core)})
	require.NoError(t, ra.Run(context.Background()))
	assert.Equal(t, []string{"x"}, drainAll(t, q))
	assert.Equal(t, 1, logs.FilterMessage("dropping empty frame").Len())
}

func TestReassemblerReadError(t *testing.T) {
	boom := errors.New("reset")
	q := NewQueue(10)
	ra := NewReassembler(&chunkReader{data: encodeAll(SentinelFramer{}, "a"), n: 64, err: boom}, SentinelFramer{}, q, ReassemblerOptions{Logger: zap.NewNop()})
	assert.ErrorIs(t, ra.Run(context.Background()), boom)

	got, err := q.Drain(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	_, err = q.Drain(context.Background(), true)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, err, boom)
}

func TestReassemblerFrameLimit(t *testing.T) {
	q := NewQueue(10)
	ra := NewReassembler(iotest.OneByteReader(&chunkReader{data: make([]byte, 64), n: 64}), SentinelFramer{}, q, ReassemblerOptions{
		MaxFrameSize: 16,
		Logger:       zap.NewNop(),
	})
	assert.ErrorIs(t, ra.Run(context.Background()), ErrFrameTooLarge)
	assert.True(t, q.Closed())
}

func TestReassemblerLengthPrefix(t *testing.T) {
	wire := encodeAll(LengthPrefix{}, "p", "q")
	q := NewQueue(10)
	ra := NewReassembler(&chunkReader{data: wire, n: 3}, LengthPrefix{}, q, ReassemblerOptions{Logger: zap.NewNop()})
	require.NoError(t, ra.Run(context.Background()))
	assert.Equal(t, []string{"p", "q"}, drainAll(t, q))
}
