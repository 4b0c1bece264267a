package frame

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	DefaultMaxChunkSize = 64 << 10
	DefaultMaxFrameSize = 16 << 20
)

type ReassemblerOptions struct {
	MaxChunkSize int
	MaxFrameSize int
	Logger       *zap.Logger
	// OnFrame, when set, observes the size of every delivered frame.
	OnFrame func(size int)
}

// Reassembler reads one inbound stream, recovers frames and pushes them into
// a Queue. It owns the reader and the partial frame buffer.
type Reassembler struct {
	r     io.Reader
	split Splitter
	q     *Queue
	chunk int
	log   *zap.Logger
	onFr  func(int)

	pending atomic.Int64
	frames  atomic.Uint64
}

func NewReassembler(r io.Reader, f Framer, q *Queue, opts ReassemblerOptions) *Reassembler {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if f == nil {
		f = SentinelFramer{}
	}
	return &Reassembler{
		r:     r,
		split: f.NewSplitter(opts.MaxFrameSize),
		q:     q,
		chunk: opts.MaxChunkSize,
		log:   opts.Logger,
		onFr:  opts.OnFrame,
	}
}

// Pending reports buffered bytes of an incomplete frame. Zero means idle.
func (ra *Reassembler) Pending() int { return int(ra.pending.Load()) }

// Frames reports how many frames were delivered so far.
func (ra *Reassembler) Frames() uint64 { return ra.frames.Load() }

// Run pumps the stream until it ends, ctx is cancelled or the queue is
// closed. The queue is always closed on return; the returned error is nil
// for a clean end of stream.
func (ra *Reassembler) Run(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			ra.q.Close(io.EOF)
		} else {
			ra.q.Close(err)
		}
	}()

	buf := make([]byte, ra.chunk)
	for {
		n, rerr := ra.r.Read(buf)
		if n > 0 {
			frames, serr := ra.split.Feed(buf[:n])
			ra.pending.Store(int64(ra.split.Pending()))
			for _, f := range frames {
				if len(f) == 0 {
					ra.log.Warn("dropping empty frame")
					continue
				}
				if perr := ra.q.Push(ctx, f); perr != nil {
					return perr
				}
				ra.frames.Add(1)
				if ra.onFr != nil {
					ra.onFr(len(f))
				}
				ra.log.Debug("frame reassembled", zap.Int("bytes", len(f)))
			}
			if serr != nil {
				ra.log.Warn("stream framing failed", zap.Error(serr))
				return serr
			}
		}
		if rerr == io.EOF {
			if p := ra.split.Pending(); p > 0 {
				ra.log.Warn("stream ended inside a frame", zap.Int("bytes", p))
			}
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}
