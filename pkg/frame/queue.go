package frame

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// DefaultQueueCapacity is the number of frames a Queue buffers before the
// producing reassembler blocks.
const DefaultQueueCapacity = 100

// ErrQueueClosed matches every error returned by a closed, drained Queue.
var ErrQueueClosed = errors.New("frame: queue closed")

// ClosedError carries the reason the producer stopped. io.EOF means the
// remote finished the stream normally.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return ErrQueueClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrQueueClosed, e.Reason)
}

func (e *ClosedError) Is(target error) bool { return target == ErrQueueClosed }
func (e *ClosedError) Unwrap() error        { return e.Reason }

// Queue is a bounded single-producer single-consumer frame queue with a
// terminal close reason. Frames pushed before Close are still drained.
type Queue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    error
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan []byte, capacity), done: make(chan struct{})}
}

// Push enqueues f, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, f []byte) error {
	select {
	case <-q.done:
		return &ClosedError{Reason: q.reason}
	default:
	}
	select {
	case q.ch <- f:
		return nil
	case <-q.done:
		return &ClosedError{Reason: q.reason}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the queue terminal. Only the first reason is kept.
func (q *Queue) Close(reason error) {
	q.closeOnce.Do(func() {
		q.reason = reason
		close(q.done)
	})
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

// Drain returns every queued frame. When blocking it first waits for at
// least one frame; otherwise an empty queue yields nil immediately. Once the
// queue is closed and empty Drain returns a *ClosedError.
func (q *Queue) Drain(ctx context.Context, blocking bool) ([][]byte, error) {
	var out [][]byte
	if blocking {
		select {
		case f := <-q.ch:
			out = append(out, f)
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// single consumer, so Len never overstates what is receivable
	for len(q.ch) > 0 {
		out = append(out, <-q.ch)
	}
	if len(out) == 0 && q.Closed() {
		return nil, q.Err()
	}
	return out, nil
}

// Err returns nil while the queue is open and a *ClosedError carrying the
// close reason afterwards.
func (q *Queue) Err() error {
	if !q.Closed() {
		return nil
	}
	return &ClosedError{Reason: q.reason}
}
