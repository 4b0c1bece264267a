package mem

import (
	"bytes"
	"io"
	"sync"
)

// pipe is a one-directional buffered byte pipe. Writes block only while the
// buffer is full, so two peers may write their stream preambles concurrently
// without waiting on each other.
type pipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	limit   int
	wclosed bool
	err     error
}

func newPipe(limit int) *pipe {
	p := &pipe{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for len(b) > 0 {
		if p.err != nil {
			return n, p.err
		}
		if p.wclosed {
			return n, io.ErrClosedPipe
		}
		space := p.limit - p.buf.Len()
		if space <= 0 {
			p.cond.Wait()
			continue
		}
		w := min(space, len(b))
		p.buf.Write(b[:w])
		b = b[w:]
		n += w
		p.cond.Broadcast()
	}
	return n, nil
}

func (p *pipe) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		// buffered data survives a close, like a finished stream on the wire
		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(b)
			p.cond.Broadcast()
			return n, nil
		}
		if p.err != nil {
			return 0, p.err
		}
		if p.wclosed {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

func (p *pipe) closeWrite() {
	p.mu.Lock()
	p.wclosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) abort(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}
