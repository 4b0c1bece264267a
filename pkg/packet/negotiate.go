package packet

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"ttpacket/pkg/transport"
)

const tokenSize = 4

// negotiate opens out send streams and accepts in receive streams on sess.
// Each stream starts with its big-endian channel id so the remote side can
// bind streams regardless of accept order. Nothing is kept on failure.
func negotiate(ctx context.Context, sess transport.Session, out, in int, timeout time.Duration, p *peer) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.send = make([]*sendStream, 0, out)
	for i := 0; i < out; i++ {
		w, err := sess.OpenUniStream(ctx)
		if err != nil {
			return errors.Wrapf(err, "open outbound channel %d", i)
		}
		var tok [tokenSize]byte
		binary.BigEndian.PutUint32(tok[:], uint32(i))
		if _, err := w.Write(tok[:]); err != nil {
			return errors.Wrapf(err, "write token for channel %d", i)
		}
		p.send = append(p.send, &sendStream{w: w})
	}

	for i := 0; i < in; i++ {
		r, err := sess.AcceptUniStream(ctx)
		if err != nil {
			return errors.Wrapf(err, "accept inbound stream %d of %d", i+1, in)
		}
		id, err := readToken(ctx, r)
		if err != nil {
			r.Cancel()
			return errors.Wrapf(err, "read token of inbound stream %d", i+1)
		}
		if int(id) >= in {
			r.Cancel()
			return errors.Errorf("inbound channel %d out of range (%d negotiated)", id, in)
		}
		if _, dup := p.pending[id]; dup {
			r.Cancel()
			return errors.Errorf("inbound channel %d announced twice", id)
		}
		p.pending[id] = r
	}
	return nil
}

// readToken reads the channel id preamble. ctx expiry cancels the stream so
// the read cannot outlive the handshake.
func readToken(ctx context.Context, r transport.RecvStream) (ChannelID, error) {
	stop := context.AfterFunc(ctx, r.Cancel)
	defer stop()
	var tok [tokenSize]byte
	if _, err := io.ReadFull(r, tok[:]); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return ChannelID(binary.BigEndian.Uint32(tok[:])), nil
}
