package clearnet

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-memory Transport pair. Frames sent on one end arrive on the
// other; closing either end disconnects both.
type PipeEnd struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *PipeEnd
}

// NewPipe returns two connected ends.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a, b := newPipeEnd(), newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *PipeEnd {
	e := &PipeEnd{
		in:     make(chan []byte, 64),
		out:    make(chan []byte),
		closed: make(chan struct{}),
	}
	go e.forward()
	return e
}

func (e *PipeEnd) forward() {
	defer close(e.out)
	for {
		select {
		case f := <-e.in:
			select {
			case e.out <- f:
			case <-e.closed:
				return
			}
		case <-e.closed:
			return
		}
	}
}

func (e *PipeEnd) Send(ctx context.Context, frame []byte) error {
	b := make([]byte, len(frame))
	copy(b, frame)
	select {
	case <-e.closed:
		return ErrDisconnected
	case <-e.peer.closed:
		return ErrDisconnected
	default:
	}
	select {
	case e.peer.in <- b:
		return nil
	case <-e.closed:
		return ErrDisconnected
	case <-e.peer.closed:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PipeEnd) Frames() <-chan []byte {
	return e.out
}

func (e *PipeEnd) Err() error {
	select {
	case <-e.closed:
		return ErrDisconnected
	default:
		return nil
	}
}

func (e *PipeEnd) closeLocal() {
	e.once.Do(func() { close(e.closed) })
}

func (e *PipeEnd) Close() error {
	e.closeLocal()
	e.peer.closeLocal()
	return nil
}
