package apps

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// PipeTransport connects apps and a host living in the same process, the equivalent of an iframe
// and its embedding page exchanging window.postMessage events. It implements both AppTransport
// and HostTransport: every Connect produces a new channel pair, one end is returned to the app and
// the other is yielded by Channels.
type PipeTransport struct {
	channels chan Channel

	closeOnce sync.Once
	done      chan struct{}
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	id   string
	pipe *pipe
	in   <-chan []byte
	out  chan<- []byte
}

const pipeBufferSize = 64

var errPipeClosed = errors.New("pipe closed")

// NewPipe returns the two ends of an in-memory duplex channel. Frames sent on one end are
// received on the other, in order. Stopping either end closes both.
func NewPipe() (Channel, Channel) {
	p := &pipe{done: make(chan struct{})}
	aToB := make(chan []byte, pipeBufferSize)
	bToA := make(chan []byte, pipeBufferSize)

	a := pipeEnd{id: uuid.New().String(), pipe: p, in: bToA, out: aToB}
	b := pipeEnd{id: uuid.New().String(), pipe: p, in: aToB, out: bToA}
	return a, b
}

// NewPipeTransport creates an in-process transport.
func NewPipeTransport() *PipeTransport {
	return &PipeTransport{
		channels: make(chan Channel),
		done:     make(chan struct{}),
	}
}

// Connect implements AppTransport. It blocks until the host side accepts the channel.
func (t *PipeTransport) Connect(ctx context.Context) (Channel, error) {
	app, host := NewPipe()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errPipeClosed
	case t.channels <- host:
	}
	return app, nil
}

// Channels implements HostTransport.
func (t *PipeTransport) Channels() iter.Seq[Channel] {
	return func(yield func(Channel) bool) {
		for {
			select {
			case <-t.done:
				return
			case ch := <-t.channels:
				if !yield(ch) {
					return
				}
			}
		}
	}
}

// Shutdown implements HostTransport.
func (t *PipeTransport) Shutdown(context.Context) error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (p pipeEnd) ID() string { return p.id }

func (p pipeEnd) Send(ctx context.Context, frame []byte) error {
	// The receiver owns the frame once sent.
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-p.pipe.done:
		return errPipeClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.pipe.done:
		return errPipeClosed
	case p.out <- buf:
		return nil
	}
}

func (p pipeEnd) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-p.pipe.done:
				return
			case frame := <-p.in:
				if !yield(frame) {
					return
				}
			}
		}
	}
}

func (p pipeEnd) Stop() {
	p.pipe.once.Do(func() {
		close(p.pipe.done)
	})
}
