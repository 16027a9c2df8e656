package link

import (
	"context"
	"sync"
)

// pipeEnd is one side of an in-memory link. Each direction is a bounded
// queue of chunks, the same way the slave's RX and TX ring buffers behave on
// the real I2C bus.
type pipeEnd struct {
	rx     <-chan []byte
	tx     chan<- []byte
	done   chan struct{}
	closed *sync.Once
}

// NewPipe returns two connected endpoints: master and peer. Each direction
// buffers up to capacity chunks; writes beyond that fail with ErrBufferFull.
func NewPipe(capacity int) (master Bus, peer Bus) {
	if capacity <= 0 {
		capacity = 1
	}
	toPeer := make(chan []byte, capacity)
	toMaster := make(chan []byte, capacity)
	done := make(chan struct{})
	once := &sync.Once{}

	master = &pipeEnd{rx: toMaster, tx: toPeer, done: done, closed: once}
	peer = &pipeEnd{rx: toPeer, tx: toMaster, done: done, closed: once}
	return master, peer
}

func (p *pipeEnd) Write(b []byte) error {
	chunk := make([]byte, len(b))
	copy(chunk, b)

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.tx <- chunk:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *pipeEnd) Read(ctx context.Context, b []byte) (int, error) {
	select {
	case chunk := <-p.rx:
		return copy(b, chunk), nil
	case <-p.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctxErr(ctx)
	}
}

// Close shuts both endpoints.
func (p *pipeEnd) Close() error {
	p.closed.Do(func() { close(p.done) })
	return nil
}
