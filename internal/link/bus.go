// Package link carries 3-byte frames between this host and the slave
// controller and implements the master side of the request/ack protocol.
package link

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when no frame arrived within the bounded wait.
	ErrTimeout = errors.New("link: timeout waiting for frame")
	// ErrNoState is returned by QueryStatus when the ack arrived but the
	// state frame did not.
	ErrNoState = errors.New("link: no slave state received")
	// ErrBufferFull is returned when the far side's buffer has no room.
	ErrBufferFull = errors.New("link: buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link: closed")
)

// Bus is one endpoint of the point-to-point link.
type Bus interface {
	// Write transmits p without waiting for the far side to consume it.
	Write(p []byte) error
	// Read blocks until a chunk is available or ctx is done. On a deadline
	// it returns ErrTimeout.
	Read(ctx context.Context, p []byte) (int, error)
	Close() error
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
