package link

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"bridge-controller/internal/frame"

	"go.bug.st/serial"
)

// StreamBus carries frames over a byte stream (a UART wired to the slave, or
// the simulator on the other end of a serial cable). Frames are recovered
// from the stream by realigning on the start mark.
type StreamBus struct {
	mu     sync.Mutex
	rw     io.ReadWriteCloser
	buf    []byte
	closed bool
}

// OpenSerial opens portName at baudRate (8N1) as a frame stream.
func OpenSerial(portName string, baudRate int) (*StreamBus, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	// Short reads let Read notice context deadlines.
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	return NewStreamBus(port), nil
}

// NewStreamBus wraps rw. rw.Read must return periodically (a read timeout)
// for context deadlines to be honoured.
func NewStreamBus(rw io.ReadWriteCloser) *StreamBus {
	return &StreamBus{rw: rw, buf: make([]byte, 0, 2*frame.Length)}
}

func (s *StreamBus) Write(p []byte) error {
	if _, err := s.rw.Write(p); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *StreamBus) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := make([]byte, frame.Length)
	for {
		if f, ok := s.takeFrame(); ok {
			return copy(p, f), nil
		}
		if s.closed {
			return 0, ErrClosed
		}
		if ctx.Err() != nil {
			return 0, ctxErr(ctx)
		}

		n, err := s.rw.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err == io.EOF {
			s.closed = true
		} else if err != nil {
			return 0, fmt.Errorf("serial read: %w", err)
		}
	}
}

// takeFrame pops one frame from the head of the buffer, discarding bytes
// that cannot start a frame.
func (s *StreamBus) takeFrame() ([]byte, bool) {
	for {
		s.buf = frame.Resync(s.buf)
		if len(s.buf) < frame.Length {
			return nil, false
		}
		if frame.Valid(s.buf[:frame.Length]) {
			f := append([]byte(nil), s.buf[:frame.Length]...)
			s.buf = append(s.buf[:0], s.buf[frame.Length:]...)
			return f, true
		}
		// Start mark without a matching end: skip it and realign.
		s.buf = s.buf[1:]
	}
}

func (s *StreamBus) Close() error {
	return s.rw.Close()
}
