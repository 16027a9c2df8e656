package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bridge-controller/internal/frame"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultSlaveAddress is the 7-bit address the slave firmware listens on.
const DefaultSlaveAddress = 0x28

// I2CBus is the master side of the link on a Linux I2C adapter. The slave
// cannot interrupt the master, so Read polls the slave's TX buffer and
// discards reads that are not a frame (an empty buffer reads as 0xFF).
type I2CBus struct {
	mu        sync.Mutex
	bus       i2c.BusCloser
	dev       *i2c.Dev
	pollEvery time.Duration
}

// OpenI2C opens the named adapter ("" picks the first one) and addresses
// the slave at addr.
func OpenI2C(name string, addr uint16, pollEvery time.Duration) (*I2CBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host drivers: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", name, err)
	}
	if pollEvery <= 0 {
		pollEvery = 20 * time.Millisecond
	}
	return &I2CBus{
		bus:       bus,
		dev:       &i2c.Dev{Bus: bus, Addr: addr},
		pollEvery: pollEvery,
	}, nil
}

func (b *I2CBus) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dev.Tx(p, nil); err != nil {
		return fmt.Errorf("i2c write: %w", err)
	}
	return nil
}

func (b *I2CBus) Read(ctx context.Context, p []byte) (int, error) {
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()

	for {
		n, err := b.readOnce(p)
		if err == nil && n > 0 {
			return n, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctxErr(ctx)
		case <-ticker.C:
		}
	}
}

func (b *I2CBus) readOnce(p []byte) (int, error) {
	if len(p) < frame.Length {
		return 0, fmt.Errorf("i2c read: buffer shorter than a frame")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := p[:frame.Length]
	if err := b.dev.Tx(nil, buf); err != nil {
		return 0, fmt.Errorf("i2c read: %w", err)
	}
	if !frame.Valid(buf) {
		return 0, nil
	}
	return frame.Length, nil
}

func (b *I2CBus) Close() error {
	return b.bus.Close()
}
