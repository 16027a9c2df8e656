// Package uart is the serial console origin. Single digit keys submit the
// command with that numeric kind; typed words such as CMD_SLAVE_STATUS
// followed by Enter are parsed by name. Replies are printed back as text.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"
	"bridge-controller/internal/slave"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	submitTimeout = time.Second
	maxLine       = 64
)

// Console reads commands from a serial line and writes replies to it.
type Console struct {
	rw      io.ReadWriteCloser
	inbox   core.CommandChannel
	replies core.ReplyChannel
	line    []byte
	log     *logrus.Entry
}

// Open opens portName at baudRate (8N1).
func Open(portName string, baudRate int, inbox core.CommandChannel) (*Console, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open console port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	return NewConsole(port, inbox), nil
}

// NewConsole wraps an already open stream.
func NewConsole(rw io.ReadWriteCloser, inbox core.CommandChannel) *Console {
	return &Console{
		rw:      rw,
		inbox:   inbox,
		replies: core.NewReplyChannel(),
		line:    make([]byte, 0, maxLine),
		log:     logging.For("uart"),
	}
}

// Replies is the sink to register with the dispatcher for OriginUART.
func (c *Console) Replies() core.ReplyChannel { return c.replies }

// Run serves the console until ctx is cancelled or the port fails.
func (c *Console) Run(ctx context.Context) {
	c.log.Info("UART console ready.")
	go c.writeReplies(ctx)

	buf := make([]byte, 32)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.rw.Read(buf)
		for _, b := range buf[:n] {
			c.handleByte(ctx, b)
		}
		if errors.Is(err, io.EOF) {
			c.log.Info("UART console closed.")
			return
		}
		if err != nil {
			c.log.WithError(err).Error("UART read failed.")
			return
		}
	}
}

func (c *Console) Close() error {
	return c.rw.Close()
}

func (c *Console) handleByte(ctx context.Context, b byte) {
	switch {
	case b == '\r' || b == '\n':
		if len(c.line) > 0 {
			text := string(c.line)
			c.line = c.line[:0]
			c.submit(ctx, core.ParseKind(text))
		}
	case b >= '0' && b <= '9' && len(c.line) == 0:
		c.log.Infof("Received from UART: %d.", b-'0')
		c.submit(ctx, core.Kind(b-'0'))
	case b < 0x20 || b > 0x7e:
		// Control characters are ignored.
	default:
		if len(c.line) < maxLine {
			c.line = append(c.line, b)
		}
	}
}

func (c *Console) submit(ctx context.Context, kind core.Kind) {
	cmd := core.Command{Origin: core.OriginUART, Kind: kind}
	if err := core.Submit(ctx, c.inbox, cmd, submitTimeout); err != nil {
		c.log.WithError(err).Warnf("Could not queue %s.", kind)
	}
}

func (c *Console) writeReplies(ctx context.Context) {
	for {
		r, ok := core.ReadReply(ctx, c.replies, 0)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.log.Infof("Received from dispatcher: %s.", r)
		if _, err := io.WriteString(c.rw, FormatReply(r)+"\r\n"); err != nil {
			c.log.WithError(err).Warn("UART write failed.")
		}
	}
}

// FormatReply renders a reply for a terminal.
func FormatReply(r core.Reply) string {
	if r.IsSlaveState {
		return fmt.Sprintf("SLAVE_STATE %s (%d)", slave.State(r.SlaveState), r.SlaveState)
	}
	return fmt.Sprintf("REPLY %s (%d)", r.Kind, byte(r.Kind))
}
