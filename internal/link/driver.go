package link

import (
	"context"
	"errors"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/frame"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of one request/ack transaction.
type Result int

const (
	ResultOK Result = iota
	ResultFail
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultFail:
		return "FAIL"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DriverConfig holds the bounded waits of the master side.
type DriverConfig struct {
	AckTimeout     time.Duration
	StatusTimeout  time.Duration
	PollInterval   time.Duration
	PollWindow     time.Duration
	ForwardTimeout time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollWindow <= 0 {
		c.PollWindow = 50 * time.Millisecond
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 100 * time.Millisecond
	}
	return c
}

type request struct {
	kind   core.Kind
	status bool
	reply  chan response
}

type response struct {
	result Result
	state  byte
	err    error
}

// Driver is the master side of the slave link. A single goroutine (Run)
// owns the bus: it serves requests one at a time and, between requests,
// polls for unsolicited frames which it forwards to the dispatcher inbox as
// commands from OriginSlave. Failed transactions are never retried because
// the protocol has no sequence numbers.
type Driver struct {
	bus      Bus
	inbox    core.CommandChannel
	cfg      DriverConfig
	requests chan request
	log      *logrus.Entry
}

// NewDriver creates a driver for bus. Unsolicited frames go to inbox.
func NewDriver(bus Bus, inbox core.CommandChannel, cfg DriverConfig) *Driver {
	return &Driver{
		bus:      bus,
		inbox:    inbox,
		cfg:      cfg.withDefaults(),
		requests: make(chan request),
		log:      logging.For("link"),
	}
}

// Run serves requests and polls the slave until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	d.log.Info("Link driver started.")
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Link driver shutting down.")
			return
		case req := <-d.requests:
			req.reply <- d.transact(ctx, req)
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// Send transmits kind and waits for the slave's OK.
func (d *Driver) Send(ctx context.Context, kind core.Kind) Result {
	resp := d.do(ctx, request{kind: kind})
	return resp.result
}

// QueryStatus sends a STATUS request and then reads the state frame. The
// two steps fail independently: a missing state frame yields
// (ResultOK, 0, ErrNoState).
func (d *Driver) QueryStatus(ctx context.Context) (Result, byte, error) {
	resp := d.do(ctx, request{kind: core.KindSlaveStatus, status: true})
	return resp.result, resp.state, resp.err
}

func (d *Driver) do(ctx context.Context, req request) response {
	req.reply = make(chan response, 1)
	accept := time.NewTimer(d.cfg.AckTimeout)
	defer accept.Stop()

	select {
	case d.requests <- req:
	case <-accept.C:
		d.log.Warnf("Link driver busy or stopped, %s not sent.", req.kind)
		return response{result: ResultTimeout, err: ErrTimeout}
	case <-ctx.Done():
		return response{result: ResultTimeout, err: ctx.Err()}
	}
	// Once accepted the transaction runs to completion; it cannot be
	// cancelled midway.
	return <-req.reply
}

func (d *Driver) transact(ctx context.Context, req request) response {
	f := frame.Encode(byte(req.kind))
	if err := d.bus.Write(f[:]); err != nil {
		d.log.WithError(err).Warnf("Failed to send %s to slave.", req.kind)
		return response{result: ResultFail, err: err}
	}

	payload, err := d.readFrame(ctx, d.cfg.AckTimeout)
	switch {
	case errors.Is(err, ErrTimeout):
		d.log.Warnf("No ack from slave for %s.", req.kind)
		return response{result: ResultTimeout, err: err}
	case err != nil:
		d.log.WithError(err).Warnf("Bad ack from slave for %s.", req.kind)
		return response{result: ResultFail, err: err}
	case payload != byte(core.KindSlaveOK):
		d.log.Warnf("Slave answered %s with payload %d.", req.kind, payload)
		return response{result: ResultFail}
	}

	if !req.status {
		return response{result: ResultOK}
	}

	state, err := d.readFrame(ctx, d.cfg.StatusTimeout)
	if err != nil {
		d.log.WithError(err).Warn("Slave acked STATUS but sent no state.")
		return response{result: ResultOK, err: ErrNoState}
	}
	return response{result: ResultOK, state: state}
}

var errNotAFrame = errors.New("link: malformed frame")

func (d *Driver) readFrame(ctx context.Context, timeout time.Duration) (byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, frame.Length)
	n, err := d.bus.Read(readCtx, buf)
	if err != nil {
		return 0, err
	}
	payload, ok := frame.Decode(buf[:n])
	if !ok {
		return 0, errNotAFrame
	}
	return payload, nil
}

func (d *Driver) poll(ctx context.Context) {
	payload, err := d.readFrame(ctx, d.cfg.PollWindow)
	if err != nil {
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Debug("Discarding unreadable slave data.")
		}
		return
	}

	cmd := core.Command{Origin: core.OriginSlave, Kind: core.Kind(payload)}
	d.log.Infof("Unsolicited frame from slave: %s.", cmd.Kind)
	if err := core.Submit(ctx, d.inbox, cmd, d.cfg.ForwardTimeout); err != nil {
		d.log.WithError(err).Warnf("Dropping slave notification %s.", cmd.Kind)
	}
}
