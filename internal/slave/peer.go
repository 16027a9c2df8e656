package slave

import (
	"context"
	"errors"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/frame"
	"bridge-controller/internal/link"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// PeerConfig tunes the simulated slave.
type PeerConfig struct {
	Tick          time.Duration
	ReadWindow    time.Duration
	ProcessATicks int
	ProcessBTicks int
}

// Peer runs a Machine behind the slave end of a link. On every tick it
// takes at most one frame, acks it with OK, steps the machine, sends the
// resulting state after a STATUS and then the completion notification if
// one fired.
type Peer struct {
	bus        link.Bus
	machine    *Machine
	tick       time.Duration
	readWindow time.Duration
	log        *logrus.Entry
}

// NewPeer creates a peer on bus.
func NewPeer(bus link.Bus, cfg PeerConfig) *Peer {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.ReadWindow <= 0 || cfg.ReadWindow > cfg.Tick {
		cfg.ReadWindow = cfg.Tick / 2
	}
	return &Peer{
		bus:        bus,
		machine:    NewMachine(cfg.ProcessATicks, cfg.ProcessBTicks),
		tick:       cfg.Tick,
		readWindow: cfg.ReadWindow,
		log:        logging.For("slave"),
	}
}

// Machine exposes the peer's state machine for inspection.
func (p *Peer) Machine() *Machine { return p.machine }

// Run services the link until ctx is cancelled.
func (p *Peer) Run(ctx context.Context) {
	p.log.Info("Slave ready.")
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one service cycle.
func (p *Peer) Tick(ctx context.Context) {
	cmd := p.receive(ctx)
	if cmd != NoCommand {
		p.send(byte(core.KindSlaveOK))
	}

	notify, finished := p.machine.Step(cmd)

	// The state frame must directly follow the ack of a STATUS, even when
	// a process finishes on the same tick.
	if core.Kind(cmd) == core.KindSlaveStatus {
		state := p.machine.State()
		p.log.Infof("Sending current state to master: %s.", state)
		p.send(byte(state))
	}

	if finished {
		p.send(notify)
	}
}

func (p *Peer) receive(ctx context.Context) byte {
	readCtx, cancel := context.WithTimeout(ctx, p.readWindow)
	defer cancel()

	buf := make([]byte, frame.Length)
	n, err := p.bus.Read(readCtx, buf)
	if err != nil {
		if !errors.Is(err, link.ErrTimeout) && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Warn("Slave read failed.")
		}
		return NoCommand
	}

	payload, ok := frame.Decode(buf[:n])
	if !ok {
		p.log.Debugf("Discarding malformed frame % x.", buf[:n])
		return NoCommand
	}
	p.log.Infof("Received %s from master.", core.Kind(payload))
	return payload
}

func (p *Peer) send(payload byte) {
	f := frame.Encode(payload)
	if err := p.bus.Write(f[:]); err != nil {
		p.log.WithError(err).Error("Slave buffer is full, unable to write master.")
	}
}
