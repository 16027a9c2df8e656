// Package slave models the slave controller: its processing state machine
// and a peer task that runs the machine behind a link endpoint. The master
// never drives the machine directly; it only sends commands and observes
// STATUS replies and "process finished" notifications.
package slave

import (
	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// State is the slave's processing state. Values are the wire codes sent in
// reply to STATUS.
type State byte

const (
	StateIdle State = iota
	StatePause
	StateProcessA
	StateProcessB
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePause:
		return "PAUSE"
	case StateProcessA:
		return "PROCESS_A"
	case StateProcessB:
		return "PROCESS_B"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// NoCommand is fed to Step on ticks without a received frame.
const NoCommand byte = 0xFF

const (
	DefaultProcessATicks = 30
	DefaultProcessBTicks = 15
)

// Machine is the slave state machine. Durations are counted in ticks (one
// Step call each), not wall-clock time.
type Machine struct {
	state         State
	elapsed       int
	resume        State
	processATicks int
	processBTicks int
	log           *logrus.Entry
}

// NewMachine returns a machine in IDLE. Non-positive durations fall back to
// the defaults.
func NewMachine(processATicks, processBTicks int) *Machine {
	if processATicks <= 0 {
		processATicks = DefaultProcessATicks
	}
	if processBTicks <= 0 {
		processBTicks = DefaultProcessBTicks
	}
	return &Machine{
		state:         StateIdle,
		resume:        StateIdle,
		processATicks: processATicks,
		processBTicks: processBTicks,
		log:           logging.For("slave-fsm"),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Elapsed returns the ticks spent in the current process.
func (m *Machine) Elapsed() int { return m.elapsed }

// Step advances one tick with cmd (NoCommand when nothing arrived). When a
// process completes it returns the payload of the notification frame the
// slave must push to the master.
func (m *Machine) Step(cmd byte) (notify byte, ok bool) {
	switch m.state {
	case StateIdle:
		switch core.Kind(cmd) {
		case core.KindSlaveStartA:
			m.log.Info("IDLE received START_A, entering PROCESS_A.")
			m.state = StateProcessA
			m.elapsed = 0
		case core.KindSlaveStartB:
			m.log.Info("IDLE received START_B, entering PROCESS_B.")
			m.state = StateProcessB
			m.elapsed = 0
		}

	case StateProcessA:
		m.elapsed++
		switch {
		case m.elapsed >= m.processATicks:
			m.log.Info("PROCESS_A finished, entering DONE.")
			m.state = StateDone
			return byte(core.KindSlaveStartA), true
		case core.Kind(cmd) == core.KindSlavePause:
			m.pause()
		case core.Kind(cmd) == core.KindSlaveReset:
			m.reset()
		}

	case StateProcessB:
		m.elapsed++
		switch {
		case core.Kind(cmd) == core.KindSlaveStartB || m.elapsed >= m.processBTicks:
			m.log.Info("PROCESS_B finished, entering DONE.")
			m.state = StateDone
			return byte(core.KindSlaveStartB), true
		case core.Kind(cmd) == core.KindSlavePause:
			m.pause()
		case core.Kind(cmd) == core.KindSlaveReset:
			m.reset()
		}

	case StatePause:
		switch core.Kind(cmd) {
		case core.KindSlaveContinue:
			m.log.Infof("PAUSE received CONTINUE, resuming %s.", m.resume)
			m.state = m.resume
		case core.KindSlaveReset:
			m.reset()
		}

	case StateDone:
		m.log.Info("DONE, returning to IDLE.")
		m.state = StateIdle
	}

	return 0, false
}

// pause keeps the elapsed counter so that CONTINUE picks up where the
// process left off.
func (m *Machine) pause() {
	m.log.Infof("%s received PAUSE.", m.state)
	m.resume = m.state
	m.state = StatePause
}

func (m *Machine) reset() {
	m.log.Infof("%s received RESET, returning to IDLE.", m.state)
	m.state = StateIdle
	m.elapsed = 0
}
