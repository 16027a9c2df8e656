package core

import "time"

// Status is a point-in-time snapshot of dispatcher-owned state. The
// dispatcher builds it and publishes it as a StatusEvent; other tasks only
// ever see copies.
type Status struct {
	Mode            WirelessMode `json:"-"`
	ModeName        string       `json:"mode"`
	SlaveState      int          `json:"slave_state"`
	SlaveStateKnown bool         `json:"slave_state_known"`
	LastCommand     string       `json:"last_command,omitempty"`
	LastOrigin      string       `json:"last_origin,omitempty"`
	LastOutcome     string       `json:"last_outcome,omitempty"`
	Handled         uint64       `json:"handled"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// NewStatus returns the snapshot for a freshly booted dispatcher.
func NewStatus(mode WirelessMode) Status {
	return Status{
		Mode:       mode,
		ModeName:   mode.String(),
		SlaveState: -1,
		UpdatedAt:  time.Now(),
	}
}

// WithMode returns a copy with the mode replaced.
func (s Status) WithMode(mode WirelessMode) Status {
	s.Mode = mode
	s.ModeName = mode.String()
	s.UpdatedAt = time.Now()
	return s
}

// WithCommand returns a copy recording the outcome of a handled command.
func (s Status) WithCommand(cmd Command, outcome string) Status {
	s.LastCommand = cmd.Kind.String()
	s.LastOrigin = cmd.Origin.String()
	s.LastOutcome = outcome
	s.Handled++
	s.UpdatedAt = time.Now()
	return s
}

// WithSlaveState returns a copy recording the last observed slave state.
func (s Status) WithSlaveState(state byte) Status {
	s.SlaveState = int(state)
	s.SlaveStateKnown = true
	s.UpdatedAt = time.Now()
	return s
}
