package core

import (
	"context"
	"errors"
	"time"
)

// Origin identifies the subsystem that produced a command.
type Origin uint8

const (
	OriginUART Origin = iota
	OriginHTTP
	OriginHTTPS
	OriginMQTT
	OriginMQTTCloud
	OriginBLE
	OriginSlave
	OriginScheduler
	OriginScript

	// NumOrigins sizes fixed lookup tables keyed by Origin.
	NumOrigins
)

func (o Origin) String() string {
	switch o {
	case OriginUART:
		return "UART"
	case OriginHTTP:
		return "HTTP"
	case OriginHTTPS:
		return "HTTPS"
	case OriginMQTT:
		return "MQTT"
	case OriginMQTTCloud:
		return "MQTT_CLOUD"
	case OriginBLE:
		return "BLE"
	case OriginSlave:
		return "SLAVE"
	case OriginScheduler:
		return "SCHEDULER"
	case OriginScript:
		return "SCRIPT"
	default:
		return "UNKNOWN"
	}
}

// Kind is the command type. The numeric values of the slave-directed kinds
// and of KindOK/KindFail are the payload bytes used on the slave link.
type Kind uint8

const (
	KindSlaveStartA Kind = iota
	KindSlaveStartB
	KindSlavePause
	KindSlaveContinue
	KindSlaveReset
	KindSlaveStatus
	KindSlaveOK
	KindSlaveFail
	KindWiFi
	KindBLE
	KindEcho
	KindDummy
	KindInvalid
)

var kindNames = [...]string{
	KindSlaveStartA:   "CMD_SLAVE_START_A",
	KindSlaveStartB:   "CMD_SLAVE_START_B",
	KindSlavePause:    "CMD_SLAVE_PAUSE",
	KindSlaveContinue: "CMD_SLAVE_CONTINUE",
	KindSlaveReset:    "CMD_SLAVE_RESET",
	KindSlaveStatus:   "CMD_SLAVE_STATUS",
	KindSlaveOK:       "CMD_SLAVE_OK",
	KindSlaveFail:     "CMD_SLAVE_FAIL",
	KindWiFi:          "CMD_WIFI",
	KindBLE:           "CMD_BLE",
	KindEcho:          "CMD_ECHO",
	KindDummy:         "CMD_DUMMY",
	KindInvalid:       "CMD_INVALID",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// IsSlaveDirected reports whether k is sent over the wire to the slave.
func (k Kind) IsSlaveDirected() bool {
	return k <= KindSlaveStatus
}

// Command is the unit exchanged between origin adapters and the dispatcher.
// Adapters build a fresh value per event and never mutate it afterwards.
type Command struct {
	Origin Origin
	Kind   Kind
}

// CommandChannel is the dispatcher's inbound queue.
type CommandChannel chan Command

// ErrInboxFull is returned by Submit when the dispatcher queue stayed full
// for the whole bounded wait.
var ErrInboxFull = errors.New("command queue full")

// Submit delivers cmd to ch, waiting at most timeout for a free slot.
func Submit(ctx context.Context, ch CommandChannel, cmd Command, timeout time.Duration) error {
	select {
	case ch <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- cmd:
		return nil
	case <-timer.C:
		return ErrInboxFull
	case <-ctx.Done():
		return ctx.Err()
	}
}
