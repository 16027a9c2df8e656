package agent

import (
	"context"
	"errors"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/link"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// SlaveLink is the master side of the slave protocol.
type SlaveLink interface {
	Send(ctx context.Context, kind core.Kind) link.Result
	QueryStatus(ctx context.Context) (link.Result, byte, error)
}

// SettingsReader reads persisted key/value settings.
type SettingsReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Radios are the transports switched by WIFI and BLE commands. MQTT depends
// on WiFi and follows it up and down. Nil entries are skipped.
type Radios struct {
	WiFi core.Radio
	BLE  core.Radio
	MQTT core.Radio
}

// DispatcherConfig holds the dispatcher's tunables.
type DispatcherConfig struct {
	InitialMode  core.WirelessMode
	Yield        time.Duration
	ReplyTimeout time.Duration
	StatusKeys   []string
}

const (
	outcomeOK      = "ok"
	outcomeDropped = "dropped"
	outcomeNoReply = "no reply sink"
)

// Dispatcher is the single serialization point for commands. It owns the
// wireless mode and the reply registry; nothing else writes either.
type Dispatcher struct {
	inbox    core.CommandChannel
	replies  [core.NumOrigins]core.ReplyChannel
	radios   Radios
	slave    SlaveLink
	settings SettingsReader
	eventBus *core.EventBus
	cfg      DispatcherConfig

	mode   core.WirelessMode
	status core.Status
	log    *logrus.Entry
}

// NewDispatcher creates a dispatcher reading from inbox.
func NewDispatcher(inbox core.CommandChannel, radios Radios, slave SlaveLink, settings SettingsReader, eventBus *core.EventBus, cfg DispatcherConfig) *Dispatcher {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = time.Second
	}
	if cfg.Yield < 0 {
		cfg.Yield = 0
	}
	if eventBus == nil {
		eventBus = core.NewEventBus()
	}
	return &Dispatcher{
		inbox:    inbox,
		radios:   radios,
		slave:    slave,
		settings: settings,
		eventBus: eventBus,
		cfg:      cfg,
		mode:     cfg.InitialMode,
		status:   core.NewStatus(cfg.InitialMode),
		log:      logging.For("dispatcher"),
	}
}

// RegisterReply installs the reply sink for origin. It must be called
// before Run.
func (d *Dispatcher) RegisterReply(origin core.Origin, ch core.ReplyChannel) {
	if origin >= core.NumOrigins {
		return
	}
	d.replies[origin] = ch
}

// Mode returns the current wireless mode. Only safe from the dispatcher
// goroutine or before Run.
func (d *Dispatcher) Mode() core.WirelessMode { return d.mode }

// Boot brings up the radios of the initial mode and publishes the first
// status snapshot.
func (d *Dispatcher) Boot() {
	d.log.Infof("Booting in %s.", d.mode)
	switch d.mode {
	case core.WiFiMode:
		d.start(d.radios.WiFi)
		d.start(d.radios.MQTT)
	case core.BLEMode:
		d.start(d.radios.BLE)
	}
	d.eventBus.Publish(core.Event{Type: core.StatusEvent, Payload: d.status})
}

// Run processes commands in arrival order until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("Dispatcher ready.")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher shutting down.")
			return
		case cmd := <-d.inbox:
			d.handle(ctx, cmd)
		}

		if d.cfg.Yield > 0 {
			timer := time.NewTimer(d.cfg.Yield)
			select {
			case <-ctx.Done():
				timer.Stop()
				d.log.Info("Dispatcher shutting down.")
				return
			case <-timer.C:
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd core.Command) {
	d.log.Infof("Received command %s from %s.", cmd.Kind, cmd.Origin)

	var outcome string
	if cmd.Origin == core.OriginSlave {
		outcome = d.handleSlaveNotification(cmd)
	} else {
		outcome = d.route(ctx, cmd)
	}

	d.status = d.status.WithCommand(cmd, outcome)
	d.eventBus.Publish(core.Event{Type: core.CommandHandledEvent, Payload: core.CommandResult{Command: cmd, Outcome: outcome}})
	d.eventBus.Publish(core.Event{Type: core.StatusEvent, Payload: d.status})
}

func (d *Dispatcher) route(ctx context.Context, cmd core.Command) string {
	switch cmd.Kind {
	case core.KindWiFi:
		d.switchWiFi()
		return outcomeOK

	case core.KindBLE:
		d.switchBLE()
		return outcomeOK

	case core.KindEcho:
		return d.reply(ctx, cmd.Origin, byte(cmd.Kind))

	case core.KindDummy:
		d.reportSettings(ctx)
		return outcomeOK

	case core.KindSlaveStatus:
		return d.queryStatus(ctx, cmd.Origin)

	case core.KindSlaveStartA, core.KindSlaveStartB, core.KindSlavePause,
		core.KindSlaveContinue, core.KindSlaveReset:
		if d.slave == nil {
			d.log.Warnf("No slave link, dropping %s.", cmd.Kind)
			return outcomeDropped
		}
		res := d.slave.Send(ctx, cmd.Kind)
		if res == link.ResultOK {
			d.log.Infof("Slave acknowledged %s.", cmd.Kind)
		} else {
			d.log.Warnf("Slave did not acknowledge %s: %s.", cmd.Kind, res)
		}
		return res.String()

	default:
		d.log.Debugf("Ignoring %s from %s.", cmd.Kind, cmd.Origin)
		return outcomeDropped
	}
}

// switchWiFi applies the WIFI command: WiFi toggles off, otherwise it
// replaces BLE.
func (d *Dispatcher) switchWiFi() {
	switch d.mode {
	case core.WiFiMode:
		d.stop(d.radios.MQTT)
		d.stop(d.radios.WiFi)
		d.setMode(core.OfflineMode)
	case core.BLEMode:
		d.stop(d.radios.BLE)
		d.start(d.radios.WiFi)
		d.start(d.radios.MQTT)
		d.setMode(core.WiFiMode)
	case core.OfflineMode:
		d.start(d.radios.WiFi)
		d.start(d.radios.MQTT)
		d.setMode(core.WiFiMode)
	}
}

// switchBLE mirrors switchWiFi with the roles swapped.
func (d *Dispatcher) switchBLE() {
	switch d.mode {
	case core.BLEMode:
		d.stop(d.radios.BLE)
		d.setMode(core.OfflineMode)
	case core.WiFiMode:
		d.stop(d.radios.MQTT)
		d.stop(d.radios.WiFi)
		d.start(d.radios.BLE)
		d.setMode(core.BLEMode)
	case core.OfflineMode:
		d.start(d.radios.BLE)
		d.setMode(core.BLEMode)
	}
}

func (d *Dispatcher) setMode(mode core.WirelessMode) {
	d.log.Infof("Wireless mode %s -> %s.", d.mode, mode)
	d.mode = mode
	d.status = d.status.WithMode(mode)
	d.eventBus.Publish(core.Event{Type: core.ModeChangedEvent, Payload: mode})
}

// Radio failures leave the system degraded but the mode still changes.
func (d *Dispatcher) start(r core.Radio) {
	if r == nil {
		return
	}
	if err := r.Start(); err != nil {
		d.log.WithError(err).Errorf("Failed to start %s.", r.Name())
		return
	}
	d.log.Infof("%s started.", r.Name())
}

func (d *Dispatcher) stop(r core.Radio) {
	if r == nil {
		return
	}
	if err := r.Stop(); err != nil {
		d.log.WithError(err).Errorf("Failed to stop %s.", r.Name())
		return
	}
	d.log.Infof("%s stopped.", r.Name())
}

func (d *Dispatcher) reply(ctx context.Context, origin core.Origin, values ...byte) string {
	var sink core.ReplyChannel
	if origin < core.NumOrigins {
		sink = d.replies[origin]
	}
	if sink == nil {
		d.log.Warnf("No reply queue registered for %s, dropping reply.", origin)
		return outcomeNoReply
	}

	if err := core.SendReplies(ctx, sink, d.cfg.ReplyTimeout, values...); err != nil {
		d.log.WithError(err).Warnf("Could not send reply to %s.", origin)
		return outcomeDropped
	}
	return outcomeOK
}

func (d *Dispatcher) queryStatus(ctx context.Context, origin core.Origin) string {
	if d.slave == nil {
		d.log.Warn("No slave link, dropping STATUS.")
		return outcomeDropped
	}

	res, state, err := d.slave.QueryStatus(ctx)
	if res != link.ResultOK {
		d.log.Warnf("Slave did not acknowledge STATUS: %s.", res)
		return res.String()
	}
	if err != nil {
		if errors.Is(err, link.ErrNoState) {
			d.log.Warn("Slave acknowledged STATUS but its state never arrived.")
		} else {
			d.log.WithError(err).Warn("Slave state read failed.")
		}
		return link.ErrNoState.Error()
	}

	d.log.Infof("Slave state is %d.", state)
	d.status = d.status.WithSlaveState(state)
	d.eventBus.Publish(core.Event{Type: core.SlaveStateEvent, Payload: state})

	return d.reply(ctx, origin, core.StatusMarker, state)
}

func (d *Dispatcher) handleSlaveNotification(cmd core.Command) string {
	switch cmd.Kind {
	case core.KindSlaveStartA, core.KindSlaveStartB:
		d.log.Infof("Slave finished %s.", cmd.Kind)
		d.eventBus.Publish(core.Event{Type: core.SlaveFinishedEvent, Payload: cmd.Kind})
		return outcomeOK
	default:
		d.log.Debugf("Ignoring unsolicited %s from slave.", cmd.Kind)
		return outcomeDropped
	}
}

func (d *Dispatcher) reportSettings(ctx context.Context) {
	if d.settings == nil {
		d.log.Warn("No settings store configured.")
		return
	}

	values := make(map[string]string, len(d.cfg.StatusKeys))
	for _, key := range d.cfg.StatusKeys {
		v, ok, err := d.settings.Get(ctx, key)
		switch {
		case err != nil:
			d.log.WithError(err).Warnf("Could not read setting %q.", key)
		case !ok:
			d.log.Infof("Setting %q is not set.", key)
		default:
			d.log.Infof("Setting %q = %q.", key, v)
			values[key] = v
		}
	}
	d.eventBus.Publish(core.Event{Type: core.SettingsEvent, Payload: values})
}
