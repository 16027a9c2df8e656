package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"bridge-controller/internal/ble"
	"bridge-controller/internal/config"
	"bridge-controller/internal/core"
	"bridge-controller/internal/link"
	"bridge-controller/internal/logging"
	"bridge-controller/internal/lua"
	"bridge-controller/internal/mqtt"
	"bridge-controller/internal/scheduler"
	"bridge-controller/internal/server"
	"bridge-controller/internal/settings"
	"bridge-controller/internal/slave"
	"bridge-controller/internal/talkback"
	"bridge-controller/internal/uart"
	"bridge-controller/internal/wifi"

	"github.com/sirupsen/logrus"
)

// InboxCapacity is the depth of the dispatcher's command queue.
const InboxCapacity = 5

// Agent owns every origin adapter, the slave link and the dispatcher, and
// ties their lifetimes together.
type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup

	eventBus *core.EventBus
	inbox    core.CommandChannel

	settings   settings.Store
	bus        link.Bus
	driver     *link.Driver
	peer       *slave.Peer
	dispatcher *Dispatcher

	wifiRadio   core.Radio
	bleServer   *ble.Server
	mqttClients []*mqtt.Client
	console     *uart.Console
	server      *server.Server
	talkback    *talkback.Poller
	luaEngine   *lua.Engine
	scheduler   *scheduler.Scheduler

	log *logrus.Entry
}

// NewAgent builds the whole graph from cfg. Nothing runs until Run.
func NewAgent(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
		eventBus: core.NewEventBus(),
		inbox:    make(core.CommandChannel, InboxCapacity),
		log:      logging.For("agent"),
	}

	if err := a.build(); err != nil {
		a.closeResources()
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.config

	store, err := openSettings(a.ctx, cfg.Settings)
	if err != nil {
		return err
	}
	a.settings = store

	a.openLink()

	radios := Radios{}

	if cfg.WiFi.Enabled {
		nm, err := wifi.NewNetworkManager()
		if err != nil {
			a.log.WithError(err).Warn("WiFi control unavailable, continuing without it.")
			a.wifiRadio = wifi.Noop("wifi")
		} else {
			a.wifiRadio = nm
		}
	} else {
		a.wifiRadio = wifi.Noop("wifi")
	}
	radios.WiFi = a.wifiRadio

	if cfg.BLE.Enabled {
		srv, err := ble.NewServer(ble.Config{
			LocalName:   cfg.BLE.LocalName,
			ServiceUUID: cfg.BLE.ServiceUUID,
			CharUUID:    cfg.BLE.CharUUID,
			NotifyRate:  cfg.BLE.NotifyRate,
			NotifyBurst: cfg.BLE.NotifyBurst,
		}, a.inbox)
		if err != nil {
			return fmt.Errorf("ble: %w", err)
		}
		a.bleServer = srv
		radios.BLE = srv
	} else {
		radios.BLE = wifi.Noop("ble")
	}

	var uplinks []core.Radio
	for _, m := range []struct {
		name   string
		cfg    config.MQTTConfig
		origin core.Origin
	}{
		{"mqtt", cfg.MQTT, core.OriginMQTT},
		{"mqtt-cloud", cfg.MQTTCloud, core.OriginMQTTCloud},
	} {
		if !m.cfg.Enabled {
			continue
		}
		c := mqtt.NewClient(m.name, mqtt.Config{
			Broker:      m.cfg.Broker,
			Username:    m.cfg.Username,
			Password:    m.cfg.Password,
			ClientID:    m.cfg.ClientID,
			TopicPrefix: m.cfg.TopicPrefix,
		}, m.origin, a.inbox, a.eventBus)
		a.mqttClients = append(a.mqttClients, c)
		uplinks = append(uplinks, c)
	}
	radios.MQTT = wifi.NewGroup("mqtt", uplinks...)

	a.dispatcher = NewDispatcher(a.inbox, radios, a.driver, a.settings, a.eventBus, DispatcherConfig{
		InitialMode:  cfg.Mode(),
		Yield:        config.Duration(cfg.Dispatcher.Yield),
		ReplyTimeout: config.Duration(cfg.Dispatcher.ReplyTimeout),
		StatusKeys:   cfg.Dispatcher.StatusKeys,
	})

	if a.bleServer != nil {
		a.dispatcher.RegisterReply(core.OriginBLE, a.bleServer.Replies())
	}
	for _, c := range a.mqttClients {
		origin := core.OriginMQTT
		if c.Name() == "mqtt-cloud" {
			origin = core.OriginMQTTCloud
		}
		a.dispatcher.RegisterReply(origin, c.Replies())
	}

	if cfg.UART.Enabled {
		console, err := uart.Open(cfg.UART.Port, cfg.UART.BaudRate, a.inbox)
		if err != nil {
			a.log.WithError(err).Warnf("UART console on %s unavailable, continuing without it.", cfg.UART.Port)
		} else {
			a.console = console
			a.dispatcher.RegisterReply(core.OriginUART, console.Replies())
		}
	}

	if cfg.Talkback.Enabled {
		a.talkback = talkback.New(talkback.Config{
			ReadURL:      cfg.Talkback.ReadURL,
			UpdateURL:    cfg.Talkback.UpdateURL,
			PollInterval: config.Duration(cfg.Talkback.PollInterval),
			Timeout:      config.Duration(cfg.Talkback.Timeout),
			RateLimit:    cfg.Talkback.RateLimit,
		}, a.inbox)
		a.dispatcher.RegisterReply(core.OriginHTTPS, a.talkback.Replies())
	}

	if cfg.ScriptsDir != "" {
		a.luaEngine = lua.NewEngine(a.inbox, cfg.ScriptsDir, a.eventBus)
	}

	var runScript scheduler.ScriptRunner
	if a.luaEngine != nil {
		runScript = a.luaEngine.RunScript
	}
	a.scheduler = scheduler.NewScheduler(a.inbox, cfg.SchedulesFile, runScript)

	if cfg.Server.Enabled {
		a.server = server.NewServer(a.ctx, a.inbox, a.eventBus, cfg.Server.Port, cfg.Server.AllowedOrigins)
		a.server.SetSchedules(a.scheduler)
		a.server.SetSettings(a.settings)
		if a.luaEngine != nil {
			a.server.SetScripts(a.luaEngine)
		}
		a.dispatcher.RegisterReply(core.OriginHTTP, a.server.Replies())
	}

	return nil
}

func openSettings(ctx context.Context, cfg config.SettingsConfig) (settings.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := settings.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		return store, nil
	default:
		store, err := settings.OpenFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		return store, nil
	}
}

// openLink picks the slave transport. "sim" runs the slave state machine
// in-process on the far end of a pipe. A hardware bus that fails to open
// falls back to the simulated slave.
func (a *Agent) openLink() {
	cfg := a.config.Link

	var err error
	switch cfg.Transport {
	case "i2c":
		a.bus, err = link.OpenI2C(cfg.I2CBus, cfg.I2CAddress, 0)
	case "serial":
		a.bus, err = link.OpenSerial(cfg.SerialPort, cfg.BaudRate)
	}
	if err != nil {
		a.log.WithError(err).Warnf("Slave link over %s unavailable, using the simulated slave.", cfg.Transport)
		a.bus = nil
	}

	if a.bus == nil {
		master, peer := link.NewPipe(16)
		a.bus = master
		a.peer = slave.NewPeer(peer, slave.PeerConfig{
			Tick:          config.Duration(cfg.SimTick),
			ProcessATicks: cfg.SimProcessATicks,
			ProcessBTicks: cfg.SimProcessBTicks,
		})
	}

	a.driver = link.NewDriver(a.bus, a.inbox, link.DriverConfig{
		AckTimeout:     config.Duration(cfg.AckTimeout),
		StatusTimeout:  config.Duration(cfg.StatusTimeout),
		PollInterval:   config.Duration(cfg.PollInterval),
		PollWindow:     config.Duration(cfg.PollWindow),
		ForwardTimeout: config.Duration(cfg.ForwardTimeout),
	})
}

func (a *Agent) spawn(f func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		f(a.ctx)
	}()
}

// Run starts every component and blocks in the dispatcher loop until
// Shutdown.
func (a *Agent) Run() {
	if a.peer != nil {
		a.spawn(a.peer.Run)
	}
	a.spawn(a.driver.Run)

	if a.bleServer != nil {
		a.spawn(a.bleServer.Run)
	}
	for _, c := range a.mqttClients {
		a.spawn(c.Run)
	}
	if a.console != nil {
		a.spawn(a.console.Run)
	}
	if a.talkback != nil {
		a.spawn(a.talkback.Run)
	}
	if a.server != nil {
		a.spawn(func(context.Context) { a.server.Run() })
		go func() {
			if err := a.server.ListenAndServe(); err != nil {
				a.log.WithError(err).Error("HTTP server error.")
			}
		}()
	}

	a.scheduler.Start()

	a.dispatcher.Boot()
	a.log.Infof("Agent ready in %s.", a.dispatcher.Mode())
	a.dispatcher.Run(a.ctx)
}

// Shutdown stops the dispatcher and all components, then releases the
// hardware.
func (a *Agent) Shutdown() {
	a.cancel()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("HTTP shutdown error.")
		}
		cancel()
	}

	a.scheduler.Stop()
	if a.luaEngine != nil {
		a.luaEngine.Close()
	}

	var radios []core.Radio
	if a.bleServer != nil {
		radios = append(radios, a.bleServer)
	}
	for _, c := range a.mqttClients {
		radios = append(radios, c)
	}
	for _, r := range radios {
		if err := r.Stop(); err != nil {
			a.log.WithError(err).Warnf("Failed to stop %s.", r.Name())
		}
	}

	if a.console != nil {
		_ = a.console.Close()
	}

	a.wg.Wait()
	a.closeResources()
}

func (a *Agent) closeResources() {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if c, ok := a.settings.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if nm, ok := a.wifiRadio.(*wifi.NetworkManager); ok {
		nm.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Warn("Error releasing resources.")
	}
}
