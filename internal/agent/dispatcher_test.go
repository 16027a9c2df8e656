package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/link"
	"bridge-controller/internal/slave"
)

// radioLog records radio calls and which radios are up.
type radioLog struct {
	mu      sync.Mutex
	calls   []string
	running map[string]bool
	overlap bool
}

func newRadioLog() *radioLog { return &radioLog{running: map[string]bool{}} }

func (l *radioLog) record(call, name string, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call+" "+name)
	l.running[name] = up
	if l.running["wifi"] && l.running["ble"] {
		l.overlap = true
	}
}

func (l *radioLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRadio struct {
	name string
	log  *radioLog
	err  error
}

func (r *fakeRadio) Name() string { return r.name }

func (r *fakeRadio) Start() error {
	r.log.record("start", r.name, true)
	return r.err
}

func (r *fakeRadio) Stop() error {
	r.log.record("stop", r.name, false)
	return r.err
}

type fakeSlave struct {
	mu     sync.Mutex
	sent   []core.Kind
	result link.Result
	state  byte
	err    error
}

func (s *fakeSlave) Send(_ context.Context, kind core.Kind) link.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, kind)
	return s.result
}

func (s *fakeSlave) QueryStatus(_ context.Context) (link.Result, byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, core.KindSlaveStatus)
	return s.result, s.state, s.err
}

func (s *fakeSlave) sentKinds() []core.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Kind(nil), s.sent...)
}

type fakeSettings map[string]string

func (f fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f[key]
	return v, ok, nil
}

func newTestDispatcher(mode core.WirelessMode, sl SlaveLink) (*Dispatcher, *radioLog) {
	log := newRadioLog()
	radios := Radios{
		WiFi: &fakeRadio{name: "wifi", log: log},
		BLE:  &fakeRadio{name: "ble", log: log},
		MQTT: &fakeRadio{name: "mqtt", log: log},
	}
	d := NewDispatcher(make(core.CommandChannel, 5), radios, sl, fakeSettings{"wifi_ssid": "lab"}, core.NewEventBus(), DispatcherConfig{
		InitialMode:  mode,
		ReplyTimeout: 50 * time.Millisecond,
		StatusKeys:   []string{"wifi_ssid", "broker"},
	})
	return d, log
}

func TestDispatcher_ModeTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      core.WirelessMode
		kind      core.Kind
		wantMode  core.WirelessMode
		wantCalls []string
	}{
		{"wifi cmd in wifi", core.WiFiMode, core.KindWiFi, core.OfflineMode, []string{"stop mqtt", "stop wifi"}},
		{"wifi cmd in ble", core.BLEMode, core.KindWiFi, core.WiFiMode, []string{"stop ble", "start wifi", "start mqtt"}},
		{"wifi cmd offline", core.OfflineMode, core.KindWiFi, core.WiFiMode, []string{"start wifi", "start mqtt"}},
		{"ble cmd in ble", core.BLEMode, core.KindBLE, core.OfflineMode, []string{"stop ble"}},
		{"ble cmd in wifi", core.WiFiMode, core.KindBLE, core.BLEMode, []string{"stop mqtt", "stop wifi", "start ble"}},
		{"ble cmd offline", core.OfflineMode, core.KindBLE, core.BLEMode, []string{"start ble"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, log := newTestDispatcher(tt.from, nil)
			d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: tt.kind})

			if d.Mode() != tt.wantMode {
				t.Errorf("mode = %s, want %s", d.Mode(), tt.wantMode)
			}
			if got := log.snapshot(); !reflect.DeepEqual(got, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestDispatcher_RadiosNeverOverlap(t *testing.T) {
	d, log := newTestDispatcher(core.WiFiMode, nil)
	d.Boot()

	seq := []core.Kind{core.KindBLE, core.KindWiFi, core.KindWiFi, core.KindBLE, core.KindBLE, core.KindWiFi, core.KindBLE}
	for _, k := range seq {
		d.handle(context.Background(), core.Command{Origin: core.OriginMQTT, Kind: k})
	}
	if log.overlap {
		t.Errorf("wifi and ble were up at the same time: %v", log.snapshot())
	}
	if d.Mode() != core.BLEMode {
		t.Errorf("final mode = %s, want BLE_MODE", d.Mode())
	}
}

func TestDispatcher_RadioErrorStillTransitions(t *testing.T) {
	log := newRadioLog()
	radios := Radios{WiFi: &fakeRadio{name: "wifi", log: log, err: errors.New("rfkill")}}
	d := NewDispatcher(make(core.CommandChannel, 5), radios, nil, nil, nil, DispatcherConfig{InitialMode: core.OfflineMode})

	d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: core.KindWiFi})
	if d.Mode() != core.WiFiMode {
		t.Errorf("mode = %s, want WIFI_MODE", d.Mode())
	}
}

func TestDispatcher_Boot(t *testing.T) {
	tests := []struct {
		mode core.WirelessMode
		want []string
	}{
		{core.WiFiMode, []string{"start wifi", "start mqtt"}},
		{core.BLEMode, []string{"start ble"}},
		{core.OfflineMode, nil},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			d, log := newTestDispatcher(tt.mode, nil)
			d.Boot()
			if got := log.snapshot(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("boot calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcher_Echo(t *testing.T) {
	d, _ := newTestDispatcher(core.WiFiMode, nil)
	uart := core.NewReplyChannel()
	d.RegisterReply(core.OriginUART, uart)

	d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: core.KindEcho})
	select {
	case b := <-uart:
		if b != byte(core.KindEcho) {
			t.Errorf("echo = %d, want %d", b, core.KindEcho)
		}
	default:
		t.Fatal("no echo on UART reply queue")
	}

	// No sink registered for HTTP: dropped, nothing else receives it.
	d.handle(context.Background(), core.Command{Origin: core.OriginHTTP, Kind: core.KindEcho})
	if len(uart) != 0 {
		t.Errorf("unexpected reply on UART queue")
	}
	if d.status.LastOutcome != outcomeNoReply {
		t.Errorf("outcome = %q, want %q", d.status.LastOutcome, outcomeNoReply)
	}
}

func TestDispatcher_EchoFullSink(t *testing.T) {
	d, _ := newTestDispatcher(core.WiFiMode, nil)
	full := make(core.ReplyChannel, 1)
	full <- 0
	d.RegisterReply(core.OriginBLE, full)

	start := time.Now()
	d.handle(context.Background(), core.Command{Origin: core.OriginBLE, Kind: core.KindEcho})
	if time.Since(start) > time.Second {
		t.Error("echo to a full sink blocked too long")
	}
	if d.status.LastOutcome != outcomeDropped {
		t.Errorf("outcome = %q, want %q", d.status.LastOutcome, outcomeDropped)
	}
}

func TestDispatcher_SlaveCommands(t *testing.T) {
	tests := []struct {
		kind   core.Kind
		result link.Result
	}{
		{core.KindSlaveStartA, link.ResultOK},
		{core.KindSlaveStartB, link.ResultFail},
		{core.KindSlavePause, link.ResultTimeout},
		{core.KindSlaveContinue, link.ResultOK},
		{core.KindSlaveReset, link.ResultOK},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			sl := &fakeSlave{result: tt.result}
			d, log := newTestDispatcher(core.WiFiMode, sl)
			d.handle(context.Background(), core.Command{Origin: core.OriginHTTP, Kind: tt.kind})

			if got := sl.sentKinds(); !reflect.DeepEqual(got, []core.Kind{tt.kind}) {
				t.Errorf("sent = %v, want [%s]", got, tt.kind)
			}
			if d.Mode() != core.WiFiMode || len(log.snapshot()) != 0 {
				t.Error("slave command touched the wireless mode")
			}
			if d.status.LastOutcome != tt.result.String() {
				t.Errorf("outcome = %q, want %q", d.status.LastOutcome, tt.result)
			}
		})
	}
}

func TestDispatcher_Status(t *testing.T) {
	t.Run("state is replied with marker", func(t *testing.T) {
		sl := &fakeSlave{result: link.ResultOK, state: 3}
		d, _ := newTestDispatcher(core.WiFiMode, sl)
		ch := core.NewReplyChannel()
		d.RegisterReply(core.OriginMQTTCloud, ch)

		d.handle(context.Background(), core.Command{Origin: core.OriginMQTTCloud, Kind: core.KindSlaveStatus})
		if got := drain(ch); !reflect.DeepEqual(got, []byte{core.StatusMarker, 3}) {
			t.Errorf("reply = % x, want fe 03", got)
		}
		if !d.status.SlaveStateKnown || d.status.SlaveState != 3 {
			t.Errorf("status = %+v", d.status)
		}
	})

	t.Run("pair is dropped whole when the sink is short of room", func(t *testing.T) {
		sl := &fakeSlave{result: link.ResultOK, state: 2}
		d, _ := newTestDispatcher(core.WiFiMode, sl)
		ch := core.NewReplyChannel()
		d.RegisterReply(core.OriginMQTT, ch)
		ctx := context.Background()

		for i := 0; i < core.ReplyCapacity-1; i++ {
			d.handle(ctx, core.Command{Origin: core.OriginMQTT, Kind: core.KindEcho})
		}
		d.handle(ctx, core.Command{Origin: core.OriginMQTT, Kind: core.KindSlaveStatus})
		if d.status.LastOutcome != outcomeDropped {
			t.Errorf("outcome = %q, want %q", d.status.LastOutcome, outcomeDropped)
		}

		for i := 0; i < core.ReplyCapacity-1; i++ {
			if r, ok := core.ReadReply(ctx, ch, 10*time.Millisecond); !ok || r.Kind != core.KindEcho {
				t.Fatalf("reply %d = %v, %v", i, r, ok)
			}
		}
		d.handle(ctx, core.Command{Origin: core.OriginMQTT, Kind: core.KindEcho})
		r, ok := core.ReadReply(ctx, ch, 10*time.Millisecond)
		if !ok || r.IsSlaveState || r.Kind != core.KindEcho {
			t.Errorf("reply after the dropped pair = %v, %v, want CMD_ECHO", r, ok)
		}
	})

	t.Run("missing state sends nothing", func(t *testing.T) {
		sl := &fakeSlave{result: link.ResultOK, err: link.ErrNoState}
		d, _ := newTestDispatcher(core.WiFiMode, sl)
		ch := core.NewReplyChannel()
		d.RegisterReply(core.OriginMQTT, ch)

		d.handle(context.Background(), core.Command{Origin: core.OriginMQTT, Kind: core.KindSlaveStatus})
		if len(ch) != 0 {
			t.Errorf("reply queue holds %d values, want 0", len(ch))
		}
	})

	t.Run("no ack sends nothing", func(t *testing.T) {
		sl := &fakeSlave{result: link.ResultTimeout}
		d, _ := newTestDispatcher(core.WiFiMode, sl)
		ch := core.NewReplyChannel()
		d.RegisterReply(core.OriginMQTT, ch)

		d.handle(context.Background(), core.Command{Origin: core.OriginMQTT, Kind: core.KindSlaveStatus})
		if len(ch) != 0 {
			t.Errorf("reply queue holds %d values, want 0", len(ch))
		}
	})
}

func TestDispatcher_DroppedKinds(t *testing.T) {
	for _, k := range []core.Kind{core.KindInvalid, core.KindSlaveOK, core.KindSlaveFail, core.Kind(200)} {
		t.Run(k.String(), func(t *testing.T) {
			sl := &fakeSlave{}
			d, log := newTestDispatcher(core.BLEMode, sl)
			ch := core.NewReplyChannel()
			d.RegisterReply(core.OriginUART, ch)

			d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: k})
			if len(sl.sentKinds()) != 0 || len(log.snapshot()) != 0 || len(ch) != 0 {
				t.Error("dropped command had side effects")
			}
			if d.Mode() != core.BLEMode {
				t.Error("mode changed")
			}
		})
	}
}

func TestDispatcher_SlaveNotification(t *testing.T) {
	sl := &fakeSlave{result: link.ResultOK}
	d, _ := newTestDispatcher(core.WiFiMode, sl)
	sub := d.eventBus.Subscribe(core.SlaveFinishedEvent)

	d.handle(context.Background(), core.Command{Origin: core.OriginSlave, Kind: core.KindSlaveStartA})

	if len(sl.sentKinds()) != 0 {
		t.Error("notification was echoed back to the slave")
	}
	select {
	case ev := <-sub:
		if ev.Payload != core.KindSlaveStartA {
			t.Errorf("payload = %v", ev.Payload)
		}
	default:
		t.Fatal("no SlaveFinishedEvent")
	}
}

func TestDispatcher_DummyReportsSettings(t *testing.T) {
	d, log := newTestDispatcher(core.WiFiMode, nil)
	sub := d.eventBus.Subscribe(core.SettingsEvent)

	d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: core.KindDummy})

	select {
	case ev := <-sub:
		want := map[string]string{"wifi_ssid": "lab"}
		if !reflect.DeepEqual(ev.Payload, want) {
			t.Errorf("settings = %v, want %v", ev.Payload, want)
		}
	default:
		t.Fatal("no SettingsEvent")
	}
	if d.Mode() != core.WiFiMode || len(log.snapshot()) != 0 {
		t.Error("DUMMY changed the wireless mode")
	}
}

func TestDispatcher_FIFO(t *testing.T) {
	sl := &fakeSlave{result: link.ResultOK}
	d, _ := newTestDispatcher(core.OfflineMode, sl)
	sub := d.eventBus.Subscribe(core.CommandHandledEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var want []core.Command
	origins := []core.Origin{core.OriginUART, core.OriginHTTP, core.OriginMQTT, core.OriginBLE}
	kinds := []core.Kind{core.KindSlaveStartA, core.KindSlavePause, core.KindSlaveContinue, core.KindSlaveReset, core.KindSlaveStartB}
	for i := 0; i < 12; i++ {
		cmd := core.Command{Origin: origins[i%len(origins)], Kind: kinds[i%len(kinds)]}
		want = append(want, cmd)
		if err := core.Submit(ctx, d.inbox, cmd, time.Second); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	var got []core.Command
	for len(got) < len(want) {
		select {
		case ev := <-sub:
			got = append(got, ev.Payload.(core.CommandResult).Command)
		case <-time.After(2 * time.Second):
			t.Fatalf("handled %d of %d commands", len(got), len(want))
		}
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("handled order %v, want %v", got, want)
	}
	var wantKinds []core.Kind
	for _, c := range want {
		wantKinds = append(wantKinds, c.Kind)
	}
	if sent := sl.sentKinds(); !reflect.DeepEqual(sent, wantKinds) {
		t.Errorf("slave saw %v, want %v", sent, wantKinds)
	}
}

// Scenarios A and B: mode changes from the UART console.
func TestScenario_UARTModeCommands(t *testing.T) {
	d, log := newTestDispatcher(core.WiFiMode, nil)
	d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: core.KindWiFi})
	if d.Mode() != core.OfflineMode {
		t.Fatalf("mode = %s, want OFFLINE_MODE", d.Mode())
	}
	stops := 0
	for _, c := range log.snapshot() {
		if c == "stop wifi" {
			stops++
		}
		if strings.HasPrefix(c, "start") {
			t.Errorf("unexpected %q", c)
		}
	}
	if stops != 1 {
		t.Errorf("stop wifi called %d times, want 1", stops)
	}

	d, log = newTestDispatcher(core.OfflineMode, nil)
	d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: core.KindBLE})
	if d.Mode() != core.BLEMode {
		t.Fatalf("mode = %s, want BLE_MODE", d.Mode())
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, []string{"start ble"}) {
		t.Errorf("calls = %v, want [start ble]", got)
	}
}

// Scenarios C and D: slave commands over a real link against the simulated peer.
func TestScenario_SlaveOverLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	masterBus, peerBus := link.NewPipe(8)
	defer masterBus.Close()

	inbox := make(core.CommandChannel, 5)
	driver := link.NewDriver(masterBus, inbox, link.DriverConfig{PollInterval: 10 * time.Millisecond, PollWindow: 2 * time.Millisecond})
	peer := slave.NewPeer(peerBus, slave.PeerConfig{Tick: 2 * time.Millisecond, ProcessATicks: 1_000_000})
	go driver.Run(ctx)
	go peer.Run(ctx)

	d := NewDispatcher(inbox, Radios{}, driver, nil, nil, DispatcherConfig{InitialMode: core.WiFiMode})
	mqttReplies := core.NewReplyChannel()
	d.RegisterReply(core.OriginMQTT, mqttReplies)

	d.handle(ctx, core.Command{Origin: core.OriginHTTP, Kind: core.KindSlaveStartA})
	if d.status.LastOutcome != link.ResultOK.String() {
		t.Fatalf("START_A outcome = %q, want OK", d.status.LastOutcome)
	}
	if d.Mode() != core.WiFiMode {
		t.Errorf("mode changed to %s", d.Mode())
	}

	d.handle(ctx, core.Command{Origin: core.OriginMQTT, Kind: core.KindSlaveStatus})
	got := drain(mqttReplies)
	want := []byte{core.StatusMarker, byte(slave.StateProcessA)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MQTT replies = % x, want % x", got, want)
	}
}

func drain(ch core.ReplyChannel) []byte {
	var out []byte
	for {
		select {
		case b := <-ch:
			out = append(out, b)
		default:
			return out
		}
	}
}

func Example_transitions() {
	d, _ := newTestDispatcher(core.WiFiMode, nil)
	for _, k := range []core.Kind{core.KindBLE, core.KindWiFi, core.KindWiFi} {
		d.handle(context.Background(), core.Command{Origin: core.OriginUART, Kind: k})
		fmt.Println(d.Mode())
	}
	// Output:
	// BLE_MODE
	// WIFI_MODE
	// OFFLINE_MODE
}
