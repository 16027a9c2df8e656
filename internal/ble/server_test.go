package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bridge-controller/internal/core"
)

func newTestServer(t *testing.T, inbox core.CommandChannel) *Server {
	t.Helper()
	s, err := NewServer(Config{
		LocalName:   "TEST",
		ServiceUUID: "000000ff-0000-1000-8000-00805f9b34fb",
		CharUUID:    "0000ff01-0000-1000-8000-00805f9b34fb",
		NotifyRate:  1000,
		NotifyBurst: 10,
	}, inbox)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestNewServer_BadUUID(t *testing.T) {
	if _, err := NewServer(Config{ServiceUUID: "nope", CharUUID: "nope"}, nil); err == nil {
		t.Error("NewServer accepted an invalid uuid")
	}
}

func TestHandleWrite(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
		want  core.Kind
		none  bool
	}{
		{"raw byte", []byte{0x05}, core.KindSlaveStatus, false},
		{"extra bytes ignored", []byte{0x02, 0x99, 0x10}, core.KindSlavePause, false},
		{"command name", []byte("CMD_BLE"), core.KindBLE, false},
		{"empty", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox := make(core.CommandChannel, 1)
			s := newTestServer(t, inbox)
			s.handleWrite(tt.value)

			if tt.none {
				if len(inbox) != 0 {
					t.Errorf("unexpected command %+v", <-inbox)
				}
				return
			}
			cmd := <-inbox
			if cmd.Origin != core.OriginBLE || cmd.Kind != tt.want {
				t.Errorf("queued %+v, want BLE %s", cmd, tt.want)
			}
		})
	}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeNotifier) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRun_NotifiesReplies(t *testing.T) {
	s := newTestServer(t, nil)
	n := &fakeNotifier{}
	s.notify = n
	s.advertising = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Replies() <- byte(core.KindEcho)
	s.Replies() <- core.StatusMarker
	s.Replies() <- 4

	deadline := time.Now().Add(time.Second)
	for n.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(n.sent))
	}
	if !bytes.Equal(n.sent[0], []byte{10}) || !bytes.Equal(n.sent[1], []byte{core.StatusMarker, 4}) {
		t.Errorf("notifications = % x", n.sent)
	}
}

func TestStopWhenIdle(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on idle server = %v", err)
	}
	if s.Name() != "ble" {
		t.Errorf("Name = %q", s.Name())
	}
}

type fakeAdvertiser struct {
	starts, stops int
	stopErr       error
}

func (f *fakeAdvertiser) Start() error {
	f.starts++
	return nil
}

func (f *fakeAdvertiser) Stop() error {
	f.stops++
	return f.stopErr
}

func TestStop_KeepsAdvertisingOnFailure(t *testing.T) {
	s := newTestServer(t, nil)
	adv := &fakeAdvertiser{stopErr: errors.New("bluez: not permitted")}
	s.adv = adv
	s.registered = true
	s.advertising = true

	if err := s.Stop(); err == nil {
		t.Fatal("Stop hid the advertiser error")
	}
	if !s.advertising {
		t.Fatal("server reports stopped while the advertisement is still up")
	}

	adv.stopErr = nil
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.advertising || adv.stops != 2 {
		t.Fatalf("advertising = %v after %d stops", s.advertising, adv.stops)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.advertising || adv.starts != 1 {
		t.Errorf("advertising = %v after %d starts", s.advertising, adv.starts)
	}
}
