package wifi

import (
	"errors"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

type fakeRadio struct {
	name string
	err  error
	log  *[]string
}

func (f fakeRadio) Name() string { return f.name }

func (f fakeRadio) Start() error {
	*f.log = append(*f.log, "start "+f.name)
	return f.err
}

func (f fakeRadio) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return f.err
}

func TestGroup(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	g := NewGroup("mqtt", fakeRadio{"a", nil, &log}, fakeRadio{"b", boom, &log}, fakeRadio{"c", nil, &log})

	if err := g.Start(); !errors.Is(err, boom) {
		t.Errorf("Start = %v, want boom", err)
	}
	if err := g.Stop(); !errors.Is(err, boom) {
		t.Errorf("Stop = %v, want boom", err)
	}

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("calls = %v, want %v", log, want)
	}
	if g.Name() != "mqtt" {
		t.Errorf("Name = %q", g.Name())
	}
}

type fakeObject struct {
	method string
	args   []interface{}
	err    error
}

func (f *fakeObject) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.method = method
	f.args = args
	return &dbus.Call{Err: f.err}
}

func TestNetworkManager_SetsWirelessEnabled(t *testing.T) {
	tests := []struct {
		name string
		op   func(*NetworkManager) error
		want bool
	}{
		{"start", (*NetworkManager).Start, true},
		{"stop", (*NetworkManager).Stop, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := &fakeObject{}
			nm := newNetworkManager(obj)
			if err := tt.op(nm); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if obj.method != "org.freedesktop.DBus.Properties.Set" {
				t.Errorf("method = %s", obj.method)
			}
			if len(obj.args) != 3 || obj.args[0] != nmIface || obj.args[1] != "WirelessEnabled" {
				t.Fatalf("args = %v", obj.args)
			}
			if v := obj.args[2].(dbus.Variant).Value(); v != tt.want {
				t.Errorf("value = %v, want %v", v, tt.want)
			}
		})
	}
}

func TestNetworkManager_Error(t *testing.T) {
	nm := newNetworkManager(&fakeObject{err: errors.New("denied")})
	if err := nm.Start(); err == nil {
		t.Error("Start ignored the bus error")
	}
}
