// Package wifi holds the WiFi-side radios the dispatcher switches on mode
// changes.
package wifi

import (
	"fmt"

	"bridge-controller/internal/logging"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	nmBusName  = "org.freedesktop.NetworkManager"
	nmPath     = "/org/freedesktop/NetworkManager"
	nmIface    = "org.freedesktop.NetworkManager"
	propsIface = "org.freedesktop.DBus.Properties"
)

// caller is the part of dbus.BusObject the radio needs.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// NetworkManager switches the host WiFi through NetworkManager's
// WirelessEnabled property on the system bus.
type NetworkManager struct {
	conn *dbus.Conn
	obj  caller
	log  *logrus.Entry
}

// NewNetworkManager connects to the system bus and checks NetworkManager is
// reachable.
func NewNetworkManager() (*NetworkManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	nm := newNetworkManager(conn.Object(nmBusName, nmPath))
	nm.conn = conn
	if _, err := nm.Enabled(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NetworkManager not reachable: %w", err)
	}
	return nm, nil
}

func newNetworkManager(obj caller) *NetworkManager {
	return &NetworkManager{obj: obj, log: logging.For("wifi")}
}

func (n *NetworkManager) Name() string { return "wifi" }

func (n *NetworkManager) Start() error { return n.setEnabled(true) }

func (n *NetworkManager) Stop() error { return n.setEnabled(false) }

// Enabled reports the current WirelessEnabled property.
func (n *NetworkManager) Enabled() (bool, error) {
	var v dbus.Variant
	if err := n.obj.Call(propsIface+".Get", 0, nmIface, "WirelessEnabled").Store(&v); err != nil {
		return false, err
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("WirelessEnabled is not bool")
	}
	return on, nil
}

func (n *NetworkManager) setEnabled(on bool) error {
	if err := n.obj.Call(propsIface+".Set", 0, nmIface, "WirelessEnabled", dbus.MakeVariant(on)).Err; err != nil {
		return fmt.Errorf("set WirelessEnabled=%t: %w", on, err)
	}
	n.log.Infof("Wireless enabled: %t", on)
	return nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
