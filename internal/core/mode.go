package core

import (
	"fmt"
	"strings"
)

// WirelessMode says which radio stack currently owns the hardware.
type WirelessMode uint8

const (
	WiFiMode WirelessMode = iota
	BLEMode
	OfflineMode
)

func (m WirelessMode) String() string {
	switch m {
	case WiFiMode:
		return "WIFI_MODE"
	case BLEMode:
		return "BLE_MODE"
	case OfflineMode:
		return "OFFLINE_MODE"
	default:
		return "UNKNOWN_MODE"
	}
}

// ParseMode accepts "wifi", "ble" or "offline" in any case.
func ParseMode(s string) (WirelessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wifi_mode":
		return WiFiMode, nil
	case "ble", "ble_mode":
		return BLEMode, nil
	case "offline", "offline_mode":
		return OfflineMode, nil
	default:
		return WiFiMode, fmt.Errorf("unknown wireless mode %q", s)
	}
}

// Radio is a transport whose lifecycle the dispatcher drives on mode
// changes. Start and Stop must tolerate being called when already in the
// requested state.
type Radio interface {
	Name() string
	Start() error
	Stop() error
}
