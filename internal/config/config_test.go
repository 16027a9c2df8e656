package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bridge-controller/internal/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != core.WiFiMode {
		t.Errorf("mode = %s, want WIFI_MODE", cfg.Mode())
	}
	if cfg.Link.Transport != "sim" || cfg.Link.I2CAddress != 0x28 {
		t.Errorf("link defaults = %+v", cfg.Link)
	}
	if got := Duration(cfg.Dispatcher.Yield); got != 500*time.Millisecond {
		t.Errorf("yield = %s, want 500ms", got)
	}
	if got := Duration(cfg.Talkback.PollInterval); got != 15*time.Second {
		t.Errorf("talkback poll = %s, want 15s", got)
	}
	if cfg.Link.SimProcessATicks != 30 || cfg.Link.SimProcessBTicks != 15 {
		t.Errorf("sim ticks = %d/%d", cfg.Link.SimProcessATicks, cfg.Link.SimProcessBTicks)
	}
	if !strings.HasPrefix(cfg.MQTT.ClientID, "bridge-controller-") || cfg.MQTT.ClientID == cfg.MQTTCloud.ClientID {
		t.Errorf("client ids = %q, %q", cfg.MQTT.ClientID, cfg.MQTTCloud.ClientID)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"dispatcher": {"initial_mode": " BLE ", "yield": "10ms"},
		"link": {"transport": "Serial", "serial_port": "/dev/ttyS1"},
		"mqtt": {"enabled": true, "topic_prefix": "/lab/bridge/"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != core.BLEMode {
		t.Errorf("mode = %s, want BLE_MODE", cfg.Mode())
	}
	if cfg.Link.Transport != "serial" {
		t.Errorf("transport = %q, want serial", cfg.Link.Transport)
	}
	if cfg.MQTT.TopicPrefix != "lab/bridge" {
		t.Errorf("topic prefix = %q, want lab/bridge", cfg.MQTT.TopicPrefix)
	}
	if Duration(cfg.Dispatcher.Yield) != 10*time.Millisecond {
		t.Errorf("yield = %q", cfg.Dispatcher.Yield)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
dispatcher:
  initial_mode: offline
settings:
  backend: redis
  redis_addr: cache:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != core.OfflineMode {
		t.Errorf("mode = %s, want OFFLINE_MODE", cfg.Mode())
	}
	if cfg.Settings.Backend != "redis" || cfg.Settings.RedisAddr != "cache:6379" {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "c.json", `{"link":`},
		{"bad mode", "c.json", `{"dispatcher": {"initial_mode": "zigbee"}}`},
		{"bad transport", "c.json", `{"link": {"transport": "can"}}`},
		{"serial without port", "c.json", `{"link": {"transport": "serial"}}`},
		{"bad duration", "c.json", `{"link": {"ack_timeout": "soon"}}`},
		{"bad backend", "c.yml", "settings:\n  backend: etcd\n"},
		{"talkback without url", "c.json", `{"talkback": {"enabled": true}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.file, tt.content)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}
