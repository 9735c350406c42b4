package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "gateway.yaml")
	cfgYAML := `
log:
  level: debug
connections:
  - connection_string: /dev/ttyUSB0
    baud: 9600
    devices:
      - id: r1
        name: "Front Door"
        address: 1
        mode: clear_text
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.Log.Level)
	}
	if len(cfg.Connections) != 1 || len(cfg.Connections[0].Devices) != 1 {
		t.Fatalf("expected one connection with one device, got %+v", cfg.Connections)
	}

	devices, err := cfg.DeviceConfigs()
	if err != nil {
		t.Fatalf("DeviceConfigs returned error: %v", err)
	}
	if devices[0].Address != 1 || devices[0].PollInterval.Seconds() != 1 {
		t.Fatalf("unexpected device config: %+v", devices[0])
	}
}

func TestLoadRejectsDuplicateAddress(t *testing.T) {
	cfgPath := writeConfig(t, `
connections:
  - connection_string: /dev/ttyUSB0
    baud: 9600
    devices:
      - id: r1
        address: 1
      - id: r2
        address: 1
`)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected duplicate address error, got nil")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	cfgPath := writeConfig(t, `
connections:
  - connection_string: /dev/ttyUSB0
    baud: 9600
    bogus_field: true
    devices: []
`)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected unknown-field decode error, got nil")
	}
}

func TestSecureModeRequiresReadableKeyFile(t *testing.T) {
	cfgPath := writeConfig(t, `
connections:
  - connection_string: /dev/ttyUSB0
    baud: 9600
    devices:
      - id: r1
        address: 1
        mode: secure
        key_hex_file: /nonexistent/key.hex
`)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected key file read error, got nil")
	}
}

func TestSecureModeLoadsSixteenByteKey(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "device.hex")
	if err := os.WriteFile(keyPath, []byte("000102030405060708090A0B0C0D0E0F\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfgPath := filepath.Join(tmp, "gateway.yaml")
	cfgYAML := `
connections:
  - connection_string: /dev/ttyUSB0
    baud: 9600
    devices:
      - id: r1
        address: 1
        mode: secure
        key_hex_file: ` + keyPath + `
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	devices, err := cfg.DeviceConfigs()
	if err != nil {
		t.Fatalf("DeviceConfigs returned error: %v", err)
	}
	if len(devices[0].Key) != 16 {
		t.Fatalf("expected 16-byte key, got %d bytes", len(devices[0].Key))
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "gateway.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}
