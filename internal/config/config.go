// Package config loads the gateway's YAML configuration file: one entry
// per serial connection, with the devices multiplexed onto it. It
// mirrors the decode-then-validate shape used throughout this codebase's
// other config loaders, but keyed to OSDP's device/bus data model.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openosdp/gateway/pkg/osdp"
)

// Config is the root of the gateway's config file.
type Config struct {
	Log         LogConfig        `yaml:"log"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Runtime     RuntimeConfig    `yaml:"runtime"`
	Connections []ConnectionSpec `yaml:"connections"`
}

// RuntimeConfig controls packet-trace retention and the local control
// socket osdpctl talks to.
type RuntimeConfig struct {
	TraceEnabled  bool   `yaml:"trace_enabled"`
	TraceCapacity int    `yaml:"trace_capacity"` // default osdp.DefaultTraceCapacity
	ControlSocket string `yaml:"control_socket"` // default /var/run/osdpgwd.sock
}

// LogConfig controls the structured logging sink (SPEC_FULL.md §4.11).
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error; default info
	Format string `yaml:"format"` // text, json; default text
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":9100"; default ":9100" when enabled
}

// ConnectionSpec is one serial bus and the devices mounted on it. All
// devices on a connection must share Baud (osdp.DeviceConfig invariant).
type ConnectionSpec struct {
	ConnectionString string       `yaml:"connection_string"`
	Baud             int          `yaml:"baud"`
	Devices          []DeviceSpec `yaml:"devices"`
}

// DeviceSpec is one PD as expressed in YAML; KeyHexFile holds a 32-hex-
// char secure-channel key out of line from the config file itself, the
// way the rest of this codebase keeps key material in sidecar files
// rather than inline in YAML.
type DeviceSpec struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Address      int    `yaml:"address"`
	Mode         string `yaml:"mode"` // clear_text, install, secure
	KeyHexFile   string `yaml:"key_hex_file"`
	Enabled      *bool  `yaml:"enabled"`
	PollInterval string `yaml:"poll_interval"` // e.g. "1s"; default 1s
}

// Load reads, decodes (rejecting unknown fields), and validates path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9100"
	}
	if c.Runtime.TraceCapacity <= 0 {
		c.Runtime.TraceCapacity = osdp.DefaultTraceCapacity
	}
	if c.Runtime.ControlSocket == "" {
		c.Runtime.ControlSocket = "/var/run/osdpgwd.sock"
	}
}

// Validate checks structural invariants the YAML decoder cannot express
// on its own: at most one device per (connection, address), and that
// DeviceConfigs built from the spec would themselves validate.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}

	seenConn := make(map[string]bool)
	for i, conn := range c.Connections {
		if conn.ConnectionString == "" {
			return fmt.Errorf("config: connections[%d].connection_string is required", i)
		}
		if seenConn[conn.ConnectionString] {
			return fmt.Errorf("config: duplicate connection_string %q", conn.ConnectionString)
		}
		seenConn[conn.ConnectionString] = true

		seenAddr := make(map[int]bool)
		for j, dev := range conn.Devices {
			if dev.ID == "" {
				return fmt.Errorf("config: connections[%d].devices[%d].id is required", i, j)
			}
			if seenAddr[dev.Address] {
				return fmt.Errorf("config: connections[%d]: duplicate address %d", i, dev.Address)
			}
			seenAddr[dev.Address] = true
			if _, err := dev.toDeviceConfig(conn.ConnectionString, osdp.BaudRate(conn.Baud)); err != nil {
				return fmt.Errorf("config: connections[%d].devices[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// DeviceConfigs flattens the file into osdp.DeviceConfig values ready for
// Manager.AddDevice, reading each device's key material from its
// KeyHexFile when Mode is secure.
func (c *Config) DeviceConfigs() ([]osdp.DeviceConfig, error) {
	var out []osdp.DeviceConfig
	for _, conn := range c.Connections {
		for _, dev := range conn.Devices {
			dc, err := dev.toDeviceConfig(conn.ConnectionString, osdp.BaudRate(conn.Baud))
			if err != nil {
				return nil, err
			}
			out = append(out, dc)
		}
	}
	return out, nil
}

func (d DeviceSpec) toDeviceConfig(connection string, baud osdp.BaudRate) (osdp.DeviceConfig, error) {
	mode, err := parseMode(d.Mode)
	if err != nil {
		return osdp.DeviceConfig{}, err
	}

	var key []byte
	if mode == osdp.Secure {
		key, err = readHexKeyFile(d.KeyHexFile)
		if err != nil {
			return osdp.DeviceConfig{}, err
		}
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	pollInterval := time.Second
	if d.PollInterval != "" {
		pollInterval, err = time.ParseDuration(d.PollInterval)
		if err != nil {
			return osdp.DeviceConfig{}, fmt.Errorf("invalid poll_interval %q: %w", d.PollInterval, err)
		}
	}

	dc := osdp.DeviceConfig{
		ID:               d.ID,
		Name:             d.Name,
		Address:          uint8(d.Address),
		ConnectionString: connection,
		Baud:             baud,
		Mode:             mode,
		Key:              key,
		Enabled:          enabled,
		PollInterval:     pollInterval,
	}
	if err := dc.Validate(); err != nil {
		return osdp.DeviceConfig{}, err
	}
	return dc, nil
}

func parseMode(raw string) (osdp.SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "clear_text", "cleartext":
		return osdp.ClearText, nil
	case "install":
		return osdp.Install, nil
	case "secure":
		return osdp.Secure, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", raw)
	}
}

func readHexKeyFile(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("key_hex_file is required for secure mode")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key_hex_file %s: %w", path, err)
	}
	hexStr := strings.TrimSpace(string(content))
	key, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("decode key_hex_file %s: %w", path, err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key_hex_file %s must decode to 16 bytes, got %d", path, len(key))
	}
	return key, nil
}
