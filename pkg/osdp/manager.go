package osdp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const stopGrace = 5 * time.Second

// defaultInstallKey is the well-known OSDP default install key used to
// bootstrap a secure channel in Install mode, before KEYSET replaces it
// with a per-device key. It must never be used for
// anything but the initial Install handshake.
var defaultInstallKey = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
}

type managedBus struct {
	bus      *Bus
	cancel   context.CancelFunc
	done     chan struct{}
	refCount int
}

type managedDevice struct {
	config   DeviceConfig
	session  *DeviceSession
	feedback *FeedbackController
	busKey   string
}

// Manager reconciles a set of DeviceConfigs with live Buses and
// DeviceSessions, owns their lifecycle, and maintains the
// (connection, address) -> reader lookup the trace service needs.
type Manager struct {
	ports    SerialPortService
	router   *EventRouter
	trace    *Trace
	feedback FeedbackConfigurationService
	secUpd   SecurityModeUpdateService
	metrics  *Metrics
	log      *slog.Logger

	mu      sync.Mutex
	buses   map[string]*managedBus // keyed by connection string
	devices map[string]*managedDevice // keyed by DeviceConfig.ID
	byAddr  map[string]map[uint8]string // connection -> address -> device ID

	sharedPins *PinCollector

	running bool
}

// NewManager constructs an idle Manager. trace may be nil to disable
// packet capture entirely.
func NewManager(ports SerialPortService, router *EventRouter, trace *Trace, feedback FeedbackConfigurationService, secUpd SecurityModeUpdateService, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if router == nil {
		router = NewEventRouter(0)
	}
	return &Manager{
		ports:    ports,
		router:   router,
		trace:    trace,
		feedback: feedback,
		secUpd:   secUpd,
		log:      log,
		buses:    make(map[string]*managedBus),
		devices:  make(map[string]*managedDevice),
		byAddr:   make(map[string]map[uint8]string),
	}
}

// SetMetrics attaches a Metrics collector that future buses and sessions
// will observe into; existing buses/sessions are updated in place.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
	m.router.SetMetrics(metrics)
	for _, mb := range m.buses {
		mb.bus.SetMetrics(metrics)
	}
	for _, dev := range m.devices {
		dev.session.SetMetrics(metrics)
	}
}

// AddDevice validates config, opens (or reuses) its Bus, and mounts a new
// DeviceSession. An invalid config, a duplicate ID or address, a baud
// mismatch on a shared connection, or a bad key is reported as a
// *ConfigError.
func (m *Manager) AddDevice(config DeviceConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[config.ID]; exists {
		return &ConfigError{Field: "id", Reason: "device already registered"}
	}
	if addrs, ok := m.byAddr[config.ConnectionString]; ok {
		if _, taken := addrs[config.Address]; taken {
			return &ConfigError{Field: "address", Reason: "address already in use on this connection"}
		}
	}

	mb, err := m.busForLocked(config.ConnectionString, config.Baud)
	if err != nil {
		return err
	}

	var sc *SecureChannel
	switch config.Mode {
	case Install:
		sc, err = NewSecureChannel(defaultInstallKey)
	case Secure:
		sc, err = NewSecureChannel(config.Key)
	}
	if err != nil {
		return &ConfigError{Field: "key", Reason: err.Error()}
	}

	fc := NewFeedbackController(config.Address, config.Name, mb.bus, m.feedback, m.log)
	session := NewDeviceSession(config, mb.bus, m.router, newSharedPinCollector(m), sc, m.secUpd, fc, m.log)
	session.SetMetrics(m.metrics)

	m.devices[config.ID] = &managedDevice{config: config, session: session, feedback: fc, busKey: config.ConnectionString}
	if m.byAddr[config.ConnectionString] == nil {
		m.byAddr[config.ConnectionString] = make(map[uint8]string)
	}
	m.byAddr[config.ConnectionString][config.Address] = config.ID
	mb.refCount++

	if config.Enabled && m.running {
		mb.bus.Mount(config.Address, session)
	}
	return nil
}

// newSharedPinCollector returns the Manager's single PinCollector,
// creating it on first use. Digit aggregation state is centralized
// across every device.
func newSharedPinCollector(m *Manager) *PinCollector {
	if m.sharedPins == nil {
		m.sharedPins = NewPinCollector(
			func(e PinDigitEvent) { m.router.PinDigits.Publish(e) },
			func(e PinReadEvent) { m.router.PinReads.Publish(e) },
		)
	}
	return m.sharedPins
}

func (m *Manager) busForLocked(connection string, baud BaudRate) (*managedBus, error) {
	if mb, ok := m.buses[connection]; ok {
		if mb.bus.Baud != baud {
			return nil, &ConfigError{Field: "baud", Reason: "connection already open at a different baud rate"}
		}
		return mb, nil
	}
	transport, err := m.ports.Open(connection, baud)
	if err != nil {
		return nil, fmt.Errorf("osdp: opening %s: %w", connection, err)
	}
	bus := NewBus(connection, baud, transport, m.trace, m.log)
	bus.SetMetrics(m.metrics)
	mb := &managedBus{bus: bus, done: make(chan struct{})}
	m.buses[connection] = mb
	if m.running {
		m.startBusLocked(mb)
	}
	return mb, nil
}

func (m *Manager) startBusLocked(mb *managedBus) {
	ctx, cancel := context.WithCancel(context.Background())
	mb.cancel = cancel
	go func() {
		defer close(mb.done)
		if err := mb.bus.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("bus run loop exited", "connection", mb.bus.Connection, "error", err)
		}
	}()
}

// RemoveDevice unmounts and forgets a device; if it was the last device
// on its bus, the bus is also shut down and its transport released.
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return &ConfigError{Field: "id", Reason: "unknown device"}
	}
	mb := m.buses[dev.busKey]
	delete(m.devices, id)
	delete(m.byAddr[dev.busKey], dev.config.Address)
	if mb != nil {
		mb.refCount--
	}
	lastOnBus := mb != nil && mb.refCount <= 0
	m.mu.Unlock()

	if mb != nil {
		mb.bus.Unmount(dev.config.Address)
	}
	dev.feedback.Stop()

	if lastOnBus {
		m.mu.Lock()
		delete(m.buses, dev.busKey)
		m.mu.Unlock()
		if mb.cancel != nil {
			mb.cancel()
			<-mb.done
		}
		mb.bus.Shutdown()
	}
	return nil
}

// Start connects every enabled device: mounts it on its bus and starts
// that bus's run loop if not already running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	for _, mb := range m.buses {
		m.startBusLocked(mb)
	}
	for _, dev := range m.devices {
		if !dev.config.Enabled {
			continue
		}
		mb := m.buses[dev.busKey]
		mb.bus.Mount(dev.config.Address, dev.session)
	}
	return nil
}

// Stop drains every bus: sessions disconnect, buses stop, transports
// close, waiting up to stopGrace for in-flight commands.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	buses := make([]*managedBus, 0, len(m.buses))
	for _, mb := range m.buses {
		buses = append(buses, mb)
	}
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, dev := range devices {
		dev.feedback.Stop()
	}

	for _, mb := range buses {
		if mb.cancel == nil {
			continue
		}
		mb.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, mb := range buses {
			if mb.done != nil {
				<-mb.done
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		m.log.Warn("stop grace period exceeded, forcing transport shutdown")
	}

	for _, mb := range buses {
		mb.bus.Shutdown()
	}
	return nil
}

// ReaderFor resolves the (reader UUID, reader name) attributed to a
// decoded frame for trace consumers.
func (m *Manager) ReaderFor(connection string, address uint8) (id, name string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs, exists := m.byAddr[connection]
	if !exists {
		return "", "", false
	}
	devID, exists := addrs[address]
	if !exists {
		return "", "", false
	}
	dev := m.devices[devID]
	if dev == nil {
		return "", "", false
	}
	return dev.config.ID, dev.config.Name, true
}

// Device returns the current configuration for id, for diagnostics.
func (m *Manager) Device(id string) (DeviceConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok {
		return DeviceConfig{}, false
	}
	return dev.config, true
}

// DeviceStatus is one device's identity and current online posture, for
// console and control-socket listings.
type DeviceStatus struct {
	ID      string
	Name    string
	Address uint8
	Online  bool
}

// ListDevices reports every registered device's current status, sorted
// by ID for stable console output.
func (m *Manager) ListDevices() []DeviceStatus {
	m.mu.Lock()
	devs := make([]*managedDevice, 0, len(m.devices))
	for _, dev := range m.devices {
		devs = append(devs, dev)
	}
	m.mu.Unlock()

	out := make([]DeviceStatus, 0, len(devs))
	for _, dev := range devs {
		out = append(out, DeviceStatus{
			ID:      dev.config.ID,
			Name:    dev.config.Name,
			Address: dev.config.Address,
			Online:  dev.session.IsOnline(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendFeedback delivers fb to the named device's FeedbackController.
func (m *Manager) SendFeedback(ctx context.Context, id string, fb Feedback) error {
	m.mu.Lock()
	dev, ok := m.devices[id]
	m.mu.Unlock()
	if !ok {
		return &ConfigError{Field: "id", Reason: "unknown device"}
	}
	return dev.session.SendFeedback(ctx, fb)
}
