package osdp

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the gateway exposes
// (SPEC_FULL.md §4.11). Register attaches them to a registry; callers
// typically pass prometheus.DefaultRegisterer from cmd/osdpgwd.
type Metrics struct {
	MissedReplies  *prometheus.CounterVec
	DeviceOnline   *prometheus.GaugeVec
	DroppedEvents  *prometheus.CounterVec
	TraceEntries   *prometheus.GaugeVec
}

// NewMetrics constructs the collector set without registering it.
func NewMetrics() *Metrics {
	return &Metrics{
		MissedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdpgw_bus_missed_replies_total",
			Help: "Count of missed/invalid replies observed per bus connection.",
		}, []string{"connection"}),
		DeviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osdpgw_device_online",
			Help: "1 if the reader is currently Online, 0 otherwise.",
		}, []string{"reader"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdpgw_router_dropped_events_total",
			Help: "Count of events dropped due to subscriber backpressure, by stream.",
		}, []string{"stream"}),
		TraceEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "osdpgw_trace_ring_entries",
			Help: "Current number of entries retained in the packet-trace ring buffer.",
		}, []string{"connection"}),
	}
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.MissedReplies, m.DeviceOnline, m.DroppedEvents, m.TraceEntries}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveOnline records a device's online/offline transition.
func (m *Metrics) ObserveOnline(reader string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	m.DeviceOnline.WithLabelValues(reader).Set(v)
}

// ObserveMissedReply increments the missed-reply counter for connection.
func (m *Metrics) ObserveMissedReply(connection string) {
	m.MissedReplies.WithLabelValues(connection).Inc()
}

// ObserveDroppedEvent increments the dropped-event counter for stream.
func (m *Metrics) ObserveDroppedEvent(stream string) {
	m.DroppedEvents.WithLabelValues(stream).Inc()
}

// ObserveTraceLen records the current ring-buffer occupancy for connection.
func (m *Metrics) ObserveTraceLen(connection string, length int) {
	m.TraceEntries.WithLabelValues(connection).Set(float64(length))
}
