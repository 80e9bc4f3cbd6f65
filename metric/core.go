package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the process-level metrics shared by all components.
type Metrics struct {
	// BridgeState is 0 idle, 1 running, 2 stopped.
	BridgeState *prometheus.GaugeVec
	ErrorsTotal *prometheus.CounterVec

	SinkSamples *prometheus.CounterVec
	SinkErrors  *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
	NATSRTT        prometheus.Gauge
}

// NewMetrics creates the core collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		BridgeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bridge",
			Name:      "state",
			Help:      "Bridge state (0=idle, 1=running, 2=stopped)",
		}, []string{"stream"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),
		SinkSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "samples_total",
			Help:      "Samples accepted by each sink",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Sink push and open failures",
		}, []string{"sink"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "rtt_milliseconds",
			Help:      "Last measured NATS round trip time",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BridgeState,
		m.ErrorsTotal,
		m.SinkSamples,
		m.SinkErrors,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSRTT,
	}
}

// RecordError counts an error for component under its class name.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordSinkSample counts one sample accepted by sink.
func (m *Metrics) RecordSinkSample(sink string) {
	if m == nil {
		return
	}
	m.SinkSamples.WithLabelValues(sink).Inc()
}

// RecordSinkError counts one failure in sink.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// SetNATSConnected records the connection status.
func (m *Metrics) SetNATSConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// Core returns the registry's core metrics, or nil for a nil registry.
func Core(r *MetricsRegistry) *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}
