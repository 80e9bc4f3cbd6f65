package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gazestream/metric"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	recordsRead      prometheus.Counter
	bytesRead        prometheus.Counter
	samplesPublished prometheus.Counter
	fieldsMalformed  prometheus.Counter
	fieldsMissing    prometheus.Counter
	recordsSkipped   prometheus.Counter
	pushDuration     prometheus.Histogram
	lastSampleTime   prometheus.Gauge
	state            prometheus.Gauge
}

// newMetrics returns nil when registry is nil.
func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	constLabels := prometheus.Labels{"bridge": name}
	counter := func(metricName, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        metricName,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	m := &Metrics{
		recordsRead:      counter("records_read_total", "Records framed from the tracker stream"),
		bytesRead:        counter("bytes_read_total", "Bytes framed from the tracker stream"),
		samplesPublished: counter("samples_published_total", "Samples accepted by the sink"),
		fieldsMalformed:  counter("fields_malformed_total", "Recognised fields dropped because the value was not numeric"),
		fieldsMissing:    counter("fields_missing_total", "Recognised fields absent from records"),
		recordsSkipped:   counter("records_skipped_total", "Records not turned into samples by the tag filter"),
		pushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "push_duration_seconds",
			Help:        "Time for the sink to accept one sample",
			ConstLabels: constLabels,
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),
		lastSampleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "last_sample_timestamp",
			Help:        "Tracker timestamp of the last published sample, in seconds",
			ConstLabels: constLabels,
		}),
	}
	if core := registry.CoreMetrics(); core != nil {
		m.state = core.BridgeState.WithLabelValues(name)
	}

	service := "bridge_" + name
	_ = registry.RegisterCounter(service, "records_read", m.recordsRead)
	_ = registry.RegisterCounter(service, "bytes_read", m.bytesRead)
	_ = registry.RegisterCounter(service, "samples_published", m.samplesPublished)
	_ = registry.RegisterCounter(service, "fields_malformed", m.fieldsMalformed)
	_ = registry.RegisterCounter(service, "fields_missing", m.fieldsMissing)
	_ = registry.RegisterCounter(service, "records_skipped", m.recordsSkipped)
	_ = registry.RegisterHistogram(service, "push_duration", m.pushDuration)
	_ = registry.RegisterGauge(service, "last_sample_timestamp", m.lastSampleTime)

	return m
}

func (m *Metrics) recordRead(n int) {
	if m == nil {
		return
	}
	m.recordsRead.Inc()
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) fieldIssues(malformed, missing int) {
	if m == nil {
		return
	}
	m.fieldsMalformed.Add(float64(malformed))
	m.fieldsMissing.Add(float64(missing))
}

func (m *Metrics) skipped() {
	if m == nil {
		return
	}
	m.recordsSkipped.Inc()
}

func (m *Metrics) published(seconds, timestamp float64) {
	if m == nil {
		return
	}
	m.samplesPublished.Inc()
	m.pushDuration.Observe(seconds)
	m.lastSampleTime.Set(timestamp)
}

func (m *Metrics) setState(s State) {
	if m == nil || m.state == nil {
		return
	}
	m.state.Set(float64(s))
}
