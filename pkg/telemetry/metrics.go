package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// TelemetryEnabledEnv gates every metric primitive.
	TelemetryEnabledEnv = "HEPHAESTUS_TELEMETRY_ENABLED"

	// PrometheusHostEnv and PrometheusPortEnv configure the embedded
	// metrics endpoint.
	PrometheusHostEnv = "HEPHAESTUS_PROMETHEUS_HOST"
	PrometheusPortEnv = "HEPHAESTUS_PROMETHEUS_PORT"

	defaultPrometheusHost = "127.0.0.1"
	defaultPrometheusPort = "9464"
)

// Enabled reports whether metric collection is switched on.
func Enabled() bool {
	return os.Getenv(TelemetryEnabledEnv) == "true"
}

// Metrics owns a Prometheus registry and lazily-created instruments. All
// record methods are no-ops when the instance is disabled, so callers never
// branch on configuration.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelSets  map[string][]string
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics(enabled bool) *Metrics {
	return &Metrics{
		enabled:    enabled,
		registry:   prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labelSets:  map[string][]string{},
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide metrics instance, enabled per the
// environment flag at first use.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(Enabled())
	})
	return defaultMetrics
}

// RecordCounter increments the named counter.
func (m *Metrics) RecordCounter(name string, value float64, attributes map[string]string) {
	if m == nil || !m.enabled {
		return
	}
	labels, values := splitLabels(attributes)

	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitizeMetricName(name),
			Help: "Counter for " + name,
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
		m.labelSets[name] = labels
	}
	registered := m.labelSets[name]
	m.mu.Unlock()

	if metric, err := vec.GetMetricWithLabelValues(alignLabelValues(registered, labels, values)...); err == nil {
		metric.Add(value)
	}
}

// RecordGauge sets the named gauge.
func (m *Metrics) RecordGauge(name string, value float64, attributes map[string]string) {
	if m == nil || !m.enabled {
		return
	}
	labels, values := splitLabels(attributes)

	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitizeMetricName(name),
			Help: "Gauge for " + name,
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
		m.labelSets[name] = labels
	}
	registered := m.labelSets[name]
	m.mu.Unlock()

	if metric, err := vec.GetMetricWithLabelValues(alignLabelValues(registered, labels, values)...); err == nil {
		metric.Set(value)
	}
}

// RecordHistogram observes a value in the named histogram.
func (m *Metrics) RecordHistogram(name string, value float64, attributes map[string]string) {
	if m == nil || !m.enabled {
		return
	}
	labels, values := splitLabels(attributes)

	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name),
			Help:    "Histogram for " + name,
			Buckets: prometheus.DefBuckets,
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = vec
		m.labelSets[name] = labels
	}
	registered := m.labelSets[name]
	m.mu.Unlock()

	if metric, err := vec.GetMetricWithLabelValues(alignLabelValues(registered, labels, values)...); err == nil {
		metric.Observe(value)
	}
}

// Gather exposes the underlying registry state (for tests and the handler).
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				out[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[family.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[family.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PrometheusAddr resolves the configured metrics endpoint address.
func PrometheusAddr() string {
	host := os.Getenv(PrometheusHostEnv)
	if host == "" {
		host = defaultPrometheusHost
	}
	port := os.Getenv(PrometheusPortEnv)
	if port == "" {
		port = defaultPrometheusPort
	}
	return net.JoinHostPort(host, port)
}

// ServePrometheus starts the embedded metrics endpoint when metrics are
// enabled, returning the server for shutdown. Returns nil when disabled.
func ServePrometheus(m *Metrics, addr string) (*http.Server, error) {
	if m == nil || !m.enabled {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics endpoint %s: %w", addr, err)
	}
	go func() { _ = server.Serve(listener) }()
	return server, nil
}

func splitLabels(attributes map[string]string) ([]string, []string) {
	labels := make([]string, 0, len(attributes))
	for key := range attributes {
		labels = append(labels, key)
	}
	sort.Strings(labels)
	values := make([]string, len(labels))
	for i, key := range labels {
		values[i] = attributes[key]
	}
	return labels, values
}

// alignLabelValues maps the call's label values onto the label set the
// instrument was registered with; labels absent from the call become "".
func alignLabelValues(registered, labels, values []string) []string {
	byName := make(map[string]string, len(labels))
	for i, label := range labels {
		byName[label] = values[i]
	}
	aligned := make([]string, len(registered))
	for i, label := range registered {
		aligned[i] = byName[label]
	}
	return aligned
}

func sanitizeMetricName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
