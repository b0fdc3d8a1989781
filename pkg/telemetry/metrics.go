package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a tstack process. The zero
// value, and a collector built from a disabled config, record nothing.
type Metrics struct {
	cfg MetricsConfig
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	runOutcomes *prometheus.CounterVec
	runSeconds  *prometheus.HistogramVec

	requests       *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
	pending        prometheus.Gauge

	providerCalls   *prometheus.CounterVec
	providerSeconds *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec

	failures *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	m := &Metrics{cfg: cfg}
	if !cfg.Enabled {
		return m
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.reg = prometheus.NewRegistry()
	f := promauto.With(m.reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runs = counter("runs_started_total", "Stack runs started.", "stack")
	m.runOutcomes = counter("runs_completed_total", "Stack runs finished, by final status.", "status")
	m.runSeconds = histogram("run_duration_seconds", "Wall time of a stack run.", "status")

	m.requests = counter("requests_total", "Resource requests resolved, by kind, operation and outcome.", "kind", "operation", "status")
	m.requestSeconds = histogram("request_duration_seconds", "Time from submission to resolution of a resource request.", "kind", "operation")
	m.pending = f.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "requests_in_flight",
		Help:      "Resource requests submitted to a provider and not yet resolved.",
	})

	m.providerCalls = counter("provider_calls_total", "Calls made into providers.", "provider", "operation")
	m.providerSeconds = histogram("provider_call_duration_seconds", "Duration of provider calls.", "provider", "operation")
	m.providerErrors = counter("provider_errors_total", "Provider calls that returned an error.", "provider", "operation")

	m.failures = counter("errors_total", "Resource failures by engine error code.", "code")
	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.reg != nil
}

// RecordRunStarted counts a run of stack.
func (m *Metrics) RecordRunStarted(stack string) {
	if m.enabled() {
		m.runs.WithLabelValues(stack).Inc()
	}
}

// RecordRunCompleted counts a finished run and observes its duration.
func (m *Metrics) RecordRunCompleted(status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runOutcomes.WithLabelValues(status).Inc()
	m.runSeconds.WithLabelValues(status).Observe(d.Seconds())
}

// RequestStarted marks one request as in flight until RecordRequest.
func (m *Metrics) RequestStarted() {
	if m.enabled() {
		m.pending.Inc()
	}
}

// RecordRequest records the outcome of one resource request. An empty
// operation is reported as "none".
func (m *Metrics) RecordRequest(kind, operation, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	if operation == "" {
		operation = "none"
	}
	m.pending.Dec()
	m.requests.WithLabelValues(kind, operation, status).Inc()
	m.requestSeconds.WithLabelValues(kind, operation).Observe(d.Seconds())
}

func (m *Metrics) RecordProviderCall(provider, operation string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerSeconds.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.enabled() {
		m.providerErrors.WithLabelValues(provider, operation).Inc()
	}
}

// RecordError counts a resource failure. Errors without a code are skipped.
func (m *Metrics) RecordError(code string) {
	if m.enabled() && code != "" {
		m.failures.WithLabelValues(code).Inc()
	}
}

// Registry returns the registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Timer measures the time since it was created.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve binds the configured listen address and serves Handler on the
// configured path until ctx is done. Bind errors are returned; the server
// itself runs in the background.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() || m.cfg.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return err
	}

	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			FromContext(ctx).WithError(err).Error("Metrics server stopped")
		}
	}()

	FromContext(ctx).Infof("Serving metrics on %s%s", ln.Addr(), path)
	return nil
}
