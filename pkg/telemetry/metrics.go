package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/topology/pkg/engine"
)

// Metrics provides Prometheus metrics for the topology manager. It
// implements engine.MetricsRecorder. A disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	requestsAccepted *prometheus.CounterVec
	offers           *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	errorsByClass    *prometheus.CounterVec
	hostsRegistered  *prometheus.CounterVec

	availableHosts      prometheus.Gauge
	outstandingRequests prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requestsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_accepted_total",
				Help:      "Total number of topology requests accepted",
			},
			[]string{"type"},
		),
		offers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_offers_total",
				Help:      "Total number of host offers by answer",
			},
			[]string{"answer"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of provisioning tasks finished",
			},
			[]string{"type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of provisioning tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class", "code"},
		),
		hostsRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_registrations_total",
				Help:      "Total number of host registration changes",
			},
			[]string{"change"},
		),
		availableHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available_hosts",
				Help:      "Registered hosts not bound to a host request",
			},
		),
		outstandingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_requests",
				Help:      "Logical requests still waiting for hosts",
			},
		),
	}

	registry.MustRegister(
		m.requestsAccepted,
		m.offers,
		m.tasks,
		m.taskDuration,
		m.errorsByClass,
		m.hostsRegistered,
		m.availableHosts,
		m.outstandingRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordRequestAccepted counts an accepted topology request.
func (m *Metrics) RecordRequestAccepted(requestType string) {
	if m.requestsAccepted == nil {
		return
	}
	m.requestsAccepted.WithLabelValues(requestType).Inc()
}

// RecordOffer counts a host offer answer.
func (m *Metrics) RecordOffer(answer string) {
	if m.offers == nil {
		return
	}
	m.offers.WithLabelValues(answer).Inc()
}

// RecordTask records a finished task with its duration.
func (m *Metrics) RecordTask(taskType, status string, duration time.Duration) {
	if m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SetAvailableHosts sets the number of unbound registered hosts.
func (m *Metrics) SetAvailableHosts(count int) {
	if m.availableHosts == nil {
		return
	}
	m.availableHosts.Set(float64(count))
}

// SetOutstandingRequests sets the number of outstanding logical requests.
func (m *Metrics) SetOutstandingRequests(count int) {
	if m.outstandingRequests == nil {
		return
	}
	m.outstandingRequests.Set(float64(count))
}

// RecordHostRegistration counts a registered ("add") or removed
// ("remove") host.
func (m *Metrics) RecordHostRegistration(change string) {
	if m.hostsRegistered == nil {
		return
	}
	m.hostsRegistered.WithLabelValues(change).Inc()
}

// RecordError records an error by its engine class and code.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	class, code := "unknown", ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		class, code = string(engErr.Class), engErr.Code
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background until
// ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", server.Addr).Str("path", m.config.Path).Msg("Metrics server started")
	return nil
}
