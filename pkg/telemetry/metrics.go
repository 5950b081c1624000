package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for build sessions.
//
// All recording methods are safe on a nil *Metrics and on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Cache decision metrics
	problemsRecorded *prometheus.CounterVec
	cacheDecisions   *prometheus.CounterVec

	// Shared service metrics
	serviceConstructions *prometheus.CounterVec
	servicesOpen         prometheus.Gauge
	permitWait           *prometheus.HistogramVec
	permitsInUse         *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

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

		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of build-tree sessions started",
			},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of build-tree sessions completed",
			},
			[]string{"action", "outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of build-tree sessions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		problemsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "problems_recorded_total",
				Help:      "Total number of cache problems recorded",
			},
			[]string{"severity"},
		),
		cacheDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_decisions_total",
				Help:      "Cache entry decisions taken at the end of a session",
			},
			[]string{"action", "decision"},
		),

		serviceConstructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_constructions_total",
				Help:      "Shared service constructions by result",
			},
			[]string{"service", "result"},
		),
		servicesOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "services_open",
				Help:      "Number of instantiated shared services not yet closed",
			},
		),
		permitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_permit_wait_seconds",
				Help:      "Time tasks spent waiting for a shared service permit",
				Buckets:   buckets,
			},
			[]string{"service"},
		),
		permitsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_permits_in_use",
				Help:      "Permits currently held per shared service",
			},
			[]string{"service"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.problemsRecorded,
		m.cacheDecisions,
		m.serviceConstructions,
		m.servicesOpen,
		m.permitWait,
		m.permitsInUse,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted() {
	if !m.enabled() {
		return
	}
	m.sessionsStarted.Inc()
}

// RecordSessionCompleted records a completed session with its cache action, outcome and duration.
func (m *Metrics) RecordSessionCompleted(action, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sessionsCompleted.WithLabelValues(action, outcome).Inc()
	m.sessionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// Task Metrics

// RecordTaskExecution records the execution of a task.
func (m *Metrics) RecordTaskExecution(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksExecuted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Cache Metrics

// RecordProblem records one problem at the given severity.
func (m *Metrics) RecordProblem(severity string) {
	if !m.enabled() {
		return
	}
	m.problemsRecorded.WithLabelValues(severity).Inc()
}

// RecordCacheDecision records the decision taken for the session's cache entry.
func (m *Metrics) RecordCacheDecision(action, decision string) {
	if !m.enabled() {
		return
	}
	m.cacheDecisions.WithLabelValues(action, decision).Inc()
}

// Service Metrics

// RecordServiceConstruction records the outcome of a shared service construction.
func (m *Metrics) RecordServiceConstruction(service string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.serviceConstructions.WithLabelValues(service, result).Inc()
	if err == nil {
		m.servicesOpen.Inc()
	}
}

// RecordServiceClosed decrements the open services gauge.
func (m *Metrics) RecordServiceClosed() {
	if !m.enabled() {
		return
	}
	m.servicesOpen.Dec()
}

// RecordPermitAcquired records the wait for a permit and increments the in-use gauge.
func (m *Metrics) RecordPermitAcquired(service string, wait time.Duration) {
	if !m.enabled() {
		return
	}
	m.permitWait.WithLabelValues(service).Observe(wait.Seconds())
	m.permitsInUse.WithLabelValues(service).Inc()
}

// RecordPermitReleased decrements the in-use gauge.
func (m *Metrics) RecordPermitReleased(service string) {
	if !m.enabled() {
		return
	}
	m.permitsInUse.WithLabelValues(service).Dec()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// It returns the server so the caller can shut it down, or nil when nothing was started.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
