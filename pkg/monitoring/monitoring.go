// Package monitoring provides metrics, tracing and health checks for the coordinator
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
)

// Version is reported in health info and trace resources.
var Version = "dev"

// Monitor owns the Prometheus registry, the tracer and the registered health checks.
// All Record methods are safe to call on a nil *Monitor.
type Monitor struct {
	config   *config.MonitoringConfig
	registry *prometheus.Registry
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider

	metrics *Metrics

	healthChecks map[string]HealthChecker
	healthMu     sync.RWMutex

	startedAt time.Time
	running   bool
	mu        sync.RWMutex
}

// Metrics holds all Prometheus collectors
type Metrics struct {
	// Agent metrics
	AgentsByStatus     *prometheus.GaugeVec
	AgentTransitions   *prometheus.CounterVec
	AgentTasksRunning  prometheus.Gauge
	HeartbeatsRecorded prometheus.Counter

	// Message metrics
	MessagesSent         *prometheus.CounterVec
	MessagesAcknowledged prometheus.Counter
	MessageFanout        prometheus.Histogram

	// Alerting metrics
	SamplesIngested  prometheus.Counter
	SamplesRejected  *prometheus.CounterVec
	AlertTransitions *prometheus.CounterVec
	AlertsOpen       prometheus.Gauge

	// Workflow metrics
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDuration   prometheus.Histogram
	NodeDuration  *prometheus.HistogramVec
	NodesQueued   prometheus.Gauge
	NodesInFlight prometheus.Gauge

	// Event sink metrics
	EventsEmitted prometheus.Counter
	EventsDropped prometheus.Counter

	// API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// HealthChecker reports the health of one dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (h HealthCheckFunc) Name() string { return h.CheckName }
func (h HealthCheckFunc) Check(ctx context.Context) error { return h.Fn(ctx) }

// HealthStatus is the aggregate health report
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
	Info   map[string]interface{} `json:"info,omitempty"`
}

// CheckResult is the outcome of a single health check
type CheckResult struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// NewMonitor creates a monitor. Tracing is only initialised when enabled.
func NewMonitor(cfg *config.MonitoringConfig) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("monitoring config is required")
	}

	m := &Monitor{
		config:       cfg,
		registry:     prometheus.NewRegistry(),
		healthChecks: make(map[string]HealthChecker),
		tracer:       otel.Tracer("conductor"),
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := m.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	return m, nil
}

// Start marks the monitor as running
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.startedAt = time.Now()

	logging.WithComponent("monitoring").WithFields(map[string]interface{}{
		"metrics": m.config.Metrics.Enabled,
		"tracing": m.config.Tracing.Enabled,
	}).Info("monitoring started")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stop flushes pending spans and marks the monitor stopped
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	if m.provider != nil {
		if err := m.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("tracer provider shutdown error: %w", err)
		}
	}
	return nil
}

// Registry returns the Prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GetMetrics returns the metrics instance
func (m *Monitor) GetMetrics() *Metrics {
	return m.metrics
}

// GetTracer returns the OpenTelemetry tracer
func (m *Monitor) GetTracer() oteltrace.Tracer {
	return m.tracer
}

// RegisterHealthCheck registers a new health checker
func (m *Monitor) RegisterHealthCheck(checker HealthChecker) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.healthChecks[checker.Name()] = checker
}

// UnregisterHealthCheck removes a health checker
func (m *Monitor) UnregisterHealthCheck(name string) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	delete(m.healthChecks, name)
}

// GetHealthStatus runs every registered check
func (m *Monitor) GetHealthStatus(ctx context.Context) *HealthStatus {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()

	m.mu.RLock()
	startedAt := m.startedAt
	m.mu.RUnlock()

	status := &HealthStatus{
		Status: "healthy",
		Checks: make(map[string]CheckResult),
		Info: map[string]interface{}{
			"timestamp": time.Now().UTC(),
			"version":   Version,
		},
	}
	if !startedAt.IsZero() {
		status.Info["uptime"] = time.Since(startedAt).String()
	}

	for name, checker := range m.healthChecks {
		start := time.Now()
		err := checker.Check(ctx)
		latency := time.Since(start)

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = CheckResult{
				Status:  "unhealthy",
				Error:   err.Error(),
				Latency: latency,
			}
		} else {
			status.Checks[name] = CheckResult{
				Status:  "healthy",
				Latency: latency,
			}
		}
	}

	return status
}

func (m *Monitor) initMetrics() error {
	ns := m.config.Metrics.Namespace
	if ns == "" {
		ns = "conductor"
	}

	m.metrics = &Metrics{
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "agents",
			Help: "Number of registered agents by status",
		}, []string{"status"}),
		AgentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_transitions_total",
			Help: "Agent status transitions",
		}, []string{"from", "to"}),
		AgentTasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "agent_tasks_running",
			Help: "Tasks currently assigned to agents",
		}),
		HeartbeatsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "heartbeats_total",
			Help: "Heartbeats recorded",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_total",
			Help: "Messages sent by kind and delivery status",
		}, []string{"kind", "status"}),
		MessagesAcknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_acknowledged_total",
			Help: "Messages acknowledged by a recipient",
		}),
		MessageFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "message_fanout",
			Help:    "Resolved recipients per message",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),

		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "samples_ingested_total",
			Help: "Metric samples accepted",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "samples_rejected_total",
			Help: "Metric samples rejected",
		}, []string{"reason"}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "alert_transitions_total",
			Help: "Alert lifecycle transitions",
		}, []string{"severity", "status"}),
		AlertsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "alerts_open",
			Help: "Alerts not yet resolved",
		}),

		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "workflow_runs_started_total",
			Help: "Workflow runs started",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "workflow_runs_finished_total",
			Help: "Workflow runs finished by terminal status",
		}, []string{"status"}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "workflow_runs_active",
			Help: "Workflow runs currently running",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "workflow_run_duration_seconds",
			Help:    "Workflow run wall time",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "workflow_node_duration_seconds",
			Help:    "Workflow node execution time",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind", "status"}),
		NodesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "workflow_nodes_queued",
			Help: "Ready nodes waiting for a concurrency slot",
		}),
		NodesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "workflow_nodes_in_flight",
			Help: "Nodes currently executing",
		}),

		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "events_emitted_total",
			Help: "Lifecycle events emitted to the sink",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "events_dropped_total",
			Help: "Lifecycle events dropped by the sink buffer",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
			Help: "API requests",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	cs := []prometheus.Collector{
		m.metrics.AgentsByStatus,
		m.metrics.AgentTransitions,
		m.metrics.AgentTasksRunning,
		m.metrics.HeartbeatsRecorded,
		m.metrics.MessagesSent,
		m.metrics.MessagesAcknowledged,
		m.metrics.MessageFanout,
		m.metrics.SamplesIngested,
		m.metrics.SamplesRejected,
		m.metrics.AlertTransitions,
		m.metrics.AlertsOpen,
		m.metrics.RunsStarted,
		m.metrics.RunsFinished,
		m.metrics.RunsActive,
		m.metrics.RunDuration,
		m.metrics.NodeDuration,
		m.metrics.NodesQueued,
		m.metrics.NodesInFlight,
		m.metrics.EventsEmitted,
		m.metrics.EventsDropped,
		m.metrics.HTTPRequests,
		m.metrics.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) initTracing() error {
	ctx := context.Background()

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if m.config.Tracing.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(m.config.Tracing.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.config.Tracing.ServiceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(m.config.Tracing.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m.provider = tp
	m.tracer = tp.Tracer("conductor")
	return nil
}

// StartSpan starts a new trace span
func (m *Monitor) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func (m *Monitor) enabled() bool {
	return m != nil && m.metrics != nil
}

// RecordAgentStatus moves one agent between status gauges. An empty from means
// the agent is new, an empty to means it was removed.
func (m *Monitor) RecordAgentStatus(from, to string) {
	if !m.enabled() {
		return
	}
	if from != "" {
		m.metrics.AgentsByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.metrics.AgentsByStatus.WithLabelValues(to).Inc()
	}
	if from != "" && to != "" {
		m.metrics.AgentTransitions.WithLabelValues(from, to).Inc()
	}
}

// RecordHeartbeat counts an accepted heartbeat
func (m *Monitor) RecordHeartbeat() {
	if m.enabled() {
		m.metrics.HeartbeatsRecorded.Inc()
	}
}

// RecordTask adjusts the running task gauge by delta
func (m *Monitor) RecordTask(delta int) {
	if m.enabled() {
		m.metrics.AgentTasksRunning.Add(float64(delta))
	}
}

// RecordMessage records a sent message and its resolved fan-out
func (m *Monitor) RecordMessage(kind, status string, recipients int) {
	if !m.enabled() {
		return
	}
	m.metrics.MessagesSent.WithLabelValues(kind, status).Inc()
	m.metrics.MessageFanout.Observe(float64(recipients))
}

// RecordAcknowledged counts an acknowledgement
func (m *Monitor) RecordAcknowledged() {
	if m.enabled() {
		m.metrics.MessagesAcknowledged.Inc()
	}
}

// RecordSample counts an ingested sample. A non-empty reason marks a rejection.
func (m *Monitor) RecordSample(reason string) {
	if !m.enabled() {
		return
	}
	if reason != "" {
		m.metrics.SamplesRejected.WithLabelValues(reason).Inc()
		return
	}
	m.metrics.SamplesIngested.Inc()
}

// RecordAlert records an alert entering status
func (m *Monitor) RecordAlert(severity, status string) {
	if !m.enabled() {
		return
	}
	m.metrics.AlertTransitions.WithLabelValues(severity, status).Inc()
	switch status {
	case "active":
		m.metrics.AlertsOpen.Inc()
	case "resolved":
		m.metrics.AlertsOpen.Dec()
	}
}

// RecordRunStarted records a new workflow run
func (m *Monitor) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.metrics.RunsStarted.Inc()
	m.metrics.RunsActive.Inc()
}

// RecordRunFinished records a run reaching a terminal status
func (m *Monitor) RecordRunFinished(status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.metrics.RunsFinished.WithLabelValues(status).Inc()
	m.metrics.RunsActive.Dec()
	m.metrics.RunDuration.Observe(d.Seconds())
}

// RecordNode records a node finishing execution
func (m *Monitor) RecordNode(kind, status string, d time.Duration) {
	if m.enabled() {
		m.metrics.NodeDuration.WithLabelValues(kind, status).Observe(d.Seconds())
	}
}

// SetNodeQueue publishes the scheduler's queued and in-flight counts
func (m *Monitor) SetNodeQueue(queued, inFlight int) {
	if !m.enabled() {
		return
	}
	m.metrics.NodesQueued.Set(float64(queued))
	m.metrics.NodesInFlight.Set(float64(inFlight))
}

// RecordEvent counts an emitted or dropped sink event
func (m *Monitor) RecordEvent(dropped bool) {
	if !m.enabled() {
		return
	}
	if dropped {
		m.metrics.EventsDropped.Inc()
		return
	}
	m.metrics.EventsEmitted.Inc()
}

// RecordHTTPRequest records an API request
func (m *Monitor) RecordHTTPRequest(method, route string, code int, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.metrics.HTTPRequests.WithLabelValues(method, route, fmt.Sprintf("%d", code)).Inc()
	m.metrics.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
