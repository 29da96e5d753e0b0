// Package metrics holds the Prometheus metrics for ringmaster.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ringmaster.
type Metrics struct {
	// Task metrics
	TasksTotal       *prometheus.GaugeVec
	TaskTransitions  *prometheus.CounterVec
	TasksProcessed   *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskRetries      *prometheus.CounterVec
	TaskQueueDepth   *prometheus.GaugeVec
	ActiveExecutions prometheus.Gauge

	// Worker metrics
	WorkersTotal    *prometheus.GaugeVec
	WorkerSessions  *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	OutputLines     *prometheus.CounterVec

	// Enrichment metrics
	AssemblyDuration *prometheus.HistogramVec
	AssemblyTokens   *prometheus.HistogramVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all metrics once; later calls return the same
// set, since promauto panics on duplicate registration.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksTotal: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ringmaster_tasks_total",
					Help: "Number of tasks by project, type, and status",
				},
				[]string{"project_id", "type", "status"},
			),
			TaskTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_task_transitions_total",
					Help: "Task status transitions",
				},
				[]string{"project_id", "from_status", "to_status"},
			),
			TasksProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_tasks_processed_total",
					Help: "Finished task executions by outcome",
				},
				[]string{"project_id", "worker_type", "outcome"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ringmaster_task_duration_seconds",
					Help:    "Time from task start to classified outcome",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 68min
				},
				[]string{"project_id", "worker_type", "outcome"},
			),
			TaskRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_task_retries_total",
					Help: "Retry schedules after failed executions",
				},
				[]string{"project_id"},
			),
			TaskQueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ringmaster_ready_tasks",
					Help: "Ready tasks awaiting assignment",
				},
				[]string{"project_id"},
			),
			ActiveExecutions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "ringmaster_active_executions",
					Help: "Executor sessions currently in flight",
				},
			),

			WorkersTotal: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ringmaster_workers_total",
					Help: "Workers by type and status",
				},
				[]string{"type", "status"},
			),
			WorkerSessions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_worker_sessions_total",
					Help: "Worker CLI sessions started",
				},
				[]string{"worker_type", "success"},
			),
			SessionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ringmaster_session_duration_seconds",
					Help:    "Worker CLI session duration",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
				[]string{"worker_type"},
			),
			OutputLines: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_output_lines_total",
					Help: "Output lines streamed from worker sessions",
				},
				[]string{"worker_id"},
			),

			AssemblyDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ringmaster_assembly_duration_seconds",
					Help:    "Prompt assembly duration",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to 5s
				},
				[]string{"project_id"},
			),
			AssemblyTokens: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ringmaster_assembly_tokens",
					Help:    "Estimated tokens per assembled prompt",
					Buckets: prometheus.ExponentialBuckets(256, 2, 8), // 256 to 32k
				},
				[]string{"project_id"},
			),

			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_events_published_total",
					Help: "Events published on the in-process bus",
				},
				[]string{"event_type"},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "ringmaster_cache_hits_total",
					Help: "Assembly cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "ringmaster_cache_misses_total",
					Help: "Assembly cache misses",
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ringmaster_http_requests_total",
					Help: "HTTP requests served",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ringmaster_http_request_duration_seconds",
					Help:    "HTTP request duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return sharedMetrics
}

// RecordExecution records one finished task execution.
func (m *Metrics) RecordExecution(projectID, workerType, outcome string, duration time.Duration) {
	m.TasksProcessed.WithLabelValues(projectID, workerType, outcome).Inc()
	m.TaskDuration.WithLabelValues(projectID, workerType, outcome).Observe(duration.Seconds())
}

// RecordSession records one worker CLI session.
func (m *Metrics) RecordSession(workerType string, success bool, duration time.Duration) {
	m.WorkerSessions.WithLabelValues(workerType, strconv.FormatBool(success)).Inc()
	m.SessionDuration.WithLabelValues(workerType).Observe(duration.Seconds())
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
