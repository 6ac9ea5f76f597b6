// Package metrics provides Prometheus metrics for crm-purge.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for crm-purge.
type Metrics struct {
	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobSkipped  *prometheus.CounterVec
	InFlight    prometheus.Gauge

	// Record metrics
	RecordsExtracted    *prometheus.CounterVec
	RecordsDeleted      *prometheus.CounterVec
	RecordsFailed       *prometheus.CounterVec
	RecordsStillPresent *prometheus.GaugeVec
	ErrorLogRows        prometheus.Gauge

	// Error metrics
	GatewayErrors *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var (
	defaultMetrics *Metrics
	initMu         sync.Mutex
)

// Init initializes the metrics package with global metrics.
// Later calls return the instance created by the first one.
func Init(namespace string) *Metrics {
	initMu.Lock()
	defer initMu.Unlock()
	if defaultMetrics != nil {
		return defaultMetrics
	}

	if namespace == "" {
		namespace = "crm_purge"
	}

	m := &Metrics{
		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of job tasks run, by outcome",
			},
			[]string{"job", "object_type", "outcome"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time to run one job task",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"job", "object_type"},
		),
		JobSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_skipped_total",
				Help:      "Scheduled invocations skipped because the previous one was still running",
			},
			[]string{"job"},
		),
		InFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tasks",
				Help:      "Number of job tasks currently running",
			},
		),
		RecordsExtracted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_extracted_total",
				Help:      "Total number of record ids written by extraction",
			},
			[]string{"object_type"},
		),
		RecordsDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_deleted_total",
				Help:      "Total number of records the bulk API reported deleted",
			},
			[]string{"object_type"},
		),
		RecordsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_failed_total",
				Help:      "Total number of records the bulk API failed to delete",
			},
			[]string{"object_type"},
		),
		RecordsStillPresent: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_still_present",
				Help:      "Records found still present by the last verification",
			},
			[]string{"object_type"},
		),
		ErrorLogRows: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "error_log_rows",
				Help:      "Rows in the error log after the last merge",
			},
		),
		GatewayErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Total number of CRM gateway errors",
			},
			[]string{"op"},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of table store errors",
			},
			[]string{"op", "backend"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	initMu.Lock()
	defer initMu.Unlock()
	return defaultMetrics
}

// Handler returns the scrape and health endpoints.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// ObserveJob records one finished job task.
func (m *Metrics) ObserveJob(job, objectType, outcome string, seconds float64) {
	m.JobRuns.WithLabelValues(job, objectType, outcome).Inc()
	m.JobDuration.WithLabelValues(job, objectType).Observe(seconds)
}

// IncJobSkipped counts an invocation dropped because the job was busy.
func (m *Metrics) IncJobSkipped(job string) {
	m.JobSkipped.WithLabelValues(job).Inc()
}

// AddInFlight adjusts the running task gauge.
func (m *Metrics) AddInFlight(delta float64) {
	m.InFlight.Add(delta)
}

// AddRecordsExtracted adds to the extracted records counter.
func (m *Metrics) AddRecordsExtracted(objectType string, n int) {
	m.RecordsExtracted.WithLabelValues(objectType).Add(float64(n))
}

// AddDeleteOutcome adds bulk delete successes and failures.
func (m *Metrics) AddDeleteOutcome(objectType string, deleted, failed int) {
	m.RecordsDeleted.WithLabelValues(objectType).Add(float64(deleted))
	m.RecordsFailed.WithLabelValues(objectType).Add(float64(failed))
}

// SetStillPresent sets the still-present gauge for an object type.
func (m *Metrics) SetStillPresent(objectType string, n int) {
	m.RecordsStillPresent.WithLabelValues(objectType).Set(float64(n))
}

// SetErrorLogRows sets the error log size.
func (m *Metrics) SetErrorLogRows(n int) {
	m.ErrorLogRows.Set(float64(n))
}

// IncGatewayErrors increments the gateway errors counter.
func (m *Metrics) IncGatewayErrors(op string) {
	m.GatewayErrors.WithLabelValues(op).Inc()
}

// IncStoreErrors increments the store errors counter.
func (m *Metrics) IncStoreErrors(op, backend string) {
	m.StoreErrors.WithLabelValues(op, backend).Inc()
}
