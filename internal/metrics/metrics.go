package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for pacer
type Metrics struct {
	// Batch jobs
	BatchJobsStartedTotal  *prometheus.CounterVec
	BatchJobsFinishedTotal *prometheus.CounterVec
	BatchItemsTotal        *prometheus.CounterVec
	BatchRetriesTotal      *prometheus.CounterVec

	// Dispatch
	SendsTotal              *prometheus.CounterVec
	MailboxAllocationsTotal *prometheus.CounterVec
	PacingWaitSeconds       prometheus.Histogram
	DispatchLoopsActive     prometheus.Gauge

	// External lookups
	HolidayLookupsTotal   *prometheus.CounterVec
	ProviderRequestsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BatchJobsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_batch_jobs_started_total",
				Help: "Total number of batch jobs started",
			},
			[]string{"kind"},
		),
		BatchJobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_batch_jobs_finished_total",
				Help: "Total number of batch jobs that reached a terminal status",
			},
			[]string{"kind", "status"},
		),
		BatchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_batch_items_total",
				Help: "Total number of processed batch items by outcome",
			},
			[]string{"kind", "outcome"},
		),
		BatchRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_batch_retries_total",
				Help: "Total number of items parked in the retry queue",
			},
			[]string{"kind"},
		),

		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_sends_total",
				Help: "Total number of campaign send attempts",
			},
			[]string{"status"},
		),
		MailboxAllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_mailbox_allocations_total",
				Help: "Total number of mailbox allocation attempts",
			},
			[]string{"result"},
		),
		PacingWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pacer_pacing_wait_seconds",
				Help:    "Time a dispatch loop waited for the next legal send slot",
				Buckets: []float64{1, 10, 30, 60, 120, 300, 900, 1800, 3600, 21600, 86400},
			},
		),
		DispatchLoopsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacer_dispatch_loops_active",
				Help: "Number of running campaign dispatch loops",
			},
		),

		HolidayLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_holiday_lookups_total",
				Help: "Total number of holiday calendar lookups",
			},
			[]string{"result"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_provider_requests_total",
				Help: "Total number of AI provider requests",
			},
			[]string{"operation", "status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.BatchJobsStartedTotal,
		m.BatchJobsFinishedTotal,
		m.BatchItemsTotal,
		m.BatchRetriesTotal,
		m.SendsTotal,
		m.MailboxAllocationsTotal,
		m.PacingWaitSeconds,
		m.DispatchLoopsActive,
		m.HolidayLookupsTotal,
		m.ProviderRequestsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncBatchStarted increments the started batch counter
func IncBatchStarted(kind string) {
	if m := Global(); m != nil {
		m.BatchJobsStartedTotal.WithLabelValues(kind).Inc()
	}
}

// IncBatchFinished increments the finished batch counter
func IncBatchFinished(kind, status string) {
	if m := Global(); m != nil {
		m.BatchJobsFinishedTotal.WithLabelValues(kind, status).Inc()
	}
}

// IncBatchItem increments the processed item counter
func IncBatchItem(kind, outcome string) {
	if m := Global(); m != nil {
		m.BatchItemsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// IncBatchRetry increments the retry queue counter
func IncBatchRetry(kind string) {
	if m := Global(); m != nil {
		m.BatchRetriesTotal.WithLabelValues(kind).Inc()
	}
}

// IncSends increments the send attempt counter
func IncSends(status string) {
	if m := Global(); m != nil {
		m.SendsTotal.WithLabelValues(status).Inc()
	}
}

// IncMailboxAllocation increments the allocation counter
func IncMailboxAllocation(result string) {
	if m := Global(); m != nil {
		m.MailboxAllocationsTotal.WithLabelValues(result).Inc()
	}
}

// ObservePacingWait records a pacing wait in seconds
func ObservePacingWait(seconds float64) {
	if m := Global(); m != nil {
		m.PacingWaitSeconds.Observe(seconds)
	}
}

// IncDispatchLoops increments active dispatch loops
func IncDispatchLoops() {
	if m := Global(); m != nil {
		m.DispatchLoopsActive.Inc()
	}
}

// DecDispatchLoops decrements active dispatch loops
func DecDispatchLoops() {
	if m := Global(); m != nil {
		m.DispatchLoopsActive.Dec()
	}
}

// IncHolidayLookup increments the holiday lookup counter
func IncHolidayLookup(result string) {
	if m := Global(); m != nil {
		m.HolidayLookupsTotal.WithLabelValues(result).Inc()
	}
}

// IncProviderRequest increments the provider request counter
func IncProviderRequest(operation, status string) {
	if m := Global(); m != nil {
		m.ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
