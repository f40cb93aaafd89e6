// Package metrics exposes Prometheus collectors for the court crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	datesTotal                 *prometheus.CounterVec
	casesTotal                 *prometheus.CounterVec
	courtBindsTotal            *prometheus.CounterVec
	claimConflictsTotal        prometheus.Counter
	leasesRecoveredTotal       prometheus.Counter
	activeWorkers              prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	exportsTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtcrawler_tasks_total",
				Help: "Tasks finished, labeled by category and outcome (complete, aborted reason).",
			},
			[]string{"category", "outcome"},
		)

		datesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtcrawler_dates_total",
				Help: "Dates visited, labeled by category and outcome (searched, skipped).",
			},
			[]string{"category", "outcome"},
		)

		casesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtcrawler_cases_total",
				Help: "Case stubs handled, labeled by category and outcome (persisted, skipped, current).",
			},
			[]string{"category", "outcome"},
		)

		courtBindsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtcrawler_court_binds_total",
				Help: "Court switches issued against a portal session, labeled by family.",
			},
			[]string{"family"},
		)

		claimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courtcrawler_claim_conflicts_total",
				Help: "Claim attempts that lost a race to a concurrent worker.",
			},
		)

		leasesRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "courtcrawler_leases_recovered_total",
				Help: "Expired task leases returned to the pending set.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "courtcrawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtcrawler_pacing_delay_seconds",
				Help:    "Histogram of portal pacing waits.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"family"},
		)

		exportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtcrawler_exports_total",
				Help: "Export runs, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a finished task.
func ObserveTask(category, outcome string) {
	Init()
	tasksTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveDate counts a visited date.
func ObserveDate(category, outcome string) {
	Init()
	datesTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveCase counts a handled case stub.
func ObserveCase(category, outcome string) {
	Init()
	casesTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveBind counts a court switch.
func ObserveBind(family string) {
	Init()
	courtBindsTotal.WithLabelValues(family).Inc()
}

// ObserveClaimConflict counts a lost claim race.
func ObserveClaimConflict() {
	Init()
	claimConflictsTotal.Inc()
}

// ObserveLeasesRecovered adds n recovered leases.
func ObserveLeasesRecovered(n int) {
	Init()
	if n > 0 {
		leasesRecoveredTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(family string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(family).Observe(duration.Seconds())
}

// ObserveExport counts an export run.
func ObserveExport(status string) {
	Init()
	exportsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
