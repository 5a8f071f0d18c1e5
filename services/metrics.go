package services

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"englishkorat_scheduler/services/scheduling"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the scheduler. A nil *Metrics records
// nothing, so services can be built without instrumentation in tests.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	availabilityChecks *prometheus.CounterVec
	availabilityIssues *prometheus.CounterVec
	bookings           *prometheus.CounterVec
	rescheduleRuns     *prometheus.CounterVec
	rescheduleClasses  *prometheus.CounterVec
	generationDuration prometheus.Histogram
	previewDuration    prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	availabilityChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduling_availability_checks_total",
		Help: "Availability checks by outcome (clear, warning, blocking)",
	}, []string{"outcome"})

	availabilityIssues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduling_availability_issues_total",
		Help: "Availability issues by code and severity",
	}, []string{"code", "severity"})

	bookings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduling_bookings_total",
		Help: "Makeup and trial bookings by kind and result",
	}, []string{"kind", "result"})

	rescheduleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduling_reschedule_runs_total",
		Help: "Bulk reschedule runs by status",
	}, []string{"status"})

	rescheduleClasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduling_reschedule_classes_total",
		Help: "Classes handled by bulk reschedule runs, by result",
	}, []string{"result"})

	generationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduling_generation_duration_seconds",
		Help:    "Time spent regenerating all classes in one run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	previewDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduling_preview_duration_seconds",
		Help:    "Time spent generating one session preview",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, availabilityChecks, availabilityIssues, bookings, rescheduleRuns, rescheduleClasses, generationDuration, previewDuration, goroutines)

	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		availabilityChecks: availabilityChecks,
		availabilityIssues: availabilityIssues,
		bookings:           bookings,
		rescheduleRuns:     rescheduleRuns,
		rescheduleClasses:  rescheduleClasses,
		generationDuration: generationDuration,
		previewDuration:    previewDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

func (m *Metrics) ObserveAvailability(result scheduling.AvailabilityResult) {
	if m == nil {
		return
	}
	outcome := "clear"
	switch {
	case result.HasBlocking():
		outcome = "blocking"
	case !result.Clear():
		outcome = "warning"
	}
	m.availabilityChecks.WithLabelValues(outcome).Inc()
	for _, issue := range result.Issues {
		m.availabilityIssues.WithLabelValues(string(issue.Code), string(issue.Severity)).Inc()
	}
}

func (m *Metrics) ObserveBooking(kind scheduling.SlotKind, result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) ObserveReschedule(status string, report scheduling.RescheduleReport, duration time.Duration) {
	if m == nil {
		return
	}
	m.rescheduleRuns.WithLabelValues(status).Inc()
	m.rescheduleClasses.WithLabelValues("succeeded").Add(float64(report.ProcessedCount))
	m.rescheduleClasses.WithLabelValues("failed").Add(float64(report.FailedCount))
	m.rescheduleClasses.WithLabelValues("skipped").Add(float64(report.SkippedCount))
	m.generationDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveGeneration(duration time.Duration) {
	if m == nil {
		return
	}
	m.previewDuration.Observe(duration.Seconds())
}
