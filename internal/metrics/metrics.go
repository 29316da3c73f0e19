// ============================================================================
// Market-Sizer Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose engine metrics for Prometheus
//
// Metric families:
//
//   Counters (monotonic):
//     marketsizer_api_calls_total{endpoint,outcome}   provider calls by result
//     marketsizer_credits_used_total                  billed calls
//     marketsizer_segments_total{status}              terminal segments
//     marketsizer_jobs_total{status}                  terminal jobs
//
//   Histogram:
//     marketsizer_limiter_wait_seconds                time spent in Acquire
//
//   Gauges:
//     marketsizer_jobs_running / marketsizer_jobs_pending
//     marketsizer_daily_window_used / marketsizer_daily_window_limit
//
// Useful queries:
//
//   # error ratio per endpoint
//   sum by (endpoint) (rate(marketsizer_api_calls_total{outcome!="ok"}[5m]))
//     / sum by (endpoint) (rate(marketsizer_api_calls_total[5m]))
//
//   # credits per hour
//   increase(marketsizer_credits_used_total[1h])
//
//   # daily budget headroom
//   1 - marketsizer_daily_window_used / marketsizer_daily_window_limit
//
// The Collector owns its registry, so several collectors can coexist in
// one process (tests, embedded use). Handler serves that registry.
//
// ============================================================================

package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

const namespace = "marketsizer"

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	apiCalls    *prometheus.CounterVec
	creditsUsed prometheus.Counter
	segments    *prometheus.CounterVec
	jobs        *prometheus.CounterVec

	limiterWait prometheus.Histogram
	unitSeconds *prometheus.HistogramVec

	jobsRunning prometheus.Gauge
	jobsPending prometheus.Gauge
	dailyUsed   prometheus.Gauge
	dailyLimit  prometheus.Gauge
}

// NewCollector creates a collector with its own registry, including the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Provider calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		creditsUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_used_total",
			Help:      "Billed provider calls.",
		}),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Segments that reached a terminal status.",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		limiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting for the rate limiter.",
			Buckets:   []float64{0.001, 0.01, 0.035, 0.1, 0.5, 1, 5, 30, 60, 300},
		}),
		unitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of one unit of work, including limiter waits and retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind", "outcome"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently running.",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for a runner slot.",
		}),
		dailyUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_window_used",
			Help:      "Calls recorded in the trailing 24h window.",
		}),
		dailyLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_window_limit",
			Help:      "Ceiling of the trailing 24h window.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.apiCalls,
		c.creditsUsed,
		c.segments,
		c.jobs,
		c.limiterWait,
		c.unitSeconds,
		c.jobsRunning,
		c.jobsPending,
		c.dailyUsed,
		c.dailyLimit,
	)
	return c
}

// ObserveCall counts one provider call. An empty kind means success. The
// endpoint label is the search name, "company" or "person".
func (c *Collector) ObserveCall(endpoint provider.Endpoint, kind provider.ErrorKind) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "ok"
	}
	c.apiCalls.WithLabelValues(strings.TrimPrefix(string(endpoint), "/search-"), outcome).Inc()
}

// ObserveCredits counts n billed calls.
func (c *Collector) ObserveCredits(n int64) {
	c.creditsUsed.Add(float64(n))
}

// ObserveSegment counts a segment reaching status.
func (c *Collector) ObserveSegment(status types.SegmentStatus) {
	c.segments.WithLabelValues(string(status)).Inc()
}

// ObserveLimiterWait records one Acquire wait. It matches the limiter's
// observer callback.
func (c *Collector) ObserveLimiterWait(d time.Duration) {
	c.limiterWait.Observe(d.Seconds())
}

// ObserveUnit records how long one unit of kind ran.
func (c *Collector) ObserveUnit(kind types.SegmentKind, d time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	c.unitSeconds.WithLabelValues(string(kind), outcome).Observe(d.Seconds())
}

// RecordJob counts a job reaching a terminal status.
func (c *Collector) RecordJob(status types.JobStatus) {
	c.jobs.WithLabelValues(string(status)).Inc()
}

// UpdateJobStats sets the job gauges.
func (c *Collector) UpdateJobStats(pending, running int) {
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
}

// UpdateDailyWindow sets the daily window gauges.
func (c *Collector) UpdateDailyWindow(used, limit int) {
	c.dailyUsed.Set(float64(used))
	c.dailyLimit.Set(float64(limit))
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
