package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Centime gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Job lifecycle metrics.
	JobsCreatedTotal   *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	CallsRecordedTotal *prometheus.CounterVec

	// Upstream call metrics.
	UpstreamCallsTotal    *prometheus.CounterVec
	UpstreamDuration      *prometheus.HistogramVec
	GroupExhaustedTotal   *prometheus.CounterVec
	ActiveStreamsGauge    prometheus.Gauge

	// Credit ledger metrics.
	CreditDeductionsTotal        prometheus.Counter
	CreditDeductionRejectedTotal prometheus.Counter
	CreditRefundsTotal           prometheus.Counter

	// Rate limiting metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Recorder (metering) metrics.
	RecorderFlushesTotal  *prometheus.CounterVec
	RecorderFlushDuration prometheus.Histogram

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "centime_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "centime_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "centime_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		JobsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_jobs_created_total",
			Help: "Total number of jobs created.",
		}, []string{"job_type"}),

		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status.",
		}, []string{"status", "credit_applied"}),

		CallsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_calls_recorded_total",
			Help: "Total number of LLM calls recorded against jobs.",
		}, []string{"group", "model", "success"}),

		UpstreamCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_upstream_calls_total",
			Help: "Total number of upstream provider call attempts.",
		}, []string{"group", "model", "success"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "centime_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "model"}),

		GroupExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_group_exhausted_total",
			Help: "Total number of logical requests that exhausted every model in their group.",
		}, []string{"group"}),

		ActiveStreamsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "centime_active_streams",
			Help: "Number of currently open streaming completions.",
		}),

		CreditDeductionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "centime_credit_deductions_total",
			Help: "Total number of credit deductions applied to completed jobs.",
		}),

		CreditDeductionRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "centime_credit_deduction_rejected_total",
			Help: "Total number of deductions rejected for insufficient credit.",
		}),

		CreditRefundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "centime_credit_refunds_total",
			Help: "Total number of compensating credit refunds.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"limiter_type", "scope"}),

		RecorderFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_recorder_flushes_total",
			Help: "Total number of call recorder flushes.",
		}, []string{"status"}),

		RecorderFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "centime_recorder_flush_duration_seconds",
			Help:    "Duration of call recorder flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "centime_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "centime_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.JobsCreatedTotal,
		m.JobsCompletedTotal,
		m.CallsRecordedTotal,
		m.UpstreamCallsTotal,
		m.UpstreamDuration,
		m.GroupExhaustedTotal,
		m.ActiveStreamsGauge,
		m.CreditDeductionsTotal,
		m.CreditDeductionRejectedTotal,
		m.CreditRefundsTotal,
		m.RateLimitRejectionsTotal,
		m.RecorderFlushesTotal,
		m.RecorderFlushDuration,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncJobsCreated increments the job creation counter.
func (m *Metrics) IncJobsCreated(jobType string) {
	m.JobsCreatedTotal.WithLabelValues(jobType).Inc()
}

// IncJobsCompleted increments the terminal-job counter.
func (m *Metrics) IncJobsCompleted(status string, creditApplied bool) {
	m.JobsCompletedTotal.WithLabelValues(status, fmt.Sprintf("%t", creditApplied)).Inc()
	if creditApplied {
		m.CreditDeductionsTotal.Inc()
	}
}

// IncCallsRecorded increments the recorded-call counter.
func (m *Metrics) IncCallsRecorded(group, model string, success bool) {
	m.CallsRecordedTotal.WithLabelValues(group, model, fmt.Sprintf("%t", success)).Inc()
}

// IncCreditDeductionRejected increments the insufficient-credit counter.
func (m *Metrics) IncCreditDeductionRejected() {
	m.CreditDeductionRejectedTotal.Inc()
}

// IncCreditRefund increments the compensating refund counter.
func (m *Metrics) IncCreditRefund() {
	m.CreditRefundsTotal.Inc()
}

// IncUpstreamCalls increments the upstream attempt counter.
func (m *Metrics) IncUpstreamCalls(group, model string, success bool) {
	m.UpstreamCallsTotal.WithLabelValues(group, model, fmt.Sprintf("%t", success)).Inc()
}

// ObserveUpstreamDuration records the upstream call duration.
func (m *Metrics) ObserveUpstreamDuration(group, model string, seconds float64) {
	m.UpstreamDuration.WithLabelValues(group, model).Observe(seconds)
}

// IncGroupExhausted increments the exhausted-group counter.
func (m *Metrics) IncGroupExhausted(group string) {
	m.GroupExhaustedTotal.WithLabelValues(group).Inc()
}

// IncActiveStreams increments the open stream gauge.
func (m *Metrics) IncActiveStreams() {
	m.ActiveStreamsGauge.Inc()
}

// DecActiveStreams decrements the open stream gauge.
func (m *Metrics) DecActiveStreams() {
	m.ActiveStreamsGauge.Dec()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(limiterType, scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(limiterType, scope).Inc()
}

// IncGroupRateLimitRejection increments the group-level rate limit rejection counter.
func (m *Metrics) IncGroupRateLimitRejection() {
	m.RateLimitRejectionsTotal.WithLabelValues("group", "group").Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
