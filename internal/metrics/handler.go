package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode      string          `json:"mode"`
	HTTP      httpSummary     `json:"http"`
	Admin     httpSummary     `json:"admin"`
	Jobs      jobsSummary     `json:"jobs"`
	Upstream  upstreamSummary `json:"upstream"`
	Credits   creditsSummary  `json:"credits"`
	RateLimit rateLimitInfo   `json:"rateLimit"`
	Recorder  recorderInfo    `json:"recorder"`
	Auth      authInfo        `json:"auth"`
	DB        dbInfo          `json:"db"`
	Server    serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type jobsSummary struct {
	Created       float64 `json:"created"`
	Completed     float64 `json:"completed"`
	CreditApplied float64 `json:"creditApplied"`
}

type upstreamSummary struct {
	TotalCalls    float64 `json:"totalCalls"`
	FailedCalls   float64 `json:"failedCalls"`
	ActiveStreams float64 `json:"activeStreams"`
	Exhausted     float64 `json:"exhausted"`
	P50Upstream   float64 `json:"p50Upstream"`
	P95Upstream   float64 `json:"p95Upstream"`
}

type creditsSummary struct {
	Deductions float64 `json:"deductions"`
	Rejected   float64 `json:"rejected"`
	Refunds    float64 `json:"refunds"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type recorderInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["centime_http_requests_total"], "kind", "api"),
			ErrorRate:     computeErrorRateWithLabel(fam["centime_http_requests_total"], "kind", "api"),
			P50Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.50, "kind", "api"),
			P95Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.95, "kind", "api"),
			P99Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.99, "kind", "api"),
		},
		Admin: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["centime_http_requests_total"], "kind", "admin"),
			ErrorRate:     computeErrorRateWithLabel(fam["centime_http_requests_total"], "kind", "admin"),
			P50Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.50, "kind", "admin"),
			P95Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.95, "kind", "admin"),
			P99Latency:    histogramPercentileWithLabel(fam["centime_http_request_duration_seconds"], 0.99, "kind", "admin"),
		},
		Jobs: jobsSummary{
			Created:       sumCounter(fam["centime_jobs_created_total"]),
			Completed:     sumCounter(fam["centime_jobs_completed_total"]),
			CreditApplied: sumCounterWithLabel(fam["centime_jobs_completed_total"], "credit_applied", "true"),
		},
		Upstream: upstreamSummary{
			TotalCalls:    sumCounter(fam["centime_upstream_calls_total"]),
			FailedCalls:   sumCounterWithLabel(fam["centime_upstream_calls_total"], "success", "false"),
			ActiveStreams: gaugeValue(fam["centime_active_streams"]),
			Exhausted:     sumCounter(fam["centime_group_exhausted_total"]),
			P50Upstream:   histogramPercentile(fam["centime_upstream_duration_seconds"], 0.50),
			P95Upstream:   histogramPercentile(fam["centime_upstream_duration_seconds"], 0.95),
		},
		Credits: creditsSummary{
			Deductions: counterValue(fam["centime_credit_deductions_total"]),
			Rejected:   counterValue(fam["centime_credit_deduction_rejected_total"]),
			Refunds:    counterValue(fam["centime_credit_refunds_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["centime_ratelimit_rejections_total"]),
		},
		Recorder: recorderInfo{
			TotalFlushes: sumCounter(fam["centime_recorder_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["centime_recorder_flushes_total"], "status", "error"),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["centime_auth_failures_total"]),
			Successes: sumCounter(fam["centime_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["centime_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["centime_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["centime_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["centime_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["centime_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["centime_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
