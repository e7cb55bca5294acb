package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Metrics tracks batch grading execution statistics, read and mutated with
// atomic operations so a single instance can be shared across every
// concurrent pipeline stage without its own lock.
type Metrics struct {
	UnitsGraded      int64
	UnitsFailed      int64
	UnitsFlagged     int64 // grading units a logic-review stage escalated for human review
	CacheHits        int64
	CacheMisses      int64
	GatewayCalls     int64
	GatewayRetries   int64
	RateLimitDenials int64
	TokensConsumed   int64
}

// PrometheusExporter exports metrics in Prometheus text format.
type PrometheusExporter struct {
	metrics *Metrics
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(m *Metrics) *PrometheusExporter {
	return &PrometheusExporter{
		metrics: m,
	}
}

// Export returns metrics in Prometheus text format.
func (e *PrometheusExporter) Export() string {
	var b strings.Builder

	unitsGraded := atomic.LoadInt64(&e.metrics.UnitsGraded)
	unitsFailed := atomic.LoadInt64(&e.metrics.UnitsFailed)
	unitsFlagged := atomic.LoadInt64(&e.metrics.UnitsFlagged)
	cacheHits := atomic.LoadInt64(&e.metrics.CacheHits)
	cacheMisses := atomic.LoadInt64(&e.metrics.CacheMisses)
	gatewayCalls := atomic.LoadInt64(&e.metrics.GatewayCalls)
	gatewayRetries := atomic.LoadInt64(&e.metrics.GatewayRetries)
	rateLimitDenials := atomic.LoadInt64(&e.metrics.RateLimitDenials)
	tokensConsumed := atomic.LoadInt64(&e.metrics.TokensConsumed)

	fmt.Fprintf(&b, "gradeflow_units_total{status=\"graded\"} %d\n", unitsGraded)
	fmt.Fprintf(&b, "gradeflow_units_total{status=\"failed\"} %d\n", unitsFailed)
	fmt.Fprintf(&b, "gradeflow_units_flagged_total %d\n", unitsFlagged)

	fmt.Fprintf(&b, "gradeflow_cache_total{result=\"hit\"} %d\n", cacheHits)
	fmt.Fprintf(&b, "gradeflow_cache_total{result=\"miss\"} %d\n", cacheMisses)

	var hitRate float64
	if total := cacheHits + cacheMisses; total > 0 {
		hitRate = float64(cacheHits) / float64(total)
	}
	fmt.Fprintf(&b, "gradeflow_cache_hit_rate %s\n", formatFloat(hitRate))

	fmt.Fprintf(&b, "gradeflow_gateway_calls_total %d\n", gatewayCalls)
	fmt.Fprintf(&b, "gradeflow_gateway_retries_total %d\n", gatewayRetries)
	fmt.Fprintf(&b, "gradeflow_rate_limit_denials_total %d\n", rateLimitDenials)
	fmt.Fprintf(&b, "gradeflow_tokens_consumed_total %d\n", tokensConsumed)

	return b.String()
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, e.Export())
	})
}

// formatFloat formats a float64 for Prometheus output, trimming trailing
// zeros.
func formatFloat(f float64) string {
	if f == 0.0 {
		return "0"
	}
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}
