// Package metrics exposes the gateway's Prometheus counters and
// histograms (spec §4.6 ambient observability), rendered at GET /metrics
// in the standard text exposition format via prometheus/client_golang,
// the metrics library bugielektrik-library wires for its own service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Outcome labels for payment attempts.
const (
	PaymentMissing = "missing"
	PaymentInvalid = "invalid"
	PaymentSuccess = "success"
)

// Outcome labels for settlement attempts.
const (
	SettlementSuccess = "success"
	SettlementFailure = "failure"
	SettlementSkipped = "skipped"
)

// Registry wraps the counters and histograms the gateway pipeline updates.
type Registry struct {
	registerer prometheus.Registerer

	PaymentOutcomes   *prometheus.CounterVec
	SettlementOutcomes *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	RateLimitBlocks   prometheus.Counter
	FacilitatorLatency *prometheus.HistogramVec
	UpstreamLatency   *prometheus.HistogramVec
}

// NewRegistry creates and registers all gateway metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process-wide one.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		registerer: reg,
		PaymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_payment_outcomes_total",
			Help: "Count of payment attempts by outcome.",
		}, []string{"outcome", "route"}),
		SettlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_settlement_outcomes_total",
			Help: "Count of settlement attempts by outcome.",
		}, []string{"outcome", "route"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_verification_cache_total",
			Help: "Count of verification cache lookups by hit/miss.",
		}, []string{"result"}),
		RateLimitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollbooth_rate_limit_blocks_total",
			Help: "Count of requests rejected by the rate limiter.",
		}),
		FacilitatorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_facilitator_request_duration_seconds",
			Help:    "Facilitator verify/settle round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_upstream_request_duration_seconds",
			Help:    "Upstream proxy round-trip latency to response headers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		r.PaymentOutcomes, r.SettlementOutcomes, r.CacheHits,
		r.RateLimitBlocks, r.FacilitatorLatency, r.UpstreamLatency,
	)
	return r
}

// Handler returns the http.Handler serving the registry's metrics in the
// standard Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	gatherer, ok := r.registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
