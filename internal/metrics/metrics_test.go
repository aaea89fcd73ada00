package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RecordsAndExposes(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.PaymentOutcomes.WithLabelValues(PaymentSuccess, "route1").Inc()
	r.SettlementOutcomes.WithLabelValues(SettlementSkipped, "route1").Inc()
	r.CacheHits.WithLabelValues("hit").Inc()
	r.RateLimitBlocks.Inc()
	r.FacilitatorLatency.WithLabelValues("verify").Observe(0.05)
	r.UpstreamLatency.WithLabelValues("route1").Observe(0.12)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "tollbooth_payment_outcomes_total")
	require.Contains(t, body, "tollbooth_rate_limit_blocks_total")
	require.Contains(t, body, "tollbooth_facilitator_request_duration_seconds")
	require.Contains(t, body, "tollbooth_upstream_request_duration_seconds")
}
