package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "k2gate_requests_total",
			Help: "Total chat completion requests by response status",
		},
		[]string{"status"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "k2gate_request_duration_seconds",
			Help:    "Chat completion request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	tokenFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "k2gate_token_failures_total",
			Help: "Total upstream token failures recorded",
		},
	)

	tokensDisabledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "k2gate_tokens_disabled_total",
			Help: "Total tokens disabled after reaching the failure limit",
		},
	)

	poolTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "k2gate_pool_tokens",
			Help: "Token pool size by state",
		},
		[]string{"state"},
	)

	forceRefreshTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "k2gate_force_refresh_total",
			Help: "Total dispatcher-initiated force refreshes",
		},
	)
)

func (s *Server) updatePoolGauges() {
	st := s.pool.Stats()
	poolTokens.WithLabelValues("active").Set(float64(st.Active))
	poolTokens.WithLabelValues("disabled").Set(float64(st.Disabled))
}
