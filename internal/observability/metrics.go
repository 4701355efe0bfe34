package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the proxy.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionOutcomes *prometheus.CounterVec
	TokensIssued    prometheus.Counter
	WSMessages      *prometheus.CounterVec
	UpstreamCloses  *prometheus.CounterVec
}

// NewMetrics registers and returns the proxy's instruments under the given
// namespace. Call at most once per process (promauto registers globally).
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime proxy sessions.",
		}),
		SessionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_tokens_issued_total",
			Help:      "Session tokens issued via the auth endpoint.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket frames by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamCloses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_closes_total",
			Help:      "Upstream close frames by classification.",
		}, []string{"classification"}),
	}
}

// MetricsHandler exposes the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
