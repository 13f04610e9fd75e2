package consensus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of one consensus node.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec

	BlocksFinalized   prometheus.Counter
	ViewChanges       prometheus.Counter
	RecoveryRequests  prometheus.Counter
	RecoveryResponses prometheus.Counter

	Height prometheus.Gauge
	View   prometheus.Gauge
}

// NewMetrics registers the consensus metrics on the given registerer.
// Tests pass a fresh registry to avoid cross-test collisions.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Accepted consensus messages by kind",
		}, []string{"kind"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Broadcast consensus messages by kind",
		}, []string{"kind"}),
		BlocksFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_finalized_total",
			Help:      "Blocks finalized by this node",
		}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "View changes this node went through",
		}),
		RecoveryRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_requests_total",
			Help:      "Recovery requests sent by this node",
		}),
		RecoveryResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_responses_total",
			Help:      "Recovery messages answered by this node",
		}),
		Height: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "height",
			Help:      "Height of the round in progress",
		}),
		View: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view",
			Help:      "View of the round in progress",
		}),
	}
}

// ServeMetrics exposes the given registry on /metrics until the server
// fails. Meant to be run in its own goroutine.
func ServeMetrics(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
