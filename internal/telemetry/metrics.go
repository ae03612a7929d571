package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoordinationMetrics are the business-level Prometheus series exported by
// every process kind. Counters that don't apply to a given process simply
// stay at zero.
type CoordinationMetrics struct {
	OrdersCaptured     prometheus.Counter
	OrdersConfirmed    prometheus.Counter
	OrdersCancelled    prometheus.Counter
	OrderAwardTimeouts prometheus.Counter
	TokenHops          *prometheus.CounterVec
	RingReconnects     prometheus.Counter
}

// NewCoordinationMetrics registers a fresh set of series namespaced by
// serviceName (e.g. "gateway", "robot", "screen").
func NewCoordinationMetrics(serviceName string) *CoordinationMetrics {
	return &CoordinationMetrics{
		OrdersCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_captured_total",
			Help: "Total number of PaymentCapture requests sent or handled.",
		}),
		OrdersConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_confirmed_total",
			Help: "Total number of orders completed with fail_flag=SUCCESS.",
		}),
		OrdersCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_cancelled_total",
			Help: "Total number of orders cancelled (invalid capture or no stock).",
		}),
		OrderAwardTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_order_award_timeouts_total",
			Help: "Total number of order-award timer firings that caused a re-broadcast.",
		}),
		TokenHops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_token_hops_total",
			Help: "Total number of Flavour tokens forwarded, by flavour name.",
		}, []string{"flavour"}),
		RingReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_ring_reconnects_total",
			Help: "Total number of ring reconnects: skip-dead-neighbour dials made and reconnecting neighbours accepted.",
		}),
	}
}

// RegisterHandlers mounts /metrics and /healthz on mux.
func RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
