package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's use of prometheus/client_golang for
// per-endpoint counters, narrowed to the one thing worth counting at
// this layer: reducer actions, not HTTP routes (the router has only
// a handful of routes; the interesting cardinality is mode x action).
type metrics struct {
	actionsTotal   *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		actionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anastasis_reducer_actions_total",
			Help: "Reducer actions dispatched by anastasis-httpd.",
		}, []string{"mode", "action"}),
		actionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anastasis_reducer_action_failures_total",
			Help: "Reducer actions that returned a reducer.Error.",
		}, []string{"mode", "action", "code"}),
		actionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anastasis_reducer_action_duration_seconds",
			Help:    "Wall time of one reducer.Dispatch call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "action"}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anastasis_sessions_active",
			Help: "Sessions currently held in the daemon's in-memory registry.",
		}),
	}
}
