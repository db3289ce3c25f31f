package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors pkg/metrics/retry.go's per-operation counters, scoped to
// recovery strategies instead of retry attempts.
type metrics struct {
	strategiesTotal *prometheus.CounterVec
	breakerTrips    *prometheus.CounterVec
	modelAccuracy   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		strategiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmr",
			Subsystem: "recovery",
			Name:      "strategies_total",
			Help:      "Recovery strategies executed, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmr",
			Subsystem: "recovery",
			Name:      "breaker_trips_total",
			Help:      "Recovery circuit breaker trips, by subsystem.",
		}, []string{"subsystem"}),
		modelAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hmr",
			Subsystem: "recovery",
			Name:      "model_accuracy",
			Help:      "Exponential moving average of the failure-probability model's prediction accuracy.",
		}),
	}
}
