package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Runs         *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	InFlight     prometheus.Gauge
	Interrupted  prometheus.Counter
}

// NewMetrics registers the settlement metrics with reg. Tests pass a fresh
// prometheus.NewRegistry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "runs_total",
			Help:      "Settlement runs by terminal state",
		}, []string{"state"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "step_duration_seconds",
			Help:      "Duration of settlement steps",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"step", "outcome"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "in_flight",
			Help:      "Settlement runs currently executing",
		}),
		Interrupted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "interrupted_total",
			Help:      "Unfinished settlement records closed by the reconciler",
		}),
	}
}
