package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records pipeline activity as Prometheus metrics.
//
// Metrics exposed (namespace "xrmsim"):
//
//   - requests_total (counter): requests seen by the engine.
//     Labels: message, simulated ("true"/"false").
//   - step_executions_total (counter): step invocations.
//     Labels: message, stage, mode, status ("success"/"error").
//   - step_duration_seconds (histogram): step execution time.
//     Labels: message, stage, mode.
//
// A nil *Metrics records nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline metrics. A nil registry
// uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrmsim",
			Name:      "requests_total",
			Help:      "Requests seen by the pipeline engine",
		}, []string{"message", "simulated"}),

		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrmsim",
			Name:      "step_executions_total",
			Help:      "Plugin step invocations by outcome",
		}, []string{"message", "stage", "mode", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xrmsim",
			Name:      "step_duration_seconds",
			Help:      "Plugin step execution time",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"message", "stage", "mode"}),
	}
}

// RecordRequest counts a request entering the engine.
func (m *Metrics) RecordRequest(message string, simulated bool) {
	if m == nil {
		return
	}
	label := "false"
	if simulated {
		label = "true"
	}
	m.requests.WithLabelValues(message, label).Inc()
}

// RecordStep records one step invocation.
func (m *Metrics) RecordStep(message string, stage Stage, mode Mode, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.executions.WithLabelValues(message, stage.String(), mode.String(), status).Inc()
	m.duration.WithLabelValues(message, stage.String(), mode.String()).Observe(elapsed.Seconds())
}
