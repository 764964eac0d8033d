package cli

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
)

// metricsFile collects the pipeline metrics of one command and writes
// them in the Prometheus text format, ready for a node_exporter textfile
// collector. A nil *metricsFile collects nothing.
type metricsFile struct {
	path     string
	registry *prometheus.Registry
	metrics  *pipeline.Metrics
}

func newMetricsFile(path string) *metricsFile {
	if path == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	return &metricsFile{
		path:     path,
		registry: reg,
		metrics:  pipeline.NewMetrics(reg),
	}
}

func (m *metricsFile) Metrics() *pipeline.Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Write replaces the file atomically.
func (m *metricsFile) Write() error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(m.path, m.registry)
}
