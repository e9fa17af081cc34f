// Package metrics records run counters for the pipeline.
package metrics

import (
	"time"

	"github.com/poiesic/datamesh/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives the counters of a finished run.
type Recorder interface {
	// ObserveSource records the counters of one source.
	ObserveSource(summary core.SourceSummary)
	// ObserveArtifact records a written artifact.
	ObserveArtifact(artifact core.ExportArtifact)
	// ObserveRun records the outcome and duration of a run.
	ObserveRun(ok bool, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveSource(core.SourceSummary)    {}
func (Nop) ObserveArtifact(core.ExportArtifact) {}
func (Nop) ObserveRun(bool, time.Duration)      {}

// Prometheus exports run counters as Prometheus metrics.
type Prometheus struct {
	records       *prometheus.CounterVec
	artifactBytes *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
	runs          *prometheus.CounterVec
	duration      prometheus.Histogram
}

// NewPrometheus creates the collectors and registers them with reg. A nil
// reg registers with prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datamesh_records_total",
			Help: "Records per source and outcome (read, rejected, duplicate, emitted).",
		}, []string{"source", "outcome"}),
		artifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datamesh_artifact_bytes_total",
			Help: "Bytes written to artifacts by format.",
		}, []string{"format"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datamesh_artifacts_total",
			Help: "Artifacts written by format.",
		}, []string{"format"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datamesh_runs_total",
			Help: "Pipeline runs by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datamesh_run_duration_seconds",
			Help:    "Wall time of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	for _, c := range []prometheus.Collector{p.records, p.artifactBytes, p.artifacts, p.runs, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveSource(s core.SourceSummary) {
	p.records.WithLabelValues(s.Name, "read").Add(float64(s.Read))
	p.records.WithLabelValues(s.Name, "rejected").Add(float64(s.Rejected))
	p.records.WithLabelValues(s.Name, "duplicate").Add(float64(s.Duplicates))
	p.records.WithLabelValues(s.Name, "emitted").Add(float64(s.Emitted))
}

func (p *Prometheus) ObserveArtifact(a core.ExportArtifact) {
	p.artifacts.WithLabelValues(a.Format).Inc()
	p.artifactBytes.WithLabelValues(a.Format).Add(float64(a.Bytes))
}

func (p *Prometheus) ObserveRun(ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.runs.WithLabelValues(result).Inc()
	p.duration.Observe(duration.Seconds())
}

// WriteTextfile writes the metrics gathered by g to path in the text
// exposition format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
