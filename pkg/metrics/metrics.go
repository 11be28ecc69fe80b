// Package metrics collects Prometheus metrics for analysis runs.
//
// Batch runs have no scrape endpoint, so the registry is usually written to a
// node_exporter textfile at the end of a run with WriteTextfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dcemri"

// Metrics holds the run collectors. A nil *Metrics records nothing.
type Metrics struct {
	voxelsFitted *prometheus.CounterVec
	voxelFitTime prometheus.Histogram
	stageTime    *prometheus.HistogramVec
	aifCost      *prometheus.GaugeVec
	runs         *prometheus.CounterVec
}

// New registers the collectors with registry, or the default registerer when nil
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		voxelsFitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voxels_fitted_total",
			Help:      "Voxels fitted with the Extended Tofts Model",
		}, []string{"status"}), // status: converged, unconverged

		voxelFitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voxel_fit_seconds",
			Help:      "Duration of a single voxel fit",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10), // 10µs to 2.6s
		}),

		stageTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),

		aifCost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aif_cost",
			Help:      "Parker fit cost of the AIF after each selection step",
		}, []string{"step"}), // step: candidates, morphology, region_growing

		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed analysis runs",
		}, []string{"status"}), // status: success, error
	}
}

// ObserveVoxel records one voxel fit
func (m *Metrics) ObserveVoxel(elapsed time.Duration, converged bool) {
	if m == nil {
		return
	}
	status := "unconverged"
	if converged {
		status = "converged"
	}
	m.voxelsFitted.WithLabelValues(status).Inc()
	m.voxelFitTime.Observe(elapsed.Seconds())
}

// ObserveStage records the duration of a pipeline stage
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageTime.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// SetAIFCost records the AIF cost after a selection step
func (m *Metrics) SetAIFCost(step string, cost float64) {
	if m == nil {
		return
	}
	m.aifCost.WithLabelValues(step).Set(cost)
}

// RunFinished counts a run by outcome
func (m *Metrics) RunFinished(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(status).Inc()
}

// WriteTextfile writes everything in gatherer to path in the text exposition format
func WriteTextfile(gatherer prometheus.Gatherer, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
