package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveVoxel(time.Millisecond, true)
	m.ObserveVoxel(2*time.Millisecond, true)
	m.ObserveVoxel(time.Millisecond, false)
	m.ObserveStage("aif", time.Second)
	m.SetAIFCost("morphology", 0.25)
	m.SetAIFCost("morphology", 0.125)
	m.RunFinished(nil)
	m.RunFinished(errors.New("boom"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.voxelsFitted.WithLabelValues("converged")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.voxelsFitted.WithLabelValues("unconverged")))
	require.Equal(t, 0.125, testutil.ToFloat64(m.aifCost.WithLabelValues("morphology")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("error")))
	require.Equal(t, 1, testutil.CollectAndCount(m.stageTime))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveVoxel(time.Millisecond, true)
		m.ObserveStage("load", time.Second)
		m.SetAIFCost("candidates", 1)
		m.RunFinished(nil)
	})
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RunFinished(nil)

	path := filepath.Join(t.TempDir(), "textfile", "dcemri.prom")
	require.NoError(t, WriteTextfile(reg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `dcemri_runs_total{status="success"} 1`), string(data))
}
