package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"dcemri/pkg/config"
	"dcemri/pkg/metrics"
	"dcemri/pkg/phantom"
	"dcemri/pkg/seriesio"
	"dcemri/pkg/store"
)

func phantomConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.Workers = 2
	cfg.AIF.MinRegionVoxels = phantom.RegionThreshold
	return cfg
}

func generatePhantom(t *testing.T) *phantom.Phantom {
	t.Helper()
	p, err := phantom.Generate(phantom.DefaultSpec())
	require.NoError(t, err)
	return p
}

func TestProcessPhantom(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full pipeline test in short mode")
	}
	p := generatePhantom(t)

	db, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	cfg := phantomConfig()
	cfg.Output.SaveIntermediaryResults = true
	a := NewAnalyzer(cfg,
		WithStore(db),
		WithMetrics(metrics.New(reg)),
		WithTracer(tp.Tracer("test")),
	)

	out := t.TempDir()
	report, err := a.Process(context.Background(), Inputs{Series: p.Series, Mask: p.TumorMask, OutputDir: out})
	require.NoError(t, err)

	// AIF
	require.Equal(t, config.AIFDeterministic, report.AIF.Method)
	require.NotNil(t, report.AIF.Estimate)
	require.InDeltaSlice(t, p.AIF, report.AIF.Blood, 1e-9)
	require.InDeltaSlice(t, p.Plasma, report.AIF.Plasma, 1e-9)

	// Kinetics
	truth := p.Truth
	fit := report.Fit.RegionFit
	require.InDelta(t, truth.Ktrans, fit.Ktrans, 1e-3)
	require.InDelta(t, truth.Ve, fit.Ve, 1e-3)
	require.InDelta(t, truth.Vp, fit.Vp, 1e-3)
	require.Equal(t, p.TumorMask.Count(), report.Fit.TumorVoxels)
	require.NotNil(t, report.Fit.Maps)
	require.Len(t, report.Fit.Stats, 5)
	require.Equal(t, "ktrans", report.Fit.Stats[0].Name)
	require.Positive(t, report.Fit.Stats[0].N)
	require.InDelta(t, truth.Ktrans, report.Fit.Stats[0].Median, 1e-3)

	// Outputs
	for _, name := range []string{AIFFileName, PlasmaFileName, TumorFileName, SummaryFileName, PlotFileName} {
		_, err := os.Stat(filepath.Join(out, name))
		require.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(out, MapsDirName, "ktrans"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, IntermediaryDir, "02_aif_mask", "slice_000.png"))
	require.NoError(t, err)

	timeline, blood, err := seriesio.ReadCurveCSV(filepath.Join(out, AIFFileName))
	require.NoError(t, err)
	require.Equal(t, p.Series.Timeline, timeline)
	require.InDeltaSlice(t, p.AIF, blood, 1e-9)

	// Persistence
	require.NotEmpty(t, report.RunID)
	run, err := db.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Equal(t, "PHANTOM", run.PatientID)
	require.Equal(t, config.AIFDeterministic, run.AIFMethod)
	require.NotNil(t, run.AIFReport)
	require.Equal(t, report.AIF.Estimate.Mask.Count(), run.AIFReport.MaskVoxels)
	require.Len(t, run.Stats, 5)
	require.NotEmpty(t, run.ConfigYAML)

	// Telemetry
	for _, stage := range []string{StageLoad, StageConcentration, StageAIF, StageMask, StageFit, StageOutputs, StageStore} {
		require.Contains(t, report.Durations, stage)
	}
	names := map[string]bool{}
	for _, span := range exporter.GetSpans() {
		names[span.Name] = true
	}
	require.True(t, names["dcemri.process"])
	require.True(t, names["dcemri."+StageFit])

	count, err := testutil.GatherAndCount(reg, "dcemri_runs_total", "dcemri_aif_cost")
	require.NoError(t, err)
	require.Equal(t, 1+3, count)
	fitted, err := testutil.GatherAndCount(reg, "dcemri_voxels_fitted_total")
	require.NoError(t, err)
	require.Positive(t, fitted)
}

func TestProcessDefaultConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full pipeline test in short mode")
	}
	p := generatePhantom(t)

	cfg := config.DefaultConfig()
	cfg.AIF.MinRegionVoxels = phantom.RegionThreshold

	report, err := NewAnalyzer(cfg).Process(context.Background(), Inputs{Series: p.Series, Mask: p.TumorMask})
	require.NoError(t, err)

	// Absolute enhancement of the phantom is its concentration
	require.InDeltaSlice(t, p.AIF, report.AIF.Blood, 1e-9)
	require.InDelta(t, p.Truth.Ktrans, report.Fit.RegionFit.Ktrans, 1e-3)
	require.InDelta(t, p.Truth.Ve, report.Fit.RegionFit.Ve, 1e-3)
}

func TestProcessPopulationAIF(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full pipeline test in short mode")
	}
	p := generatePhantom(t)
	spec := phantom.DefaultSpec()

	cfg := phantomConfig()
	cfg.AIF.Method = config.AIFPopulation
	cfg.AIF.PopulationScale = spec.AIFScale
	cfg.AIF.PopulationDelay = spec.BolusDelay
	cfg.Kinetics.Voxelwise = false

	report, err := NewAnalyzer(cfg).Process(context.Background(), Inputs{Series: p.Series, Mask: p.TumorMask})
	require.NoError(t, err)
	require.Nil(t, report.AIF.Estimate)
	require.Nil(t, report.Fit.Maps)
	require.Empty(t, report.Fit.Stats)
	require.Empty(t, report.Outputs)
	require.Empty(t, report.RunID)
	require.InDelta(t, p.Truth.Ktrans, report.Fit.RegionFit.Ktrans, 0.02)
	require.InDelta(t, p.Truth.Ve, report.Fit.RegionFit.Ve, 0.02)
}

func TestProcessRawSeriesWithAIFFile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full pipeline test in short mode")
	}
	p := generatePhantom(t)
	dir := t.TempDir()

	rawDir := filepath.Join(dir, "raw")
	require.NoError(t, seriesio.SaveRawSeries(p.Series, rawDir))
	maskDir := filepath.Join(dir, "mask")
	require.NoError(t, seriesio.SaveMaskSlices(p.TumorMask, maskDir))
	aifPath := filepath.Join(dir, "aif.csv")
	require.NoError(t, seriesio.WriteCurveCSV(aifPath, p.Series.Timeline, p.AIF))

	cfg := phantomConfig()
	cfg.AIF.Method = config.AIFFile
	cfg.AIF.File = aifPath
	cfg.Kinetics.Voxelwise = false

	report, err := NewAnalyzer(cfg).Process(context.Background(), Inputs{RawDir: rawDir, MaskDir: maskDir})
	require.NoError(t, err)
	require.Equal(t, p.TumorMask.Count(), report.Fit.TumorVoxels)
	require.InDeltaSlice(t, p.AIF, report.AIF.Blood, 1e-12)
	require.InDelta(t, p.Truth.Ktrans, report.Fit.RegionFit.Ktrans, 1e-3)
}

func TestPrepareMatchesProcessStages(t *testing.T) {
	spec := phantom.DefaultSpec()
	spec.Noise = 2
	p, err := phantom.Generate(spec)
	require.NoError(t, err)
	ctx := context.Background()

	cfg := phantomConfig()
	cfg.Processing.Denoise = true
	a := NewAnalyzer(cfg)

	signal, conc, err := a.Prepare(ctx, Inputs{Series: p.Series})
	require.NoError(t, err)

	denoised, err := a.Denoise(ctx, p.Series)
	require.NoError(t, err)
	require.Equal(t, denoised.Data, signal.Data)
	want, err := a.Concentration(denoised)
	require.NoError(t, err)
	require.Equal(t, want.Data, conc.Data)

	cfg.Processing.Denoise = false
	_, raw, err := NewAnalyzer(cfg).Prepare(ctx, Inputs{Series: p.Series})
	require.NoError(t, err)
	require.NotEqual(t, raw.Data, conc.Data)
}

func TestLoadAIFCurveResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aif.csv")
	require.NoError(t, seriesio.WriteCurveCSV(path, []float64{0, 10, 20}, []float64{0, 2, 4}))

	got, err := LoadAIFCurve(path, []float64{0, 5, 20, 30})
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0, 1, 4, 4}, got, 1e-12)

	same, err := LoadAIFCurve(path, []float64{0, 10, 20})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 2, 4}, same)
}

func TestProcessInputErrors(t *testing.T) {
	p := generatePhantom(t)
	reg := prometheus.NewRegistry()
	a := NewAnalyzer(phantomConfig(), WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	_, err := a.Process(ctx, Inputs{Mask: p.TumorMask})
	require.True(t, errors.Is(err, ErrNoSeries))

	cfg := phantomConfig()
	cfg.AIF.Method = config.AIFPopulation
	_, err = NewAnalyzer(cfg).Process(ctx, Inputs{Series: p.Series})
	require.ErrorIs(t, err, ErrNoMask)

	expected := `
# HELP dcemri_runs_total Completed analysis runs
# TYPE dcemri_runs_total counter
dcemri_runs_total{status="error"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dcemri_runs_total"))
}

func TestProcessInvalidConfig(t *testing.T) {
	cfg := phantomConfig()
	cfg.Concentration.Mode = "bogus"
	_, err := NewAnalyzer(cfg).Process(context.Background(), Inputs{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid configuration")
}

func TestProcessCancelled(t *testing.T) {
	p := generatePhantom(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAnalyzer(phantomConfig()).Process(ctx, Inputs{Series: p.Series, Mask: p.TumorMask})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcentrationSPGRNeedsAcquisition(t *testing.T) {
	p := generatePhantom(t)
	cfg := phantomConfig()
	cfg.Concentration.Mode = config.ModeSPGR

	_, err := NewAnalyzer(cfg).Concentration(p.Series)
	require.Error(t, err)

	s := p.Series.Clone()
	s.Acquisition.RepetitionTime = 5
	s.Acquisition.FlipAngle = 15
	conc, err := NewAnalyzer(cfg).Concentration(s)
	require.NoError(t, err)
	require.Equal(t, s.Frames, conc.Frames)
}

func TestProcessDenoised(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full pipeline test in short mode")
	}
	spec := phantom.DefaultSpec()
	spec.Noise = 2
	p, err := phantom.Generate(spec)
	require.NoError(t, err)

	cfg := phantomConfig()
	cfg.Processing.Denoise = true
	cfg.AIF.Method = config.AIFPopulation
	cfg.AIF.PopulationScale = spec.AIFScale
	cfg.AIF.PopulationDelay = spec.BolusDelay
	cfg.Kinetics.Voxelwise = false

	report, err := NewAnalyzer(cfg).Process(context.Background(), Inputs{Series: p.Series, Mask: p.TumorMask})
	require.NoError(t, err)
	require.Contains(t, report.Durations, StageDenoise)
	require.NotNil(t, report.Fit.RegionFit)

	cfg.Processing.EdgeThreshold = 0
	_, err = NewAnalyzer(cfg).Process(context.Background(), Inputs{Series: p.Series, Mask: p.TumorMask})
	require.Error(t, err)
}
