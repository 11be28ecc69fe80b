// Package pipeline runs the complete DCE-MRI analysis: series loading,
// concentration conversion, AIF estimation, Extended Tofts fitting, outputs
// and run persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dcemri/internal/models"
	"dcemri/pkg/aif"
	"dcemri/pkg/config"
	"dcemri/pkg/kinetics"
	"dcemri/pkg/metrics"
	"dcemri/pkg/store"
)

var log = logging.Logger("pipeline")

var (
	// ErrNoSeries is returned when Inputs name no series source
	ErrNoSeries = errors.New("no series input: set a DICOM directory, a raw directory or a series")

	// ErrNoMask is returned when Inputs name no tumor mask
	ErrNoMask = errors.New("no tumor mask input")
)

// Stage names used for spans, logs and the stage_seconds metric
const (
	StageLoad          = "load"
	StageDenoise       = "denoise"
	StageConcentration = "concentration"
	StageAIF           = "aif"
	StageMask          = "mask"
	StageFit           = "fit"
	StageOutputs       = "outputs"
	StageStore         = "store"
)

// RunStore persists finished runs
type RunStore interface {
	SaveRun(ctx context.Context, run *store.Run) error
}

// Inputs names the data of one analysis. A preloaded Series or Mask takes
// precedence over the corresponding directory.
type Inputs struct {
	// SeriesDir is a directory of DICOM files
	SeriesDir string

	// RawDir is a directory written by seriesio.SaveRawSeries
	RawDir string

	Series *models.Series

	// MaskDir holds one binary PNG or JPEG per slice
	MaskDir string

	Mask *models.Mask

	// OutputDir receives maps, curves and plots; empty disables outputs
	OutputDir string
}

// AIFOutcome is the arterial input of a run
type AIFOutcome struct {
	Method string

	// Blood is the whole-blood curve and Plasma the curve after the hematocrit correction
	Blood  []float64
	Plasma []float64

	// Estimate is set by the deterministic method
	Estimate *aif.Result
}

// FitOutcome holds the kinetic fits of a tumor
type FitOutcome struct {
	// Maps is nil when the voxelwise fit is disabled
	Maps      *kinetics.ParameterMaps
	RegionFit *kinetics.VoxelFit
	Stats     []kinetics.ParameterStats

	// TumorCurve is the mean concentration inside the mask
	TumorCurve  []float64
	TumorVoxels int
}

// Report is the result of Process
type Report struct {
	RunID     string
	PatientID string
	Timeline  []float64

	AIF *AIFOutcome
	Fit *FitOutcome

	// Outputs lists every file written
	Outputs []string

	Durations map[string]time.Duration
}

// Option configures an Analyzer
type Option func(a *Analyzer)

// WithStore persists every successful run
func WithStore(s RunStore) Option {
	return func(a *Analyzer) {
		a.store = s
	}
}

// WithMetrics records stage, voxel and run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// WithTracer replaces the global otel tracer
func WithTracer(t trace.Tracer) Option {
	return func(a *Analyzer) {
		a.tracer = t
	}
}

// WithLogger replaces the package logger
func WithLogger(l *logging.ZapEventLogger) Option {
	return func(a *Analyzer) {
		a.log = l
	}
}

// Analyzer runs the analysis steps in order:
// 1. Loading the signal series
// 2. Converting signal to contrast agent concentration
// 3. Estimating the arterial input function
// 4. Loading the tumor mask
// 5. Fitting the Extended Tofts Model per voxel and over the region
// 6. Writing maps, curves and plots
// 7. Persisting the run
type Analyzer struct {
	cfg     *config.Config
	store   RunStore
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *logging.ZapEventLogger
}

// NewAnalyzer creates an analyzer; a nil cfg uses the defaults
func NewAnalyzer(cfg *config.Config, opts ...Option) *Analyzer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a := &Analyzer{
		cfg:    cfg,
		tracer: otel.Tracer("dcemri/pipeline"),
		log:    log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the analyzer configuration
func (a *Analyzer) Config() *config.Config {
	return a.cfg
}

// Process runs the complete pipeline
func (a *Analyzer) Process(ctx context.Context, in Inputs) (report *Report, err error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, span := a.tracer.Start(ctx, "dcemri.process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.RunFinished(err)
	}()

	report = &Report{Durations: make(map[string]time.Duration)}

	// Step 1: Load the signal series
	var signal *models.Series
	err = a.stage(ctx, report, StageLoad, func(ctx context.Context) error {
		var err error
		signal, err = a.LoadSeries(in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load series: %w", err)
	}
	report.PatientID = signal.PatientID
	report.Timeline = append([]float64(nil), signal.Timeline...)
	span.SetAttributes(
		attribute.String("patient", signal.PatientID),
		attribute.Int("frames", signal.Frames),
	)

	if a.cfg.Processing.Denoise {
		err = a.stage(ctx, report, StageDenoise, func(ctx context.Context) error {
			var err error
			signal, err = a.Denoise(ctx, signal)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to denoise series: %w", err)
		}
	}

	// Step 2: Convert to concentration
	var conc *models.Series
	err = a.stage(ctx, report, StageConcentration, func(ctx context.Context) error {
		var err error
		conc, err = a.Concentration(signal)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert concentration: %w", err)
	}

	// Step 3: Arterial input function
	err = a.stage(ctx, report, StageAIF, func(ctx context.Context) error {
		var err error
		report.AIF, err = a.EstimateAIF(ctx, conc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate AIF: %w", err)
	}

	// Step 4: Tumor mask
	var mask *models.Mask
	err = a.stage(ctx, report, StageMask, func(ctx context.Context) error {
		var err error
		mask, err = a.LoadMask(in, conc.Dims())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tumor mask: %w", err)
	}

	// Step 5: Extended Tofts fitting
	err = a.stage(ctx, report, StageFit, func(ctx context.Context) error {
		var err error
		report.Fit, err = a.FitTumor(ctx, conc, mask, report.AIF.Plasma)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fit tumor: %w", err)
	}

	// Step 6: Outputs
	if in.OutputDir != "" {
		err = a.stage(ctx, report, StageOutputs, func(ctx context.Context) error {
			var err error
			report.Outputs, err = a.WriteOutputs(in.OutputDir, signal, conc, mask, report)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write outputs: %w", err)
		}
	}

	// Step 7: Persist
	if a.store != nil {
		err = a.stage(ctx, report, StageStore, func(ctx context.Context) error {
			run, err := a.newRun(report)
			if err != nil {
				return err
			}
			if err := a.store.SaveRun(ctx, run); err != nil {
				return err
			}
			report.RunID = run.ID
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}

	a.log.Infow("analysis complete", "patient", report.PatientID, "run", report.RunID,
		"tumorVoxels", report.Fit.TumorVoxels, "outputs", len(report.Outputs))
	return report, nil
}

// stage runs fn inside a span and records its duration
func (a *Analyzer) stage(ctx context.Context, report *Report, name string, fn func(ctx context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "dcemri."+name)
	defer span.End()

	a.log.Infow("starting stage", "stage", name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	report.Durations[name] = elapsed
	a.metrics.ObserveStage(name, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	a.log.Debugw("stage done", "stage", name, "elapsed", elapsed)
	return nil
}

func (a *Analyzer) newRun(report *Report) (*store.Run, error) {
	cfgYAML, err := a.cfg.YAML()
	if err != nil {
		return nil, err
	}
	run := &store.Run{
		PatientID:  report.PatientID,
		AIFMethod:  report.AIF.Method,
		AIF:        store.Curve{Timeline: report.Timeline, Values: report.AIF.Blood},
		Stats:      report.Fit.Stats,
		RegionFit:  report.Fit.RegionFit,
		ConfigYAML: cfgYAML,
	}
	if est := report.AIF.Estimate; est != nil {
		run.Candidates = est.Candidates
		run.AIFReport = &store.AIFReport{
			PeakTimestep:           est.PeakTimestep,
			PeakFound:              est.PeakFound,
			BestCost:               est.Best.Cost,
			CostAfterMorphology:    est.CostAfterMorphology,
			CostAfterRegionGrowing: est.CostAfterRegionGrowing,
			ClusterSizes:           est.ClusterSizes,
			MaskVoxels:             est.Mask.Count(),
		}
	}
	return run, nil
}
