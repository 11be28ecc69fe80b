package pipeline

import (
	"context"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/interp"

	"dcemri/internal/models"
	"dcemri/pkg/aif"
	"dcemri/pkg/concentration"
	"dcemri/pkg/config"
	"dcemri/pkg/denoise"
	"dcemri/pkg/kinetics"
	"dcemri/pkg/seriesio"
)

// LoadSeries returns the signal series named by in
func (a *Analyzer) LoadSeries(in Inputs) (*models.Series, error) {
	var (
		s   *models.Series
		err error
	)
	switch {
	case in.Series != nil:
		s = in.Series
	case in.RawDir != "":
		s, err = seriesio.LoadRawSeries(in.RawDir)
	case in.SeriesDir != "":
		p := a.cfg.Processing
		s, err = seriesio.LoadDICOMSeries(in.SeriesDir,
			seriesio.WithTemporalResolution(p.TemporalResolution),
			seriesio.WithMinSlices(p.MinSlices),
			seriesio.WithFrameLimit(p.FrameLimit),
		)
	default:
		return nil, ErrNoSeries
	}
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	a.log.Infow("loaded series", "patient", s.PatientID, "frames", s.Frames,
		"depth", s.Depth, "height", s.Height, "width", s.Width)
	return s, nil
}

// Denoise applies the edge-preserving filter to every frame of signal
func (a *Analyzer) Denoise(ctx context.Context, signal *models.Series) (*models.Series, error) {
	opts := denoise.DefaultOptions()
	opts.EdgeThreshold = a.cfg.Processing.EdgeThreshold
	if a.cfg.Processing.Workers > 0 {
		opts.Workers = a.cfg.Processing.Workers
	}
	out, err := denoise.Series(ctx, signal, opts)
	if err != nil {
		return nil, err
	}
	a.log.Infow("denoised series", "threshold", opts.EdgeThreshold, "workers", opts.Workers)
	return out, nil
}

// Prepare loads the signal series, denoises it when configured and converts
// it to concentration, matching the first stages of Process
func (a *Analyzer) Prepare(ctx context.Context, in Inputs) (signal, conc *models.Series, err error) {
	signal, err = a.LoadSeries(in)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Processing.Denoise {
		signal, err = a.Denoise(ctx, signal)
		if err != nil {
			return nil, nil, err
		}
	}
	conc, err = a.Concentration(signal)
	if err != nil {
		return nil, nil, err
	}
	return signal, conc, nil
}

// Concentration converts signal with the configured mode
func (a *Analyzer) Concentration(signal *models.Series) (*models.Series, error) {
	c := a.cfg.Concentration
	if strings.EqualFold(c.Mode, config.ModeSPGR) {
		acq := signal.Acquisition
		if acq.RepetitionTime == 0 || acq.FlipAngle == 0 {
			return nil, fmt.Errorf("spgr conversion needs TR and flip angle, series has TR=%g FA=%g",
				acq.RepetitionTime, acq.FlipAngle)
		}
		return concentration.SPGR(signal, c.Baseline, concentration.SPGRParams{
			RepetitionTime: acq.RepetitionTime,
			FlipAngle:      acq.FlipAngle,
			T10:            c.T10,
			Relaxivity:     c.Relaxivity,
		})
	}
	mode, err := concentration.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	return concentration.Relative(signal, c.Baseline, c.Scale, mode)
}

// EstimateAIF obtains the blood AIF with the configured method and converts
// it to plasma
func (a *Analyzer) EstimateAIF(ctx context.Context, conc *models.Series) (*AIFOutcome, error) {
	c := a.cfg.AIF
	out := &AIFOutcome{Method: c.Method}

	switch c.Method {
	case config.AIFDeterministic:
		res, err := aif.NewEstimator(c.Config).Estimate(ctx, conc)
		if err != nil {
			return nil, err
		}
		out.Blood = res.Curve
		out.Estimate = res
		a.metrics.SetAIFCost("candidates", res.Best.Cost)
		a.metrics.SetAIFCost("morphology", res.CostAfterMorphology)
		a.metrics.SetAIFCost("region_growing", res.CostAfterRegionGrowing)
		a.log.Infow("deterministic AIF", "voxels", res.Mask.Count(), "peakTimestep", res.PeakTimestep,
			"cost", res.CostAfterRegionGrowing)

	case config.AIFPopulation:
		out.Blood = aif.Population(conc.Timeline, c.PopulationScale, c.PopulationDelay)

	case config.AIFFile:
		blood, err := LoadAIFCurve(c.File, conc.Timeline)
		if err != nil {
			return nil, err
		}
		out.Blood = blood

	default:
		return nil, fmt.Errorf("unknown AIF method %q", c.Method)
	}

	plasma, err := concentration.BloodToPlasma(out.Blood, a.cfg.Concentration.Hematocrit)
	if err != nil {
		return nil, err
	}
	out.Plasma = plasma
	return out, nil
}

// LoadAIFCurve reads a CSV curve and resamples it onto timeline. Samples
// outside the stored range take the nearest end value.
func LoadAIFCurve(path string, timeline []float64) ([]float64, error) {
	t, v, err := seriesio.ReadCurveCSV(path)
	if err != nil {
		return nil, err
	}
	if sameTimeline(t, timeline) {
		return v, nil
	}
	if len(t) < 2 {
		return nil, fmt.Errorf("AIF file %s has %d samples, need at least 2 to resample", path, len(t))
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(t, v); err != nil {
		return nil, fmt.Errorf("AIF file %s: %w", path, err)
	}
	out := make([]float64, len(timeline))
	for i, x := range timeline {
		out[i] = pl.Predict(x)
	}
	log.Debugw("resampled AIF", "path", path, "from", len(t), "to", len(timeline))
	return out, nil
}

func sameTimeline(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if d := a[i] - b[i]; d > 1e-6 || d < -1e-6 {
			return false
		}
	}
	return true
}

// LoadMask returns the tumor mask named by in, checked against d
func (a *Analyzer) LoadMask(in Inputs, d models.Dims) (*models.Mask, error) {
	var mask *models.Mask
	switch {
	case in.Mask != nil:
		mask = in.Mask
	case in.MaskDir != "":
		var err error
		if mask, err = seriesio.LoadMaskSlices(in.MaskDir, d.Depth, d.Height, d.Width); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoMask
	}
	if !mask.SameShape(d) {
		return nil, fmt.Errorf("tumor mask: %w", models.ErrShapeMismatch)
	}
	if mask.Count() == 0 {
		return nil, fmt.Errorf("tumor mask is empty")
	}
	return mask, nil
}

// NewFitter returns a kinetics fitter configured from the analyzer settings
func (a *Analyzer) NewFitter() *kinetics.Fitter {
	f := kinetics.NewFitter()
	if a.cfg.Processing.Workers > 0 {
		f.Workers = a.cfg.Processing.Workers
	}
	if a.cfg.Kinetics.MaxIterations > 0 {
		f.Settings.MaxIterations = a.cfg.Kinetics.MaxIterations
	}
	if a.cfg.Kinetics.KtransMax > 0 {
		f.Upper.Ktrans = a.cfg.Kinetics.KtransMax
	}
	if a.metrics != nil {
		f.OnVoxel = a.metrics.ObserveVoxel
	}

	lastDecile := -1
	f.Progress = func(completed, total int) {
		if decile := completed * 10 / total; decile != lastDecile {
			lastDecile = decile
			a.log.Debugw("fitting voxels", "completed", completed, "total", total)
		}
	}
	return f
}

// FitTumor fits the Extended Tofts Model inside mask given the plasma AIF
func (a *Analyzer) FitTumor(ctx context.Context, conc *models.Series, mask *models.Mask, plasma []float64) (*FitOutcome, error) {
	f := a.NewFitter()
	out := &FitOutcome{TumorVoxels: mask.Count()}

	curve, err := conc.MeanCurve(mask)
	if err != nil {
		return nil, err
	}
	out.TumorCurve = curve

	out.RegionFit, err = f.FitRegion(conc, mask, plasma)
	if err != nil {
		return nil, fmt.Errorf("region fit: %w", err)
	}
	a.log.Infow("region fit", "ktrans", out.RegionFit.Ktrans, "ve", out.RegionFit.Ve,
		"vp", out.RegionFit.Vp, "r2", out.RegionFit.R2)

	if a.cfg.Kinetics.Voxelwise {
		out.Maps, err = f.FitMask(ctx, conc, mask, plasma)
		if err != nil {
			return nil, fmt.Errorf("voxelwise fit: %w", err)
		}
		out.Stats = kinetics.Summarize(out.Maps, mask)
	}
	return out, nil
}
