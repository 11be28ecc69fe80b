package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dcemri/internal/models"
	"dcemri/pkg/kinetics"
	"dcemri/pkg/seriesio"
	"dcemri/pkg/visualization"
)

// Output file names inside the output directory
const (
	AIFFileName     = "aif.csv"
	PlasmaFileName  = "plasma.csv"
	TumorFileName   = "tumor_curve.csv"
	SummaryFileName = "summary.yaml"
	PlotFileName    = "curves.png"
	MapsDirName     = "maps"
	IntermediaryDir = "intermediary"
)

// Summary is the machine-readable result written next to the maps
type Summary struct {
	PatientID   string                    `yaml:"patientId"`
	AIFMethod   string                    `yaml:"aifMethod"`
	AIFVoxels   int                       `yaml:"aifVoxels,omitempty"`
	TumorVoxels int                       `yaml:"tumorVoxels"`
	RegionFit   *kinetics.VoxelFit        `yaml:"regionFit"`
	Stats       []kinetics.ParameterStats `yaml:"stats,omitempty"`
}

// WriteOutputs writes the curves, plots, parameter maps and summary of a
// finished analysis into dir and returns the written paths
func (a *Analyzer) WriteOutputs(dir string, signal, conc *models.Series, mask *models.Mask, report *Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %v", err)
	}

	var written []string
	curves := []struct {
		name   string
		values []float64
	}{
		{AIFFileName, report.AIF.Blood},
		{PlasmaFileName, report.AIF.Plasma},
		{TumorFileName, report.Fit.TumorCurve},
	}
	for _, c := range curves {
		path := filepath.Join(dir, c.name)
		if err := seriesio.WriteCurveCSV(path, conc.Timeline, c.values); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", c.name, err)
		}
		written = append(written, path)
	}

	if a.cfg.Output.Plots {
		path := filepath.Join(dir, PlotFileName)
		if err := visualization.PlotCurves(path, "AIF and tumor curves "+report.PatientID, conc.Timeline,
			a.plotCurves(conc, report)...); err != nil {
			return written, fmt.Errorf("failed to plot curves: %w", err)
		}
		written = append(written, path)
	}

	if a.cfg.Output.Maps && report.Fit.Maps != nil {
		anatomy, err := signal.MeanFrames(0, min(a.cfg.Concentration.Baseline, signal.Frames))
		if err != nil {
			return written, err
		}
		paths, err := visualization.SaveParameterMaps(report.Fit.Maps, anatomy, mask, filepath.Join(dir, MapsDirName))
		written = append(written, paths...)
		if err != nil {
			return written, fmt.Errorf("failed to save parameter maps: %w", err)
		}
	}

	if a.cfg.Output.SaveIntermediaryResults {
		paths, err := a.saveIntermediaryResults(filepath.Join(dir, IntermediaryDir), conc, mask, report)
		written = append(written, paths...)
		if err != nil {
			// Intermediary images are diagnostic only
			a.log.Warnw("failed to save intermediary results", "error", err)
		}
	}

	path := filepath.Join(dir, SummaryFileName)
	if err := writeSummary(path, report); err != nil {
		return written, err
	}
	written = append(written, path)
	return written, nil
}

func (a *Analyzer) plotCurves(conc *models.Series, report *Report) []visualization.Curve {
	curves := []visualization.Curve{
		{Name: "AIF (blood)", Values: report.AIF.Blood},
		{Name: "AIF (plasma)", Values: report.AIF.Plasma},
		{Name: "tumor", Values: report.Fit.TumorCurve},
	}
	tMin := conc.TimelineMinutes()
	if fit := report.Fit.RegionFit; fit != nil {
		curves = append(curves, visualization.Curve{
			Name:   "ETM fit",
			Values: kinetics.Curve(fit.ETMParams, report.AIF.Plasma, tMin),
			Dashed: true,
		})
	}
	if est := report.AIF.Estimate; est != nil && est.Fit != nil {
		curves = append(curves, visualization.Curve{
			Name:   "Parker fit",
			Values: est.Fit.Curve(tMin),
			Dashed: true,
		})
	}
	return curves
}

// saveIntermediaryResults dumps the selected arterial voxels and the
// concentration at the peak frame, slice by slice
func (a *Analyzer) saveIntermediaryResults(dir string, conc *models.Series, tumor *models.Mask, report *Report) ([]string, error) {
	var written []string

	tumorDir := filepath.Join(dir, "01_tumor_mask")
	if err := seriesio.SaveMaskSlices(tumor, tumorDir); err != nil {
		return written, fmt.Errorf("failed to save tumor mask: %w", err)
	}
	written = append(written, tumorDir)

	est := report.AIF.Estimate
	if est == nil {
		return written, nil
	}

	maskDir := filepath.Join(dir, "02_aif_mask")
	if err := seriesio.SaveMaskSlices(est.Mask, maskDir); err != nil {
		return written, fmt.Errorf("failed to save AIF mask: %w", err)
	}
	written = append(written, maskDir)

	peak := models.NewVolume(conc.Dims())
	peak.Spacing = conc.Spacing
	copy(peak.Data, conc.Frame(est.PeakTimestep))
	peakDir := filepath.Join(dir, "03_peak_frame")
	if err := visualization.NewViewer(peak).SaveSliceSequence("z", peakDir); err != nil {
		return written, fmt.Errorf("failed to save peak frame: %w", err)
	}
	written = append(written, peakDir)
	return written, nil
}

func writeSummary(path string, report *Report) error {
	s := Summary{
		PatientID:   report.PatientID,
		AIFMethod:   report.AIF.Method,
		TumorVoxels: report.Fit.TumorVoxels,
		RegionFit:   report.Fit.RegionFit,
		Stats:       report.Fit.Stats,
	}
	if est := report.AIF.Estimate; est != nil {
		s.AIFVoxels = est.Mask.Count()
	}
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
