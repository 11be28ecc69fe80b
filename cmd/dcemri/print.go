package main

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"dcemri/pkg/kinetics"
	"dcemri/pkg/pipeline"
	"dcemri/pkg/store"
)

var heading = color.New(color.FgMagenta, color.Bold)

func printReport(w io.Writer, r *pipeline.Report) {
	heading.Fprintf(w, "\nPatient %s\n", r.PatientID)
	fmt.Fprintf(w, "AIF method: %s\n", r.AIF.Method)
	if r.AIF.Estimate != nil {
		printAIF(w, r.AIF)
	}
	fmt.Fprintf(w, "Tumor voxels: %d\n", r.Fit.TumorVoxels)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run ID: %s\n", r.RunID)
	}

	printRegionFit(w, r.Fit.RegionFit)
	if len(r.Fit.Stats) > 0 {
		printStats(w, r.Fit.Stats)
	}
}

func printAIF(w io.Writer, a *pipeline.AIFOutcome) {
	est := a.Estimate
	if est == nil {
		return
	}
	heading.Fprintln(w, "\nArterial input function")
	fmt.Fprintf(w, "Candidate regions: %d\n", len(est.Candidates))
	fmt.Fprintf(w, "Peak timestep: %d (interior peak found: %t)\n", est.PeakTimestep, est.PeakFound)
	fmt.Fprintf(w, "Parker cost: best region %.5f, after morphology %.5f, after region growing %.5f\n",
		est.Best.Cost, est.CostAfterMorphology, est.CostAfterRegionGrowing)
	fmt.Fprintf(w, "Selected voxels: %d (clusters %v)\n", est.Mask.Count(), est.ClusterSizes)
}

func printRegionFit(w io.Writer, fit *kinetics.VoxelFit) {
	if fit == nil {
		return
	}
	heading.Fprintln(w, "\nWhole-tumor fit")
	fmt.Fprintf(w, "Ktrans %.4f /min, ve %.4f, vp %.4f, kep %.4f /min, R² %.4f, converged %t\n",
		fit.Ktrans, fit.Ve, fit.Vp, fit.Kep, fit.R2, fit.Converged)
}

func printStats(w io.Writer, stats []kinetics.ParameterStats) {
	heading.Fprintln(w, "\nVoxelwise parameters (converged voxels)")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAM\tN\tMEAN\tSTD\tP10\tP25\tMEDIAN\tP75\tP90")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.N,
			num(s.Mean), num(s.Std), num(s.P10), num(s.P25), num(s.Median), num(s.P75), num(s.P90))
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []*store.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATIENT\tCREATED\tAIF\tKTRANS\tVE\tVP\tR2")
	for _, r := range runs {
		ktrans, ve, vp, r2 := math.NaN(), math.NaN(), math.NaN(), math.NaN()
		if f := r.RegionFit; f != nil {
			ktrans, ve, vp, r2 = f.Ktrans, f.Ve, f.Vp, f.R2
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.PatientID,
			r.CreatedAt.Local().Format(time.DateTime), r.AIFMethod, num(ktrans), num(ve), num(vp), num(r2))
	}
	tw.Flush()
}

func printRun(w io.Writer, r *store.Run) {
	heading.Fprintf(w, "Run %s\n", r.ID)
	fmt.Fprintf(w, "Patient: %s\n", r.PatientID)
	fmt.Fprintf(w, "Created: %s\n", r.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "AIF method: %s (%d samples)\n", r.AIFMethod, len(r.AIF.Values))
	if rep := r.AIFReport; rep != nil {
		fmt.Fprintf(w, "AIF voxels: %d, peak timestep %d, cost %.5f -> %.5f -> %.5f\n",
			rep.MaskVoxels, rep.PeakTimestep, rep.BestCost, rep.CostAfterMorphology, rep.CostAfterRegionGrowing)
	}
	if len(r.Candidates) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LABEL\tVOXELS\tML\tEXTENT\tCOST")
		for _, c := range r.Candidates {
			fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.3f\t%.5f\n", c.Label, c.AreaVoxels, c.AreaML, c.Extent, c.Cost)
		}
		tw.Flush()
	}
	printRegionFit(w, r.RegionFit)
	if len(r.Stats) > 0 {
		printStats(w, r.Stats)
	}
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
