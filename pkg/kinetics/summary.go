package kinetics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"dcemri/internal/models"
)

// ParameterStats summarises one parameter over the converged voxels of a tumor
type ParameterStats struct {
	Name   string  `json:"name"`
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	P10    float64 `json:"p10"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
}

// Summarize computes per-parameter statistics over voxels that are inside
// mask and converged. Parameters with no such voxels report NaN.
func Summarize(maps *ParameterMaps, mask *models.Mask) []ParameterStats {
	selected := maps.Converged
	if mask != nil {
		if and, err := maps.Converged.And(mask); err == nil {
			selected = and
		}
	}

	var out []ParameterStats
	for _, nv := range maps.Named() {
		values := make([]float64, 0, selected.Count())
		for _, v := range nv.Volume.Values(selected) {
			if !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		out = append(out, describe(nv.Name, values))
	}
	return out
}

func describe(name string, values []float64) ParameterStats {
	s := ParameterStats{Name: name, N: len(values)}
	if len(values) == 0 {
		nan := math.NaN()
		s.Mean, s.Median, s.Std, s.P10, s.P25, s.P75, s.P90 = nan, nan, nan, nan, nan, nan, nan
		return s
	}
	sort.Float64s(values)
	s.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		s.Std = stat.StdDev(values, nil)
	}
	q := func(p float64) float64 { return stat.Quantile(p, stat.LinInterp, values, nil) }
	s.P10 = q(0.10)
	s.P25 = q(0.25)
	s.Median = q(0.5)
	s.P75 = q(0.75)
	s.P90 = q(0.90)
	return s
}
