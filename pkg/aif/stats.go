package aif

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// percentile returns the q-th percentile (0..100) with linear interpolation
// between closest ranks, matching numpy's default definition.
// gonum's stat.Quantile uses CDF-based definitions that differ at small n.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// meanStd returns the mean and population standard deviation
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	return mean, math.Sqrt(variance)
}
