package aif

import (
	"math"
	"testing"

	"dcemri/internal/models"
)

func TestPercentile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	cases := []struct {
		q, want float64
	}{
		{0, 1},
		{50, 2.5},
		{100, 4},
		{25, 1.75},
	}
	for _, c := range cases {
		if got := percentile(values, c.q); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("percentile(%v): expected %f, got %f", c.q, c.want, got)
		}
	}
	if !math.IsNaN(percentile(nil, 50)) {
		t.Errorf("Expected NaN for empty input")
	}
	if values[0] != 4 {
		t.Errorf("percentile must not reorder its input")
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || math.Abs(std-2) > 1e-12 {
		t.Errorf("Expected mean 5 std 2, got %f %f", mean, std)
	}
}

func TestParkerPopulationPeak(t *testing.T) {
	tm := make([]float64, 200)
	for i := range tm {
		tm[i] = float64(i) * 0.01
	}
	curve := Parker(PopulationParker, tm)
	peak := 0
	for i, v := range curve {
		if v > curve[peak] {
			peak = i
		}
	}
	// The first pass peak sits at T1
	if math.Abs(tm[peak]-PopulationParker.T1) > 0.01 {
		t.Errorf("Expected peak near %.3f min, got %.3f", PopulationParker.T1, tm[peak])
	}

	scaled := Population([]float64{60 * PopulationParker.T1}, 2, 0)
	if math.Abs(scaled[0]-2*Parker(PopulationParker, []float64{PopulationParker.T1})[0]) > 1e-12 {
		t.Errorf("Population scaling mismatch")
	}
	delayed := Population([]float64{30 + 60*PopulationParker.T1}, 1, 30)
	if math.Abs(delayed[0]-scaled[0]/2) > 1e-12 {
		t.Errorf("Population delay mismatch")
	}
}

func TestFitParkerPopulation(t *testing.T) {
	tm := make([]float64, 40)
	for i := range tm {
		tm[i] = float64(i) * 0.05
	}
	measured := Parker(PopulationParker, tm)
	for i := range measured {
		measured[i] *= 3
	}

	fit, err := FitParker(measured, tm)
	if err != nil {
		t.Fatalf("FitParker failed: %v", err)
	}
	if fit.Cost > 0.05 {
		t.Errorf("Expected small cost, got %f", fit.Cost)
	}
	curve := fit.Curve(tm)
	peak := 0.0
	for _, v := range measured {
		peak = math.Max(peak, v)
	}
	if fit.Norm != peak {
		t.Errorf("Expected norm %f, got %f", peak, fit.Norm)
	}
	for i := range curve {
		if math.Abs(curve[i]-measured[i]) > 0.1*peak {
			t.Errorf("Sample %d: fitted %f, measured %f", i, curve[i], measured[i])
		}
	}
}

func TestFitParkerErrors(t *testing.T) {
	tm := make([]float64, 12)
	if _, err := FitParker(make([]float64, 12), tm); err == nil {
		t.Errorf("Expected error for flat zero curve")
	}
	if _, err := FitParker(make([]float64, 5), tm[:5]); err == nil {
		t.Errorf("Expected error for too few samples")
	}
	if _, err := FitParker(make([]float64, 12), tm[:10]); err == nil {
		t.Errorf("Expected error for length mismatch")
	}
}

func TestKMeans(t *testing.T) {
	rows := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1},
	}
	c, err := KMeans(rows, 2, 7)
	if err != nil {
		t.Fatalf("KMeans failed: %v", err)
	}
	if c.Assignments[0] != c.Assignments[1] || c.Assignments[0] != c.Assignments[2] {
		t.Errorf("First group split: %v", c.Assignments)
	}
	if c.Assignments[3] != c.Assignments[4] || c.Assignments[3] != c.Assignments[5] {
		t.Errorf("Second group split: %v", c.Assignments)
	}
	if c.Assignments[0] == c.Assignments[3] {
		t.Errorf("Groups merged: %v", c.Assignments)
	}
	if c.Sizes[0] != 3 || c.Sizes[1] != 3 {
		t.Errorf("Expected sizes 3 and 3, got %v", c.Sizes)
	}

	single, err := KMeans(rows, 1, 1)
	if err != nil {
		t.Fatalf("KMeans k=1 failed: %v", err)
	}
	if math.Abs(single.Centroids[0][0]-(0.1+30.1)/6) > 1e-12 {
		t.Errorf("Single centroid should be the mean, got %v", single.Centroids[0])
	}

	if _, err := KMeans(rows, 7, 1); err == nil {
		t.Errorf("Expected error for k larger than rows")
	}
	if _, err := KMeans([][]float64{{1}, {1, 2}}, 1, 1); err == nil {
		t.Errorf("Expected error for ragged rows")
	}
}

// peakSeries builds a 1x1xN series where voxel i peaks at frame peaks[i]
func peakSeries(frames int, peaks ...int) *models.Series {
	s := models.NewSeries(frames, 1, 1, len(peaks))
	for i := range s.Timeline {
		s.Timeline[i] = float64(i)
	}
	for x, p := range peaks {
		for f := 0; f < frames; f++ {
			s.Set(f, 0, 0, x, 10-math.Abs(float64(f-p)))
		}
	}
	return s
}

func TestFindPeakTimestep(t *testing.T) {
	s := peakSeries(10, 4, 4, 6)
	all := models.NewMask(s.Dims())
	for i := range all.Data {
		all.Data[i] = true
	}
	if ts, ok := FindPeakTimestep(s, all, 10); !ok || ts != 4 {
		t.Errorf("Expected peak 4, got %d (%v)", ts, ok)
	}

	// Mode on the last searched frame is a boundary and not accepted
	s = peakSeries(10, 7, 7, 2)
	if _, ok := FindPeakTimestep(s, all, 8); ok {
		t.Errorf("Boundary peak accepted")
	}
	if ts, ok := FindPeakTimestep(s, all, 10); !ok || ts != 7 {
		t.Errorf("Expected peak 7 with a longer window, got %d (%v)", ts, ok)
	}

	if _, ok := FindPeakTimestep(s, models.NewMask(s.Dims()), 10); ok {
		t.Errorf("Empty mask reported a peak")
	}
}

func TestSelectBrightest(t *testing.T) {
	s := models.NewSeries(4, 1, 10, 10)
	for i := range s.Timeline {
		s.Timeline[i] = float64(i)
	}
	n := s.FrameSize()
	for f := 0; f < s.Frames; f++ {
		for i := 0; i < n; i++ {
			s.Data[f*n+i] = float64(i)
		}
	}
	mask, err := SelectBrightest(s, 2, 2)
	if err != nil {
		t.Fatalf("SelectBrightest failed: %v", err)
	}
	if mask.Count() != 2 || !mask.Data[98] || !mask.Data[99] {
		t.Errorf("Expected voxels 98 and 99, got %v", mask.Indices())
	}
	if _, err := SelectBrightest(s, 4, 2); err == nil {
		t.Errorf("Expected error when timesteps reaches the series length")
	}
	if _, err := SelectBrightest(s, 2, 0); err == nil {
		t.Errorf("Expected error for zero percentile")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"timesteps":  func(c *Config) { c.Timesteps = 0 },
		"percentile": func(c *Config) { c.Percentile = 100 },
		"quantile":   func(c *Config) { c.GrowQuantile = 1 },
		"clusters":   func(c *Config) { c.Clusters = 0 },
		"minRegion":  func(c *Config) { c.MinRegionVoxels = -1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
