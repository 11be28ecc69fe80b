// Package aif estimates the arterial input function of a DCE-MRI series.
//
// The deterministic estimator follows the selection procedure of Tönnes et al.
// (Magnetic Resonance Imaging 75, 2021): bright early-enhancing voxels are
// grouped into connected regions, the region whose mean curve best matches the
// Parker population model is kept, and the mask is refined by morphology,
// region growing and clustering of time courses.
package aif

import (
	"context"
	"errors"
	"fmt"
	"math"

	logging "github.com/ipfs/go-log/v2"

	"dcemri/internal/models"
	"dcemri/pkg/morphology"
)

var log = logging.Logger("aif")

// ErrNoCandidates is returned when no connected region is large enough to be an artery
var ErrNoCandidates = errors.New("no candidate arterial regions")

// Config controls the deterministic estimator
type Config struct {
	// Timesteps is the number of early frames searched for bright voxels and peaks
	Timesteps int `yaml:"timesteps" toml:"timesteps"`

	// RetryTimesteps is used when no interior peak is found within Timesteps
	RetryTimesteps int `yaml:"retryTimesteps" toml:"retryTimesteps"`

	// Percentile is the percentage of brightest voxels kept in step 1
	Percentile float64 `yaml:"percentile" toml:"percentile"`

	// MinRegionVoxels is the area a connected region must exceed to be a candidate
	MinRegionVoxels int `yaml:"minRegionVoxels" toml:"minRegionVoxels"`

	// SeedFrames is the number of early frames averaged to locate the growing seed
	SeedFrames int `yaml:"seedFrames" toml:"seedFrames"`

	// GrowQuantile selects the bright in-mask voxels that set the growing tolerance
	GrowQuantile float64 `yaml:"growQuantile" toml:"growQuantile"`

	// Clusters is the number of k-means clusters of the final time courses
	Clusters int `yaml:"clusters" toml:"clusters"`

	// Seed makes the clustering reproducible
	Seed int64 `yaml:"seed" toml:"seed"`
}

// DefaultConfig returns the values used in the original selection procedure
func DefaultConfig() Config {
	return Config{
		Timesteps:       20,
		RetryTimesteps:  30,
		Percentile:      2,
		MinRegionVoxels: 1000,
		SeedFrames:      10,
		GrowQuantile:    0.8,
		Clusters:        1,
		Seed:            1,
	}
}

// Validate checks the configuration ranges
func (c Config) Validate() error {
	if c.Timesteps <= 0 || c.RetryTimesteps <= 0 || c.SeedFrames <= 0 {
		return fmt.Errorf("timesteps, retryTimesteps and seedFrames must be positive")
	}
	if c.Percentile <= 0 || c.Percentile >= 100 {
		return fmt.Errorf("percentile %.2f out of range (0, 100)", c.Percentile)
	}
	if c.GrowQuantile <= 0 || c.GrowQuantile >= 1 {
		return fmt.Errorf("growQuantile %.2f out of range (0, 1)", c.GrowQuantile)
	}
	if c.Clusters < 1 {
		return fmt.Errorf("clusters must be at least 1")
	}
	if c.MinRegionVoxels < 0 {
		return fmt.Errorf("minRegionVoxels must not be negative")
	}
	return nil
}

// RegionCost records how well one candidate region matches the Parker model
type RegionCost struct {
	Label      int     `json:"label"`
	AreaVoxels int     `json:"areaVoxels"`
	AreaML     float64 `json:"areaMl"`
	Extent     float64 `json:"extent"`
	Cost       float64 `json:"cost"`
	T1         float64 `json:"t1"`
	T2         float64 `json:"t2"`
}

// Result is the estimated AIF and the report of how it was selected
type Result struct {
	// Curve is the blood concentration on Timeline (seconds)
	Curve    []float64
	Timeline []float64

	// Mask is the final arterial voxel selection
	Mask *models.Mask

	PeakTimestep int
	PeakFound    bool

	Candidates []RegionCost
	Best       RegionCost

	CostAfterMorphology    float64
	CostAfterRegionGrowing float64

	ClusterSizes []int

	PatientID string

	// Fit is the Parker fit of the first half of Curve
	Fit *ParkerFit
}

// Estimator runs the deterministic AIF selection
type Estimator struct {
	cfg Config
}

// NewEstimator creates an estimator; the configuration is validated by Estimate
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate selects arterial voxels in a concentration series and returns their mean curve
func (e *Estimator) Estimate(ctx context.Context, conc *models.Series) (*Result, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aif configuration: %w", err)
	}
	if err := conc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid concentration series: %w", err)
	}
	half := conc.Frames / 2
	if half < len(parkerLower) {
		return nil, fmt.Errorf("series has %d frames, need at least %d for the Parker fit", conc.Frames, 2*len(parkerLower))
	}
	timesteps := min(e.cfg.Timesteps, conc.Frames-1)
	halfT := conc.TimelineMinutes()[:half]
	voxelML := conc.Spacing.VoxelVolumeML()

	res := &Result{Timeline: append([]float64(nil), conc.Timeline...), PatientID: conc.PatientID}

	// Step 1: brightest voxels in the early frames
	bright, err := SelectBrightest(conc, timesteps, e.cfg.Percentile)
	if err != nil {
		return nil, err
	}
	log.Debugw("selected brightest voxels", "count", bright.Count(), "timesteps", timesteps)

	// Step 2: binary opening
	opened := morphology.Open(bright, morphology.Cross, 1)

	// Step 3: most frequent peak timestep
	res.PeakTimestep, res.PeakFound = FindPeakTimestep(conc, opened, timesteps)
	if !res.PeakFound {
		retry := min(e.cfg.RetryTimesteps, conc.Frames)
		res.PeakTimestep, res.PeakFound = FindPeakTimestep(conc, opened, retry)
	}
	log.Debugw("peak timestep", "timestep", res.PeakTimestep, "found", res.PeakFound)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: Parker fit of every sufficiently large region
	labels, n, err := morphology.Label(opened, morphology.Vertex)
	if err != nil {
		return nil, err
	}
	regions, err := morphology.Regions(labels, n, conc.Dims())
	if err != nil {
		return nil, err
	}

	var bestMask *models.Mask
	bestCost := math.Inf(1)
	for _, region := range regions {
		if region.Area <= e.cfg.MinRegionVoxels {
			continue
		}
		mask := region.Mask()
		curve, err := conc.MeanCurve(mask)
		if err != nil {
			return nil, err
		}
		fit, err := FitParker(curve[:half], halfT)
		if err != nil {
			log.Debugw("skipping region", "label", region.Label, "error", err)
			continue
		}
		rc := RegionCost{
			Label:      region.Label,
			AreaVoxels: region.Area,
			AreaML:     float64(region.Area) * voxelML,
			Extent:     region.Extent,
			Cost:       fit.Cost,
			T1:         fit.Params.T1,
			T2:         fit.Params.T2,
		}
		res.Candidates = append(res.Candidates, rc)
		if fit.Cost < bestCost {
			bestCost = fit.Cost
			bestMask = mask
			res.Best = rc
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if bestMask == nil {
		return nil, fmt.Errorf("%w: %d regions, none larger than %d voxels with a valid fit",
			ErrNoCandidates, n, e.cfg.MinRegionVoxels)
	}
	log.Infow("best arterial region", "label", res.Best.Label, "voxels", res.Best.AreaVoxels, "cost", res.Best.Cost)

	// Step 5: erosion and dilation
	mask := bestMask
	res.CostAfterMorphology = bestCost
	refined := morphology.Dilate(morphology.Erode(bestMask, morphology.Cube, 1), morphology.Cube, 1)
	if cost, ok := e.maskCost(conc, refined, half, halfT); ok && cost < res.CostAfterMorphology {
		mask = refined
		res.CostAfterMorphology = cost
	}

	// Step 6: region growing from the brightest early voxel
	res.CostAfterRegionGrowing = res.CostAfterMorphology
	grown, err := e.growRegion(conc, mask)
	if err != nil {
		log.Warnw("region growing failed", "error", err)
	} else if cost, ok := e.maskCost(conc, grown, half, halfT); ok && cost < res.CostAfterRegionGrowing {
		mask = grown
		res.CostAfterRegionGrowing = cost
	}
	log.Debugw("refinement", "afterMorphology", res.CostAfterMorphology, "afterGrowing", res.CostAfterRegionGrowing)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 7: cluster the time courses and keep the cluster with the lowest mean
	idx := mask.Indices()
	rows := make([][]float64, len(idx))
	for i, v := range idx {
		rows[i] = conc.TimeCourseAt(v)
	}
	k := min(e.cfg.Clusters, len(rows))
	clusters, err := KMeans(rows, k, e.cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("clustering time courses: %w", err)
	}
	res.ClusterSizes = clusters.Sizes

	best, bestMean := 0, math.Inf(1)
	for j, centroid := range clusters.Centroids {
		if clusters.Sizes[j] == 0 {
			continue
		}
		m, _ := meanStd(centroid)
		if m < bestMean {
			best, bestMean = j, m
		}
	}
	res.Curve = clusters.Centroids[best]
	res.Mask = models.NewMask(conc.Dims())
	for i, v := range idx {
		if clusters.Assignments[i] == best {
			res.Mask.Data[v] = true
		}
	}

	if fit, err := FitParker(res.Curve[:half], halfT); err == nil {
		res.Fit = fit
	}
	return res, nil
}

// maskCost fits the Parker model to the mean curve of mask
func (e *Estimator) maskCost(conc *models.Series, mask *models.Mask, half int, halfT []float64) (float64, bool) {
	if mask.Count() == 0 {
		return 0, false
	}
	curve, err := conc.MeanCurve(mask)
	if err != nil {
		return 0, false
	}
	fit, err := FitParker(curve[:half], halfT)
	if err != nil {
		return 0, false
	}
	return fit.Cost, true
}

// growRegion floods the early mean image from its brightest masked voxel.
// The tolerance reaches down to one standard deviation below the mean of the
// brightest in-mask voxels.
func (e *Estimator) growRegion(conc *models.Series, mask *models.Mask) (*models.Mask, error) {
	frames := min(e.cfg.SeedFrames, conc.Frames)
	early, err := conc.MeanFrames(0, frames)
	if err != nil {
		return nil, err
	}
	masked, err := early.Multiply(mask)
	if err != nil {
		return nil, err
	}
	seed := masked.ArgMax()
	brightest := masked.At(seed.Z, seed.Y, seed.X)

	inMask := masked.Values(mask)
	q := percentile(inMask, e.cfg.GrowQuantile*100)
	var upper []float64
	for _, v := range inMask {
		if v > q {
			upper = append(upper, v)
		}
	}
	if len(upper) == 0 {
		upper = inMask
	}
	mean, std := meanStd(upper)
	tolerance := brightest - (mean - std)
	if math.IsNaN(tolerance) || tolerance < 0 {
		return nil, fmt.Errorf("invalid growing tolerance %g", tolerance)
	}
	return morphology.Flood(masked, seed, tolerance)
}

// SelectBrightest keeps voxels whose mean over the first timesteps frames is
// strictly above the (100-percentile)th percentile
func SelectBrightest(conc *models.Series, timesteps int, pct float64) (*models.Mask, error) {
	if timesteps <= 0 || timesteps >= conc.Frames {
		return nil, fmt.Errorf("timesteps %d out of range for %d frames", timesteps, conc.Frames)
	}
	if pct <= 0 || pct >= 100 {
		return nil, fmt.Errorf("percentile %.2f out of range (0, 100)", pct)
	}
	mean, err := conc.MeanFrames(0, timesteps)
	if err != nil {
		return nil, err
	}
	threshold := percentile(mean.Data, 100-pct)
	mask := models.NewMask(conc.Dims())
	for i, v := range mean.Data {
		mask.Data[i] = v > threshold
	}
	return mask, nil
}

// FindPeakTimestep returns the most frequent time-to-peak among masked voxels
// within the first timesteps frames. Voxels peaking in the first frame are
// ignored. The result is not found when the mode lies on either boundary.
func FindPeakTimestep(conc *models.Series, mask *models.Mask, timesteps int) (int, bool) {
	timesteps = min(timesteps, conc.Frames)
	if timesteps < 3 || !mask.SameShape(conc.Dims()) {
		return 0, false
	}
	n := conc.FrameSize()
	votes := make([]int, timesteps)
	for _, idx := range mask.Indices() {
		peak, peakVal := 0, conc.Data[idx]
		for t := 1; t < timesteps; t++ {
			if v := conc.Data[t*n+idx]; v > peakVal {
				peak, peakVal = t, v
			}
		}
		if peak > 0 {
			votes[peak]++
		}
	}

	mode, count := 0, 0
	for t, c := range votes {
		if c > count {
			mode, count = t, c
		}
	}
	if count == 0 || mode == 0 || mode >= timesteps-1 {
		return mode, false
	}
	return mode, true
}
