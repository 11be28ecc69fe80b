package kinetics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"dcemri/internal/models"
	"dcemri/pkg/fitting"
)

var log = logging.Logger("kinetics")

// ErrEmptyCurve is returned when a tissue curve carries no enhancement
var ErrEmptyCurve = errors.New("tissue curve has no enhancement")

// ProgressCallback is called as voxels complete
type ProgressCallback func(completed, total int)

// VoxelCallback is called once per fitted voxel with the fit duration
type VoxelCallback func(elapsed time.Duration, converged bool)

// VoxelFit is the result of fitting one tissue curve
type VoxelFit struct {
	ETMParams `yaml:",inline"`
	Kep       float64 `json:"kep"`
	Cost      float64 `json:"cost"`
	R2        float64 `json:"r2"`
	Converged bool    `json:"converged"`
}

// Fitter fits the Extended Tofts Model to tissue curves
type Fitter struct {
	// Lower and Upper bound the parameters
	Lower, Upper ETMParams

	// Starts are candidate initial guesses; the one with the lowest initial cost is used
	Starts []ETMParams

	// Workers is the number of goroutines used by FitMask
	Workers int

	Settings *fitting.Settings

	Progress ProgressCallback
	OnVoxel  VoxelCallback
}

// NewFitter returns a fitter with physiological bounds and default start points
func NewFitter() *Fitter {
	return &Fitter{
		Lower: ETMParams{Ktrans: 0, Ve: 1e-3, Vp: 0},
		Upper: ETMParams{Ktrans: 5, Ve: 1, Vp: 1},
		Starts: []ETMParams{
			{Ktrans: 0.1, Ve: 0.2, Vp: 0.02},
			{Ktrans: 0.5, Ve: 0.4, Vp: 0.05},
			{Ktrans: 0.02, Ve: 0.1, Vp: 0.01},
		},
		Workers: runtime.NumCPU(),
		Settings: &fitting.Settings{
			FTol:           1e-8,
			XTol:           1e-8,
			GTol:           1e-10,
			MaxIterations:  100,
			InitialDamping: 1e-3,
		},
	}
}

// FitCurve fits ct given the plasma input cp, both sampled on tMinutes
func (f *Fitter) FitCurve(ct, cp, tMinutes []float64) (*VoxelFit, error) {
	if len(ct) != len(cp) || len(ct) != len(tMinutes) {
		return nil, fmt.Errorf("curve lengths differ: tissue %d, plasma %d, timeline %d", len(ct), len(cp), len(tMinutes))
	}
	if len(ct) < 4 {
		return nil, fmt.Errorf("need at least 4 samples, got %d", len(ct))
	}
	enhanced := false
	for _, v := range ct {
		if v != 0 {
			enhanced = true
			break
		}
	}
	if !enhanced {
		return nil, ErrEmptyCurve
	}

	model := make([]float64, len(ct))
	problem := fitting.Problem{
		Func: func(x, r []float64) {
			tissueInto(etmFromVector(x), cp, tMinutes, model)
			for i := range r {
				r[i] = model[i] - ct[i]
			}
		},
		NumParams:    3,
		NumResiduals: len(ct),
		Lower:        f.Lower.vector(),
		Upper:        f.Upper.vector(),
		Scale:        []float64{0.1, 0.1, 0.01},
	}

	start := f.bestStart(problem)
	res, err := fitting.Minimize(problem, start, f.Settings)
	if err != nil {
		return nil, err
	}

	p := etmFromVector(res.X)
	return &VoxelFit{
		ETMParams: p,
		Kep:       p.Kep(),
		Cost:      res.Cost,
		R2:        rSquared(ct, res.Residuals),
		Converged: res.Converged(),
	}, nil
}

// bestStart evaluates the cost of each start point and returns the lowest
func (f *Fitter) bestStart(p fitting.Problem) []float64 {
	starts := f.Starts
	if len(starts) == 0 {
		starts = NewFitter().Starts
	}
	r := make([]float64, p.NumResiduals)
	var best []float64
	bestCost := math.Inf(1)
	for _, s := range starts {
		x := s.vector()
		p.Func(x, r)
		c := 0.0
		for _, v := range r {
			c += v * v
		}
		if c < bestCost {
			best, bestCost = x, c
		}
	}
	return best
}

func rSquared(obs, residuals []float64) float64 {
	mean := 0.0
	for _, v := range obs {
		mean += v
	}
	mean /= float64(len(obs))
	ssTot, ssRes := 0.0, 0.0
	for i, v := range obs {
		ssTot += (v - mean) * (v - mean)
		ssRes += residuals[i] * residuals[i]
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// ParameterMaps holds the voxelwise fit results. Voxels that were not fitted are NaN.
type ParameterMaps struct {
	Ktrans, Ve, Vp, Kep, R2 *models.Volume

	// Converged marks voxels whose fit met a convergence criterion
	Converged *models.Mask

	// Fitted counts voxels that were attempted
	Fitted int
}

// Named returns the maps keyed by parameter name in a stable order
func (m *ParameterMaps) Named() []NamedVolume {
	return []NamedVolume{
		{"ktrans", m.Ktrans},
		{"ve", m.Ve},
		{"vp", m.Vp},
		{"kep", m.Kep},
		{"r2", m.R2},
	}
}

// NamedVolume pairs a parameter name with its map
type NamedVolume struct {
	Name   string
	Volume *models.Volume
}

// FitMask fits every voxel inside mask in parallel.
// The worker pool follows the pattern of one goroutine per worker feeding a
// shared result channel that is drained by the caller.
func (f *Fitter) FitMask(ctx context.Context, conc *models.Series, mask *models.Mask, cp []float64) (*ParameterMaps, error) {
	if !mask.SameShape(conc.Dims()) {
		return nil, fmt.Errorf("tumor mask: %w", models.ErrShapeMismatch)
	}
	if len(cp) != conc.Frames {
		return nil, fmt.Errorf("plasma curve has %d samples for %d frames", len(cp), conc.Frames)
	}

	d := conc.Dims()
	maps := &ParameterMaps{
		Ktrans:    models.NewNaNVolume(d),
		Ve:        models.NewNaNVolume(d),
		Vp:        models.NewNaNVolume(d),
		Kep:       models.NewNaNVolume(d),
		R2:        models.NewNaNVolume(d),
		Converged: models.NewMask(d),
	}
	for _, v := range []*models.Volume{maps.Ktrans, maps.Ve, maps.Vp, maps.Kep, maps.R2} {
		v.Spacing = conc.Spacing
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	indices := mask.Indices()
	total := len(indices)
	maps.Fitted = total
	if total == 0 {
		return maps, nil
	}

	workers := f.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	tMin := conc.TimelineMinutes()

	type voxelResult struct {
		idx int
		fit *VoxelFit
		err error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	resultChan := make(chan voxelResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				start := time.Now()
				fit, err := f.FitCurve(conc.TimeCourseAt(idx), cp, tMin)
				if f.OnVoxel != nil {
					f.OnVoxel(time.Since(start), err == nil && fit.Converged)
				}
				select {
				case resultChan <- voxelResult{idx: idx, fit: fit, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, idx := range indices {
			select {
			case jobs <- idx:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	completed, failed := 0, 0
	for res := range resultChan {
		completed++
		if res.err != nil {
			failed++
			if !errors.Is(res.err, ErrEmptyCurve) {
				log.Debugw("voxel fit failed", "index", res.idx, "error", res.err)
			}
		} else {
			maps.Ktrans.Data[res.idx] = res.fit.Ktrans
			maps.Ve.Data[res.idx] = res.fit.Ve
			maps.Vp.Data[res.idx] = res.fit.Vp
			maps.Kep.Data[res.idx] = res.fit.Kep
			maps.R2.Data[res.idx] = res.fit.R2
			maps.Converged.Data[res.idx] = res.fit.Converged
		}
		if f.Progress != nil {
			f.Progress(completed, total)
		}
	}

	if err := ctx.Err(); err != nil && completed < total {
		return nil, err
	}
	log.Infow("voxelwise fit complete", "voxels", total, "converged", maps.Converged.Count(), "failed", failed)
	return maps, nil
}

// FitRegion fits the mean tissue curve of mask
func (f *Fitter) FitRegion(conc *models.Series, mask *models.Mask, cp []float64) (*VoxelFit, error) {
	curve, err := conc.MeanCurve(mask)
	if err != nil {
		return nil, err
	}
	if mask.Count() == 0 {
		return nil, fmt.Errorf("region is empty")
	}
	return f.FitCurve(curve, cp, conc.TimelineMinutes())
}
