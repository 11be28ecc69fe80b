package aif

import (
	"fmt"
	"math"

	"dcemri/pkg/fitting"
)

// ParkerParams are the ten parameters of the Parker population AIF model.
// Times (T1, T2, Sigma1, Sigma2, Tau) are in minutes, Beta and S in 1/min.
type ParkerParams struct {
	A1, A2         float64
	T1, T2         float64
	Sigma1, Sigma2 float64
	Alpha, Beta    float64
	S, Tau         float64
}

// PopulationParker holds the published population-averaged values
var PopulationParker = ParkerParams{
	A1: 0.809, A2: 0.330,
	T1: 0.17046, T2: 0.365,
	Sigma1: 0.0563, Sigma2: 0.132,
	Alpha: 1.050, Beta: 0.1685,
	S: 38.078, Tau: 0.483,
}

var (
	parkerLower = []float64{0, 0, 0.1, 0.2, 1e-9, 1e-9, 1e-3, 0, 0, 0}
	parkerUpper = []float64{5, 5, 2, 2, 0.5, 0.7, 5.0, 1.17, 50, 1.5}
	parkerScale = []float64{1, 1, 1, 1, 20, 10, 1, 1, 0.05, 1}
)

func (p ParkerParams) vector() []float64 {
	return []float64{p.A1, p.A2, p.T1, p.T2, p.Sigma1, p.Sigma2, p.Alpha, p.Beta, p.S, p.Tau}
}

func parkerFromVector(x []float64) ParkerParams {
	return ParkerParams{
		A1: x[0], A2: x[1],
		T1: x[2], T2: x[3],
		Sigma1: x[4], Sigma2: x[5],
		Alpha: x[6], Beta: x[7],
		S: x[8], Tau: x[9],
	}
}

// Parker evaluates the model: two Gaussian boluses plus a sigmoid-modulated
// exponential washout
func Parker(p ParkerParams, tMinutes []float64) []float64 {
	out := make([]float64, len(tMinutes))
	parkerInto(p, tMinutes, out)
	return out
}

func parkerInto(p ParkerParams, tMinutes, out []float64) {
	sqrt2pi := math.Sqrt(2 * math.Pi)
	for i, t := range tMinutes {
		g1 := p.A1 / p.Sigma1 / sqrt2pi * math.Exp(-((t-p.T1)*(t-p.T1))/2/(p.Sigma1*p.Sigma1))
		g2 := p.A2 / p.Sigma2 / sqrt2pi * math.Exp(-((t-p.T2)*(t-p.T2))/2/(p.Sigma2*p.Sigma2))
		w := p.Alpha * math.Exp(-p.Beta*t) / (1 + math.Exp(-p.S*(t-p.Tau)))
		out[i] = g1 + g2 + w
	}
}

// ParkerFit is the result of fitting the Parker model to a measured curve
type ParkerFit struct {
	Params ParkerParams

	// Cost is half the sum of squared residuals against the normalised curve
	Cost float64

	// Norm is the maximum of the measured curve used for normalisation
	Norm float64

	Converged bool
}

// Curve returns the fitted model in the units of the measured curve
func (f *ParkerFit) Curve(tMinutes []float64) []float64 {
	out := Parker(f.Params, tMinutes)
	for i := range out {
		out[i] *= f.Norm
	}
	return out
}

// FitParker fits the Parker model to a curve normalised by its maximum,
// starting from the population values
func FitParker(measured, tMinutes []float64) (*ParkerFit, error) {
	if len(measured) != len(tMinutes) {
		return nil, fmt.Errorf("curve has %d samples but timeline has %d", len(measured), len(tMinutes))
	}
	if len(measured) < len(parkerLower) {
		return nil, fmt.Errorf("need at least %d samples to fit the Parker model, got %d", len(parkerLower), len(measured))
	}

	norm := math.Inf(-1)
	for _, v := range measured {
		norm = math.Max(norm, v)
	}
	if !(norm > 0) {
		return nil, fmt.Errorf("curve maximum %g is not positive", norm)
	}
	y := make([]float64, len(measured))
	for i, v := range measured {
		y[i] = v / norm
	}

	model := make([]float64, len(y))
	problem := fitting.Problem{
		Func: func(x, r []float64) {
			parkerInto(parkerFromVector(x), tMinutes, model)
			for i := range r {
				r[i] = model[i] - y[i]
			}
		},
		NumParams:    len(parkerLower),
		NumResiduals: len(y),
		Lower:        parkerLower,
		Upper:        parkerUpper,
		Scale:        parkerScale,
	}
	settings := &fitting.Settings{
		FTol:           1e-3,
		XTol:           1e-3,
		GTol:           1e-3,
		MaxIterations:  100,
		InitialDamping: 1e-3,
	}

	x0 := PopulationParker.vector()
	res, err := fitting.Minimize(problem, x0, settings)
	if err != nil {
		return nil, fmt.Errorf("parker fit failed: %w", err)
	}

	fit := &ParkerFit{
		Params:    parkerFromVector(res.X),
		Cost:      res.Cost,
		Norm:      norm,
		Converged: res.Converged(),
	}

	names := []string{"A1", "A2", "T1", "T2", "sigma1", "sigma2", "alpha", "beta", "s", "tau"}
	log.Debugw("parker fit", "cost", res.Cost, "iterations", res.Iterations, "status", res.Status.String())
	for i, name := range names {
		log.Debugf("parker %-6s: %6.3f %6.3f", name, x0[i], res.X[i])
	}
	return fit, nil
}

// Population samples the population Parker AIF on a timeline given in seconds,
// delayed by delaySeconds (bolus arrival) and multiplied by scale
func Population(timelineSeconds []float64, scale, delaySeconds float64) []float64 {
	t := make([]float64, len(timelineSeconds))
	for i, v := range timelineSeconds {
		t[i] = (v - delaySeconds) / 60
	}
	out := Parker(PopulationParker, t)
	for i := range out {
		out[i] *= scale
	}
	return out
}
