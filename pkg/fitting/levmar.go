// Package fitting provides bounded nonlinear least squares used by the
// arterial input function and pharmacokinetic model fits.
package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimension is returned when problem sizes are inconsistent
	ErrDimension = errors.New("inconsistent problem dimensions")

	// ErrBounds is returned when a lower bound exceeds its upper bound
	ErrBounds = errors.New("invalid bounds")

	// ErrNonFinite is returned when the residuals at the start point are not finite
	ErrNonFinite = errors.New("residuals are not finite at the initial point")
)

// Status describes why the minimizer stopped
type Status int

const (
	ConvergedF Status = iota
	ConvergedX
	ConvergedG
	MaxIterations
	Stalled
)

func (s Status) String() string {
	switch s {
	case ConvergedF:
		return "ftol"
	case ConvergedX:
		return "xtol"
	case ConvergedG:
		return "gtol"
	case MaxIterations:
		return "max-iterations"
	case Stalled:
		return "stalled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Problem describes a residual vector r(x) to be minimized in the least squares sense
type Problem struct {
	// Func writes the residuals for params into residuals
	Func func(params, residuals []float64)

	NumParams    int
	NumResiduals int

	// Lower and Upper bound each parameter. Either may be nil (unbounded)
	Lower, Upper []float64

	// Scale is the characteristic magnitude of each parameter. Nil means 1
	Scale []float64
}

// Settings controls convergence of Minimize
type Settings struct {
	FTol           float64
	XTol           float64
	GTol           float64
	MaxIterations  int
	InitialDamping float64
}

// DefaultSettings returns the tolerances used when nil settings are passed
func DefaultSettings() *Settings {
	return &Settings{
		FTol:           1e-8,
		XTol:           1e-8,
		GTol:           1e-8,
		MaxIterations:  200,
		InitialDamping: 1e-3,
	}
}

// Result holds the outcome of a minimization
type Result struct {
	X []float64

	// Cost is half the sum of squared residuals at X
	Cost float64

	Residuals []float64

	Iterations  int
	Evaluations int
	Status      Status
}

// Converged reports whether one of the tolerance tests was met
func (r *Result) Converged() bool {
	return r.Status == ConvergedF || r.Status == ConvergedX || r.Status == ConvergedG
}

const (
	maxDamping = 1e16
	minDamping = 1e-15
)

// Minimize runs a projected Levenberg-Marquardt iteration from x0.
// Every trial point is clipped to the bounds and accepted only if it lowers the cost.
func Minimize(p Problem, x0 []float64, s *Settings) (*Result, error) {
	if s == nil {
		s = DefaultSettings()
	}
	if err := p.validate(x0); err != nil {
		return nil, err
	}

	n, m := p.NumParams, p.NumResiduals
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = 1
		if p.Scale != nil && p.Scale[i] > 0 {
			scale[i] = p.Scale[i]
		}
	}

	res := &Result{}
	x := p.project(append([]float64(nil), x0...))
	r := make([]float64, m)
	p.Func(x, r)
	res.Evaluations++
	if !allFinite(r) {
		return nil, ErrNonFinite
	}
	cost := 0.5 * floats.Dot(r, r)

	lambda := s.InitialDamping
	if lambda <= 0 {
		lambda = 1e-3
	}

	jac := mat.NewDense(m, n, nil)
	var jtj mat.SymDense
	grad := mat.NewVecDense(n, nil)
	xTrial := make([]float64, n)
	rTrial := make([]float64, m)
	step := make([]float64, n)

	res.Status = MaxIterations
	for res.Iterations = 0; res.Iterations < s.MaxIterations; res.Iterations++ {
		res.Evaluations += p.jacobian(x, r, scale, jac)

		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))

		gmax := 0.0
		for i := 0; i < n; i++ {
			gmax = math.Max(gmax, math.Abs(grad.AtVec(i)*scale[i]))
		}
		if gmax <= s.GTol {
			res.Status = ConvergedG
			break
		}

		accepted := false
		for !accepted {
			delta, err := solveDamped(&jtj, grad, scale, lambda)
			if err != nil {
				lambda *= 10
				if lambda > maxDamping {
					break
				}
				continue
			}

			for i := 0; i < n; i++ {
				xTrial[i] = x[i] + delta[i]
			}
			p.project(xTrial)
			for i := 0; i < n; i++ {
				step[i] = (xTrial[i] - x[i]) / scale[i]
			}
			stepNorm := floats.Norm(step, 2)
			xNorm := scaledNorm(x, scale)

			p.Func(xTrial, rTrial)
			res.Evaluations++
			trialCost := math.Inf(1)
			if allFinite(rTrial) {
				trialCost = 0.5 * floats.Dot(rTrial, rTrial)
			}

			if trialCost < cost {
				accepted = true
				reduction := cost - trialCost
				copy(x, xTrial)
				copy(r, rTrial)
				prev := cost
				cost = trialCost
				lambda = math.Max(lambda/10, minDamping)

				if reduction <= s.FTol*prev {
					res.Status = ConvergedF
				} else if stepNorm <= s.XTol*(s.XTol+xNorm) {
					res.Status = ConvergedX
				}
				break
			}

			// A rejected step that is already negligible means no further progress is possible
			if stepNorm <= s.XTol*(s.XTol+xNorm) {
				res.Status = ConvergedX
				break
			}
			lambda *= 10
			if lambda > maxDamping {
				break
			}
		}

		if res.Status != MaxIterations {
			res.Iterations++
			break
		}
		if !accepted {
			res.Status = Stalled
			res.Iterations++
			break
		}
	}

	res.X = x
	res.Cost = cost
	res.Residuals = r
	return res, nil
}

func (p Problem) validate(x0 []float64) error {
	if p.Func == nil {
		return fmt.Errorf("nil residual function: %w", ErrDimension)
	}
	if p.NumParams <= 0 || p.NumResiduals < p.NumParams {
		return fmt.Errorf("%d residuals for %d parameters: %w", p.NumResiduals, p.NumParams, ErrDimension)
	}
	if len(x0) != p.NumParams {
		return fmt.Errorf("start point has %d values, want %d: %w", len(x0), p.NumParams, ErrDimension)
	}
	for _, b := range [][]float64{p.Lower, p.Upper, p.Scale} {
		if b != nil && len(b) != p.NumParams {
			return fmt.Errorf("bound or scale has %d values, want %d: %w", len(b), p.NumParams, ErrDimension)
		}
	}
	if p.Lower != nil && p.Upper != nil {
		for i := range p.Lower {
			if p.Lower[i] > p.Upper[i] {
				return fmt.Errorf("parameter %d: lower %g > upper %g: %w", i, p.Lower[i], p.Upper[i], ErrBounds)
			}
		}
	}
	return nil
}

// project clips x into the bounds in place and returns it
func (p Problem) project(x []float64) []float64 {
	for i := range x {
		if p.Lower != nil && x[i] < p.Lower[i] {
			x[i] = p.Lower[i]
		}
		if p.Upper != nil && x[i] > p.Upper[i] {
			x[i] = p.Upper[i]
		}
	}
	return x
}

// jacobian fills jac with forward differences, stepping backwards at an upper bound.
// It returns the number of function evaluations used.
func (p Problem) jacobian(x, r, scale []float64, jac *mat.Dense) int {
	m := p.NumResiduals
	xh := append([]float64(nil), x...)
	rh := make([]float64, m)
	h0 := math.Sqrt(2.220446049250313e-16)
	evals := 0
	for j := 0; j < p.NumParams; j++ {
		h := h0 * math.Max(math.Abs(x[j]), scale[j])
		if p.Upper != nil && x[j]+h > p.Upper[j] {
			h = -h
		}
		xh[j] = x[j] + h
		p.Func(xh, rh)
		evals++
		for i := 0; i < m; i++ {
			d := (rh[i] - r[i]) / h
			if math.IsNaN(d) || math.IsInf(d, 0) {
				d = 0
			}
			jac.Set(i, j, d)
		}
		xh[j] = x[j]
	}
	return evals
}

// solveDamped solves (JᵀJ + λ·diag(1/scale²)) δ = -Jᵀr.
// Cholesky is tried first; QR is the fallback for nearly singular systems.
func solveDamped(jtj *mat.SymDense, grad *mat.VecDense, scale []float64, lambda float64) ([]float64, error) {
	n := len(scale)
	a := mat.NewSymDense(n, nil)
	a.CopySym(jtj)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+lambda/(scale[i]*scale[i]))
	}

	b := mat.NewVecDense(n, nil)
	b.ScaleVec(-1, grad)

	var delta mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(&delta, b); err == nil {
			return vecValues(&delta)
		}
	}

	var qr mat.QR
	qr.Factorize(mat.DenseCopyOf(a))
	if err := qr.SolveVecTo(&delta, false, b); err != nil {
		return nil, fmt.Errorf("damped system is singular: %w", err)
	}
	return vecValues(&delta)
}

func vecValues(v *mat.VecDense) ([]float64, error) {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	if !allFinite(out) {
		return nil, errors.New("non-finite step")
	}
	return out, nil
}

func scaledNorm(x, scale []float64) float64 {
	s := 0.0
	for i := range x {
		v := x[i] / scale[i]
		s += v * v
	}
	return math.Sqrt(s)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
