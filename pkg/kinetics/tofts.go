// Package kinetics implements the Extended Tofts Model of contrast agent
// exchange between blood plasma and the extravascular extracellular space.
package kinetics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ETMParams are the Extended Tofts Model parameters.
// Ktrans is in 1/min, Ve and Vp are volume fractions.
type ETMParams struct {
	Ktrans float64 `json:"ktrans"`
	Ve     float64 `json:"ve"`
	Vp     float64 `json:"vp"`
}

// Kep is the efflux rate constant Ktrans/Ve in 1/min
func (p ETMParams) Kep() float64 {
	if p.Ve == 0 {
		return 0
	}
	return p.Ktrans / p.Ve
}

func (p ETMParams) vector() []float64 {
	return []float64{p.Ktrans, p.Ve, p.Vp}
}

func etmFromVector(x []float64) ETMParams {
	return ETMParams{Ktrans: x[0], Ve: x[1], Vp: x[2]}
}

// Tissue computes the tissue concentration
//
//	Ct(t) = vp·Cp(t) + Ktrans ∫ Cp(τ) exp(-kep (t-τ)) dτ
//
// for a plasma curve cp sampled on tMinutes. Cp is treated as piecewise
// linear, which makes the convolution exact on any (non-uniform) timeline.
func Tissue(p ETMParams, cp, tMinutes []float64) []float64 {
	out := make([]float64, len(cp))
	tissueInto(p, cp, tMinutes, out)
	return out
}

func tissueInto(p ETMParams, cp, t, out []float64) {
	if len(cp) == 0 {
		return
	}
	kep := p.Kep()
	conv := 0.0
	out[0] = p.Vp * cp[0]
	for i := 1; i < len(cp); i++ {
		dt := t[i] - t[i-1]
		kdt := kep * dt
		var inc, decay float64
		if kdt < 1e-8 {
			decay = 1 - kdt
			inc = dt * (cp[i-1] + cp[i]) / 2
		} else {
			decay = math.Exp(-kdt)
			slope := (cp[i] - cp[i-1]) / dt
			inc = cp[i]*(1-decay)/kep - slope*(1-decay*(1+kdt))/(kep*kep)
		}
		conv = decay*conv + inc
		out[i] = p.Vp*cp[i] + p.Ktrans*conv
	}
}

// TissueFFT evaluates the same model on a uniform timeline with step dt
// (minutes) using trapezoidal FFT convolution
func TissueFFT(p ETMParams, cp []float64, dt float64) ([]float64, error) {
	n := len(cp)
	if n == 0 {
		return nil, nil
	}
	if dt <= 0 {
		return nil, fmt.Errorf("time step must be positive, got %g", dt)
	}
	kep := p.Kep()

	size := 1
	for size < 2*n {
		size <<= 1
	}
	fft := fourier.NewFFT(size)

	a := make([]float64, size)
	h := make([]float64, size)
	copy(a, cp)
	for j := 0; j < n; j++ {
		h[j] = math.Exp(-kep * float64(j) * dt)
	}

	fa := fft.Coefficients(nil, a)
	fh := fft.Coefficients(nil, h)
	for i := range fa {
		fa[i] *= fh[i]
	}
	full := fft.Sequence(nil, fa)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		// Sequence is unnormalised
		sum := full[i] / float64(size)
		conv := dt * (sum - 0.5*(cp[0]*h[i]+cp[i]*h[0]))
		out[i] = p.Vp*cp[i] + p.Ktrans*conv
	}
	return out, nil
}

// UniformStep returns the common step of a uniform timeline, or false when the
// sampling is irregular beyond a relative tolerance
func UniformStep(t []float64) (float64, bool) {
	if len(t) < 2 {
		return 0, false
	}
	dt := (t[len(t)-1] - t[0]) / float64(len(t)-1)
	for i := 1; i < len(t); i++ {
		if math.Abs(t[i]-t[i-1]-dt) > 1e-6*math.Max(1, dt) {
			return 0, false
		}
	}
	return dt, true
}

// Curve evaluates the model on tMinutes, with FFT convolution when the
// timeline is uniform and the exact recursion otherwise
func Curve(p ETMParams, cp, tMinutes []float64) []float64 {
	if dt, ok := UniformStep(tMinutes); ok && len(cp) == len(tMinutes) {
		if out, err := TissueFFT(p, cp, dt); err == nil {
			return out
		}
	}
	return Tissue(p, cp, tMinutes)
}
