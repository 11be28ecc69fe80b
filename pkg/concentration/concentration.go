// Package concentration converts dynamic MR signal into contrast agent
// concentration.
package concentration

import (
	"fmt"
	"math"
	"strings"

	"dcemri/internal/models"
)

// Mode selects how enhancement is expressed relative to the baseline
type Mode int

const (
	// ModeAbsolute is k*(S-S0)
	ModeAbsolute Mode = iota

	// ModeRelative is k*(S-S0)/S0
	ModeRelative
)

func (m Mode) String() string {
	if m == ModeRelative {
		return "rel"
	}
	return "abs"
}

// ParseMode accepts "abs" or "rel" in any case, ignoring surrounding whitespace
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ABS":
		return ModeAbsolute, nil
	case "REL":
		return ModeRelative, nil
	default:
		return 0, fmt.Errorf("unknown concentration mode %q (must be abs or rel)", s)
	}
}

// Relative computes the enhancement of every voxel against the mean of the first
// baseline frames. Negative values are clamped to zero.
func Relative(s *models.Series, baseline int, k float64, mode Mode) (*models.Series, error) {
	if baseline < 1 || baseline >= s.Frames {
		return nil, fmt.Errorf("baseline %d out of range for %d frames", baseline, s.Frames)
	}
	s0, err := s.MeanFrames(0, baseline)
	if err != nil {
		return nil, err
	}

	out := s.Clone()
	n := s.FrameSize()
	for t := 0; t < s.Frames; t++ {
		frame := out.Data[t*n : (t+1)*n]
		for i, v := range frame {
			base := s0.Data[i]
			var c float64
			switch mode {
			case ModeRelative:
				if base != 0 {
					c = k * (v - base) / base
				}
			default:
				c = k * (v - base)
			}
			if c < 0 || math.IsNaN(c) {
				c = 0
			}
			frame[i] = c
		}
	}
	return out, nil
}

// SPGRParams are the sequence and tissue constants for spoiled gradient echo conversion
type SPGRParams struct {
	// RepetitionTime in ms
	RepetitionTime float64

	// FlipAngle in degrees
	FlipAngle float64

	// T10 is the pre-contrast T1 in ms
	T10 float64

	// Relaxivity r1 in 1/(mM*s)
	Relaxivity float64
}

// Validate checks that the parameters are physical
func (p SPGRParams) Validate() error {
	if p.RepetitionTime <= 0 || p.T10 <= 0 || p.Relaxivity <= 0 {
		return fmt.Errorf("TR, T10 and relaxivity must be positive")
	}
	if p.FlipAngle <= 0 || p.FlipAngle >= 90 {
		return fmt.Errorf("flip angle %.1f out of range (0, 90)", p.FlipAngle)
	}
	return nil
}

// SPGR converts signal to concentration in mM using the steady-state spoiled
// gradient echo equation. The equilibrium magnetisation is estimated per voxel
// from the baseline signal and T10. Voxels where the inversion is undefined are 0.
func SPGR(s *models.Series, baseline int, p SPGRParams) (*models.Series, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if baseline < 1 || baseline >= s.Frames {
		return nil, fmt.Errorf("baseline %d out of range for %d frames", baseline, s.Frames)
	}
	s0, err := s.MeanFrames(0, baseline)
	if err != nil {
		return nil, err
	}

	tr := p.RepetitionTime / 1000
	r10 := 1000 / p.T10
	alpha := p.FlipAngle * math.Pi / 180
	sinA, cosA := math.Sin(alpha), math.Cos(alpha)
	e10 := math.Exp(-tr * r10)

	out := s.Clone()
	n := s.FrameSize()
	for i := 0; i < n; i++ {
		base := s0.Data[i]
		if base <= 0 {
			for t := 0; t < s.Frames; t++ {
				out.Data[t*n+i] = 0
			}
			continue
		}
		// M0 from the baseline signal: S0 = M0 sin(a) (1-E10)/(1-cos(a)E10)
		m0 := base * (1 - cosA*e10) / (sinA * (1 - e10))
		for t := 0; t < s.Frames; t++ {
			sig := s.Data[t*n+i]
			// Solve S = M0 sin(a)(1-E)/(1-cos(a)E) for E
			a := sig / (m0 * sinA)
			e := (1 - a) / (1 - a*cosA)
			c := 0.0
			if e > 0 && e < 1 {
				r1 := -math.Log(e) / tr
				c = (r1 - r10) / p.Relaxivity
			}
			if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
				c = 0
			}
			out.Data[t*n+i] = c
		}
	}
	return out, nil
}

// BloodToPlasma converts a whole-blood concentration curve to plasma
// concentration using the hematocrit
func BloodToPlasma(curve []float64, hematocrit float64) ([]float64, error) {
	if hematocrit < 0 || hematocrit >= 1 {
		return nil, fmt.Errorf("hematocrit %.3f out of range [0, 1)", hematocrit)
	}
	out := make([]float64, len(curve))
	for i, v := range curve {
		out[i] = v / (1 - hematocrit)
	}
	return out, nil
}
