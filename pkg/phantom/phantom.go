// Package phantom synthesises DCE-MRI series with known arterial input and
// tissue kinetics, for testing and demonstration.
package phantom

import (
	"fmt"
	"math"
	"math/rand"

	"dcemri/internal/models"
	"dcemri/pkg/aif"
	"dcemri/pkg/kinetics"
)

// RegionThreshold is an AIF candidate size the default phantom's artery
// passes; the estimator's default of 1000 voxels suits clinical volumes
const RegionThreshold = 50

// Spec describes the phantom geometry and kinetics
type Spec struct {
	Frames, Depth, Height, Width int

	// TemporalResolution is the frame interval in seconds
	TemporalResolution float64

	Spacing models.Spacing

	// BolusDelay is the arrival time of the contrast bolus in seconds
	BolusDelay float64

	// AIFScale multiplies the population AIF (mM)
	AIFScale float64

	// ArteryRadius is the radius in voxels of a vessel running along z
	ArteryRadius float64

	// TumorRadius is the radius in voxels of a spherical tumor
	TumorRadius float64

	Tumor kinetics.ETMParams

	// Hematocrit converts the blood AIF to plasma for the tumor curves
	Hematocrit float64

	// Baseline is the pre-contrast signal of every voxel
	Baseline float64

	// Noise is the standard deviation of additive Gaussian noise
	Noise float64

	Seed int64

	PatientID string
}

// DefaultSpec returns a phantom that the deterministic AIF estimator can
// process with a reduced region threshold
func DefaultSpec() Spec {
	return Spec{
		Frames: 60, Depth: 8, Height: 40, Width: 40,
		TemporalResolution: 5,
		Spacing:            models.Spacing{X: 1.5, Y: 1.5, Z: 3},
		BolusDelay:         25,
		AIFScale:           5,
		ArteryRadius:       2.5,
		TumorRadius:        5,
		Tumor:              kinetics.ETMParams{Ktrans: 0.25, Ve: 0.3, Vp: 0.05},
		Hematocrit:         0.42,
		Baseline:           100,
		Noise:              0,
		Seed:               1,
		PatientID:          "PHANTOM",
	}
}

// Phantom is a generated series together with its ground truth
type Phantom struct {
	Series     *models.Series
	TumorMask  *models.Mask
	ArteryMask *models.Mask

	// AIF is the blood concentration added to arterial voxels
	AIF []float64

	// Plasma is AIF converted with the hematocrit, driving the tumor curves
	Plasma []float64

	Truth kinetics.ETMParams
}

// Generate builds the phantom. The signal is baseline plus concentration, so
// absolute enhancement with unit scale recovers the concentration exactly
// when there is no noise.
func Generate(spec Spec) (*Phantom, error) {
	if spec.Frames < 2 || spec.Depth < 1 || spec.Height < 1 || spec.Width < 1 {
		return nil, fmt.Errorf("invalid phantom dimensions %dx%dx%dx%d", spec.Frames, spec.Depth, spec.Height, spec.Width)
	}
	if spec.TemporalResolution <= 0 {
		return nil, fmt.Errorf("temporal resolution must be positive")
	}
	if spec.Hematocrit < 0 || spec.Hematocrit >= 1 {
		return nil, fmt.Errorf("hematocrit %.2f out of range [0, 1)", spec.Hematocrit)
	}

	s := models.NewSeries(spec.Frames, spec.Depth, spec.Height, spec.Width)
	s.Spacing = spec.Spacing
	s.PatientID = spec.PatientID
	for i := range s.Timeline {
		s.Timeline[i] = float64(i) * spec.TemporalResolution
	}

	blood := aif.Population(s.Timeline, spec.AIFScale, spec.BolusDelay)
	for i, t := range s.Timeline {
		if t < spec.BolusDelay {
			blood[i] = 0
		}
	}
	plasma := make([]float64, len(blood))
	for i, v := range blood {
		plasma[i] = v / (1 - spec.Hematocrit)
	}
	tissue := kinetics.Tissue(spec.Tumor, plasma, s.TimelineMinutes())

	d := s.Dims()
	artery := models.NewMask(d)
	tumor := models.NewMask(d)

	// The artery runs along z near one corner, the tumor sits in the opposite quadrant
	ay, ax := float64(spec.Height)/4, float64(spec.Width)/4
	tz, ty, tx := float64(spec.Depth-1)/2, 3*float64(spec.Height)/5, 3*float64(spec.Width)/5
	zScale := 1.0
	if spec.Spacing.X > 0 {
		zScale = spec.Spacing.Z / spec.Spacing.X
	}

	for z := 0; z < spec.Depth; z++ {
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				dy, dx := float64(y)-ay, float64(x)-ax
				if math.Hypot(dy, dx) <= spec.ArteryRadius {
					artery.Set(z, y, x, true)
					continue
				}
				dz := (float64(z) - tz) * zScale
				ty2, tx2 := float64(y)-ty, float64(x)-tx
				if math.Sqrt(dz*dz+ty2*ty2+tx2*tx2) <= spec.TumorRadius {
					tumor.Set(z, y, x, true)
				}
			}
		}
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	n := s.FrameSize()
	for f := 0; f < spec.Frames; f++ {
		frame := s.Data[f*n : (f+1)*n]
		for i := range frame {
			v := spec.Baseline
			switch {
			case artery.Data[i]:
				v += blood[f]
			case tumor.Data[i]:
				v += tissue[f]
			}
			if spec.Noise > 0 {
				v += rng.NormFloat64() * spec.Noise
			}
			frame[i] = v
		}
	}

	return &Phantom{
		Series:     s,
		TumorMask:  tumor,
		ArteryMask: artery,
		AIF:        blood,
		Plasma:     plasma,
		Truth:      spec.Tumor,
	}, nil
}
