package phantom

import (
	"math"
	"testing"

	"dcemri/pkg/kinetics"
)

func TestGenerateDefault(t *testing.T) {
	spec := DefaultSpec()
	p, err := Generate(spec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	s := p.Series
	if s.Frames != spec.Frames || s.Depth != spec.Depth || s.Height != spec.Height || s.Width != spec.Width {
		t.Fatalf("Unexpected series shape %dx%dx%dx%d", s.Frames, s.Depth, s.Height, s.Width)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Generated series invalid: %v", err)
	}
	if s.Timeline[1]-s.Timeline[0] != spec.TemporalResolution {
		t.Errorf("Expected frame interval %.1f, got %.1f", spec.TemporalResolution, s.Timeline[1])
	}

	// A disc of radius 2.5 holds 21 lattice points per slice
	if got := p.ArteryMask.Count(); got != 21*spec.Depth {
		t.Errorf("Expected %d artery voxels, got %d", 21*spec.Depth, got)
	}
	if p.TumorMask.Count() == 0 {
		t.Fatalf("Tumor mask is empty")
	}
	if overlap, _ := p.ArteryMask.And(p.TumorMask); overlap.Count() != 0 {
		t.Errorf("Artery and tumor overlap in %d voxels", overlap.Count())
	}

	for i, v := range p.AIF {
		if s.Timeline[i] < spec.BolusDelay && v != 0 {
			t.Errorf("AIF non-zero before bolus arrival at frame %d", i)
		}
	}

	artery := s.TimeCourseAt(p.ArteryMask.Indices()[0])
	for f, v := range artery {
		if math.Abs(v-spec.Baseline-p.AIF[f]) > 1e-12 {
			t.Fatalf("Frame %d: artery signal %f does not match AIF %f", f, v, p.AIF[f])
		}
	}

	want := kinetics.Tissue(spec.Tumor, p.Plasma, s.TimelineMinutes())
	tumor := s.TimeCourseAt(p.TumorMask.Indices()[0])
	for f, v := range tumor {
		if math.Abs(v-spec.Baseline-want[f]) > 1e-12 {
			t.Fatalf("Frame %d: tumor signal %f does not match model %f", f, v, want[f])
		}
	}

	// Background stays at baseline
	if v := s.At(spec.Frames-1, 0, 0, spec.Width-1); v != spec.Baseline {
		t.Errorf("Expected background %f, got %f", spec.Baseline, v)
	}
}

func TestGenerateNoiseIsSeeded(t *testing.T) {
	spec := DefaultSpec()
	spec.Noise = 2
	a, err := Generate(spec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, _ := Generate(spec)
	for i := range a.Series.Data {
		if a.Series.Data[i] != b.Series.Data[i] {
			t.Fatalf("Same seed produced different data at %d", i)
		}
	}

	spec.Seed = 2
	c, _ := Generate(spec)
	same := true
	for i := range a.Series.Data {
		if a.Series.Data[i] != c.Series.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("Different seeds produced identical data")
	}
}

func TestGenerateInvalid(t *testing.T) {
	cases := map[string]func(*Spec){
		"frames":     func(s *Spec) { s.Frames = 1 },
		"resolution": func(s *Spec) { s.TemporalResolution = 0 },
		"hematocrit": func(s *Spec) { s.Hematocrit = 1 },
	}
	for name, mutate := range cases {
		spec := DefaultSpec()
		mutate(&spec)
		if _, err := Generate(spec); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
