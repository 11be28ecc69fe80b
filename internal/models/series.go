package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two spatial objects do not share dimensions.
var ErrShapeMismatch = errors.New("shape mismatch")

// Spacing is the physical voxel size in mm
type Spacing struct {
	X, Y, Z float64
}

// VoxelVolumeML returns the volume of one voxel in milliliters
func (s Spacing) VoxelVolumeML() float64 {
	return s.X * s.Y * s.Z * 0.001
}

// Acquisition holds the sequence parameters needed for signal conversion.
// Zero values mean the parameter was not available in the source data.
type Acquisition struct {
	// RepetitionTime in ms
	RepetitionTime float64

	// FlipAngle in degrees
	FlipAngle float64

	// FieldStrength in tesla
	FieldStrength float64
}

// Coord addresses a voxel in a 3D grid
type Coord struct {
	Z, Y, X int
}

// Dims describes the spatial extent shared by volumes, masks and series frames
type Dims struct {
	Depth, Height, Width int
}

// Len returns the number of voxels
func (d Dims) Len() int {
	return d.Depth * d.Height * d.Width
}

// Index returns the flat index of (z, y, x)
func (d Dims) Index(z, y, x int) int {
	return z*d.Height*d.Width + y*d.Width + x
}

// Coord converts a flat index back into a coordinate
func (d Dims) Coord(idx int) Coord {
	plane := d.Height * d.Width
	z := idx / plane
	rem := idx % plane
	return Coord{Z: z, Y: rem / d.Width, X: rem % d.Width}
}

// Contains reports whether c lies inside the grid
func (d Dims) Contains(c Coord) bool {
	return c.Z >= 0 && c.Z < d.Depth && c.Y >= 0 && c.Y < d.Height && c.X >= 0 && c.X < d.Width
}

// Series is a dynamic 4D acquisition (time x depth x height x width).
//
// Data is stored frame-major as a flat array so that each temporal frame
// is a contiguous 3D volume in the same layout as Volume.
type Series struct {
	// Data holds Frames*Depth*Height*Width samples
	Data []float64

	Frames, Depth, Height, Width int

	// Timeline holds the acquisition time of each frame in seconds
	Timeline []float64

	Spacing Spacing

	PatientID string

	Acquisition Acquisition
}

// NewSeries allocates a zeroed series
func NewSeries(frames, depth, height, width int) *Series {
	return &Series{
		Data:     make([]float64, frames*depth*height*width),
		Frames:   frames,
		Depth:    depth,
		Height:   height,
		Width:    width,
		Timeline: make([]float64, frames),
	}
}

// Dims returns the spatial dimensions of one frame
func (s *Series) Dims() Dims {
	return Dims{Depth: s.Depth, Height: s.Height, Width: s.Width}
}

// FrameSize is the number of voxels in one frame
func (s *Series) FrameSize() int {
	return s.Depth * s.Height * s.Width
}

// Index returns the flat index of sample (t, z, y, x)
func (s *Series) Index(t, z, y, x int) int {
	return t*s.FrameSize() + z*s.Height*s.Width + y*s.Width + x
}

func (s *Series) At(t, z, y, x int) float64 {
	return s.Data[s.Index(t, z, y, x)]
}

func (s *Series) Set(t, z, y, x int, v float64) {
	s.Data[s.Index(t, z, y, x)] = v
}

// Frame returns a view (not a copy) of frame t
func (s *Series) Frame(t int) []float64 {
	n := s.FrameSize()
	return s.Data[t*n : (t+1)*n]
}

// TimeCourse copies the signal of one voxel across all frames
func (s *Series) TimeCourse(z, y, x int) []float64 {
	return s.TimeCourseAt(s.Dims().Index(z, y, x))
}

// TimeCourseAt copies the signal of the voxel at flat spatial index idx
func (s *Series) TimeCourseAt(idx int) []float64 {
	n := s.FrameSize()
	tc := make([]float64, s.Frames)
	for t := range tc {
		tc[t] = s.Data[t*n+idx]
	}
	return tc
}

// TimelineMinutes returns the timeline converted to minutes
func (s *Series) TimelineMinutes() []float64 {
	out := make([]float64, len(s.Timeline))
	for i, v := range s.Timeline {
		out[i] = v / 60
	}
	return out
}

// MeanFrames averages frames [from, to) into a volume
func (s *Series) MeanFrames(from, to int) (*Volume, error) {
	if from < 0 || to > s.Frames || from >= to {
		return nil, fmt.Errorf("frame range [%d, %d) out of range for %d frames", from, to, s.Frames)
	}
	vol := NewVolume(s.Dims())
	vol.Spacing = s.Spacing
	for t := from; t < to; t++ {
		frame := s.Frame(t)
		for i, v := range frame {
			vol.Data[i] += v
		}
	}
	n := float64(to - from)
	for i := range vol.Data {
		vol.Data[i] /= n
	}
	return vol, nil
}

// MeanCurve averages the time courses of all voxels inside mask
func (s *Series) MeanCurve(mask *Mask) ([]float64, error) {
	if !mask.SameShape(s.Dims()) {
		return nil, ErrShapeMismatch
	}
	idx := mask.Indices()
	curve := make([]float64, s.Frames)
	if len(idx) == 0 {
		return curve, nil
	}
	n := s.FrameSize()
	for t := 0; t < s.Frames; t++ {
		sum := 0.0
		for _, i := range idx {
			sum += s.Data[t*n+i]
		}
		curve[t] = sum / float64(len(idx))
	}
	return curve, nil
}

// Clone returns a deep copy
func (s *Series) Clone() *Series {
	c := *s
	c.Data = append([]float64(nil), s.Data...)
	c.Timeline = append([]float64(nil), s.Timeline...)
	return &c
}

// Validate checks the internal consistency of the series
func (s *Series) Validate() error {
	if s.Frames <= 0 || s.Depth <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid series dimensions %dx%dx%dx%d", s.Frames, s.Depth, s.Height, s.Width)
	}
	if len(s.Data) != s.Frames*s.FrameSize() {
		return fmt.Errorf("series data length %d does not match dimensions (%d): %w",
			len(s.Data), s.Frames*s.FrameSize(), ErrShapeMismatch)
	}
	if len(s.Timeline) != s.Frames {
		return fmt.Errorf("timeline has %d entries for %d frames", len(s.Timeline), s.Frames)
	}
	for i := 1; i < len(s.Timeline); i++ {
		if !(s.Timeline[i] > s.Timeline[i-1]) {
			return fmt.Errorf("timeline is not strictly increasing at frame %d", i)
		}
	}
	for _, v := range s.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("series contains non-finite samples")
		}
	}
	return nil
}
