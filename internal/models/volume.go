package models

import "math"

// Volume is a scalar 3D image in z, y, x row-major order
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	Data []float64

	Depth, Height, Width int

	// Spacing is the physical size of each voxel in mm
	Spacing Spacing
}

// NewVolume allocates a zeroed volume
func NewVolume(d Dims) *Volume {
	return &Volume{
		Data:   make([]float64, d.Len()),
		Depth:  d.Depth,
		Height: d.Height,
		Width:  d.Width,
	}
}

// NewNaNVolume allocates a volume filled with NaN, used for parameter maps
// where unfitted voxels carry no value
func NewNaNVolume(d Dims) *Volume {
	v := NewVolume(d)
	for i := range v.Data {
		v.Data[i] = math.NaN()
	}
	return v
}

func (v *Volume) Dims() Dims {
	return Dims{Depth: v.Depth, Height: v.Height, Width: v.Width}
}

func (v *Volume) Len() int { return len(v.Data) }

func (v *Volume) Index(z, y, x int) int {
	return v.Dims().Index(z, y, x)
}

func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

func (v *Volume) Set(z, y, x int, val float64) {
	v.Data[v.Index(z, y, x)] = val
}

// Max returns the largest finite value, or NaN for an empty or all-NaN volume
func (v *Volume) Max() float64 {
	_, m := v.argMax()
	return m
}

// ArgMax returns the coordinate of the first occurrence of the maximum
func (v *Volume) ArgMax() Coord {
	i, _ := v.argMax()
	if i < 0 {
		return Coord{}
	}
	return v.Dims().Coord(i)
}

func (v *Volume) argMax() (int, float64) {
	best := -1
	m := math.NaN()
	for i, val := range v.Data {
		if math.IsNaN(val) {
			continue
		}
		if best < 0 || val > m {
			best = i
			m = val
		}
	}
	return best, m
}

// Multiply returns a copy with every voxel outside mask set to zero
func (v *Volume) Multiply(mask *Mask) (*Volume, error) {
	if !mask.SameShape(v.Dims()) {
		return nil, ErrShapeMismatch
	}
	out := NewVolume(v.Dims())
	out.Spacing = v.Spacing
	for i, in := range mask.Data {
		if in {
			out.Data[i] = v.Data[i]
		}
	}
	return out, nil
}

// Values returns the values at the voxels selected by mask, in index order
func (v *Volume) Values(mask *Mask) []float64 {
	var out []float64
	for i, in := range mask.Data {
		if in {
			out = append(out, v.Data[i])
		}
	}
	return out
}

// Mask is a binary 3D segmentation, such as a tumor delineation
type Mask struct {
	Data []bool

	Depth, Height, Width int
}

func NewMask(d Dims) *Mask {
	return &Mask{
		Data:   make([]bool, d.Len()),
		Depth:  d.Depth,
		Height: d.Height,
		Width:  d.Width,
	}
}

func (m *Mask) Dims() Dims {
	return Dims{Depth: m.Depth, Height: m.Height, Width: m.Width}
}

// SameShape reports whether the mask matches d
func (m *Mask) SameShape(d Dims) bool {
	return m != nil && m.Depth == d.Depth && m.Height == d.Height && m.Width == d.Width && len(m.Data) == d.Len()
}

func (m *Mask) At(z, y, x int) bool {
	return m.Data[m.Dims().Index(z, y, x)]
}

func (m *Mask) Set(z, y, x int, v bool) {
	m.Data[m.Dims().Index(z, y, x)] = v
}

// Count returns the number of voxels set
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Indices returns the flat indices of set voxels in ascending order
func (m *Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for i, v := range m.Data {
		if v {
			out = append(out, i)
		}
	}
	return out
}

func (m *Mask) Clone() *Mask {
	c := *m
	c.Data = append([]bool(nil), m.Data...)
	return &c
}

// And returns the intersection of two masks
func (m *Mask) And(o *Mask) (*Mask, error) {
	if !o.SameShape(m.Dims()) {
		return nil, ErrShapeMismatch
	}
	out := NewMask(m.Dims())
	for i := range m.Data {
		out.Data[i] = m.Data[i] && o.Data[i]
	}
	return out, nil
}

// Or returns the union of two masks
func (m *Mask) Or(o *Mask) (*Mask, error) {
	if !o.SameShape(m.Dims()) {
		return nil, ErrShapeMismatch
	}
	out := NewMask(m.Dims())
	for i := range m.Data {
		out.Data[i] = m.Data[i] || o.Data[i]
	}
	return out, nil
}
