// Package morphology implements binary 3D morphology on masks: erosion,
// dilation, connected component labelling and flood fill.
package morphology

import (
	"fmt"
	"math"

	"dcemri/internal/models"
)

// Structure is a structuring element expressed as neighbour offsets
// (the centre voxel is always included)
type Structure []models.Coord

var (
	// Cross is the face-connected element (6 neighbours)
	Cross = neighbourhood(6)

	// Cube is the full 3x3x3 element (26 neighbours)
	Cube = neighbourhood(26)
)

// Connectivity selects which neighbours are considered adjacent
type Connectivity int

const (
	Face   Connectivity = 6
	Edge   Connectivity = 18
	Vertex Connectivity = 26
)

// neighbourhood lists the offsets of a 3x3x3 neighbourhood limited by connectivity
func neighbourhood(conn int) Structure {
	var s Structure
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dz) + abs(dy) + abs(dx)
				if n == 0 {
					continue
				}
				if conn == 6 && n > 1 || conn == 18 && n > 2 {
					continue
				}
				s = append(s, models.Coord{Z: dz, Y: dy, X: dx})
			}
		}
	}
	return s
}

// Offsets returns the neighbour offsets for a connectivity
func (c Connectivity) Offsets() (Structure, error) {
	switch c {
	case Face, Edge, Vertex:
		return neighbourhood(int(c)), nil
	default:
		return nil, fmt.Errorf("unsupported connectivity %d (must be 6, 18 or 26)", c)
	}
}

// Erode keeps a voxel only if it and every neighbour in s are set.
// Voxels outside the grid count as background.
func Erode(m *models.Mask, s Structure, iterations int) *models.Mask {
	out := m.Clone()
	for i := 0; i < iterations; i++ {
		out = erodeOnce(out, s)
	}
	return out
}

// Dilate sets every voxel that has a set neighbour in s
func Dilate(m *models.Mask, s Structure, iterations int) *models.Mask {
	out := m.Clone()
	for i := 0; i < iterations; i++ {
		out = dilateOnce(out, s)
	}
	return out
}

// Open is erosion followed by dilation, removing structures smaller than s
func Open(m *models.Mask, s Structure, iterations int) *models.Mask {
	return Dilate(Erode(m, s, iterations), s, iterations)
}

// Close is dilation followed by erosion, filling gaps smaller than s
func Close(m *models.Mask, s Structure, iterations int) *models.Mask {
	return Erode(Dilate(m, s, iterations), s, iterations)
}

func erodeOnce(m *models.Mask, s Structure) *models.Mask {
	d := m.Dims()
	out := models.NewMask(d)
	for z := 0; z < d.Depth; z++ {
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				idx := d.Index(z, y, x)
				if !m.Data[idx] {
					continue
				}
				keep := true
				for _, o := range s {
					c := models.Coord{Z: z + o.Z, Y: y + o.Y, X: x + o.X}
					if !d.Contains(c) || !m.Data[d.Index(c.Z, c.Y, c.X)] {
						keep = false
						break
					}
				}
				out.Data[idx] = keep
			}
		}
	}
	return out
}

func dilateOnce(m *models.Mask, s Structure) *models.Mask {
	d := m.Dims()
	out := m.Clone()
	for z := 0; z < d.Depth; z++ {
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				if !m.Data[d.Index(z, y, x)] {
					continue
				}
				for _, o := range s {
					c := models.Coord{Z: z + o.Z, Y: y + o.Y, X: x + o.X}
					if d.Contains(c) {
						out.Data[d.Index(c.Z, c.Y, c.X)] = true
					}
				}
			}
		}
	}
	return out
}

// Label assigns connected components labels 1..n in raster order of their
// first voxel. Background voxels are 0.
func Label(m *models.Mask, conn Connectivity) ([]int, int, error) {
	offsets, err := conn.Offsets()
	if err != nil {
		return nil, 0, err
	}
	d := m.Dims()
	labels := make([]int, d.Len())
	n := 0
	stack := make([]int, 0, 64)

	for start, set := range m.Data {
		if !set || labels[start] != 0 {
			continue
		}
		n++
		labels[start] = n
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c := d.Coord(idx)
			for _, o := range offsets {
				nc := models.Coord{Z: c.Z + o.Z, Y: c.Y + o.Y, X: c.X + o.X}
				if !d.Contains(nc) {
					continue
				}
				ni := d.Index(nc.Z, nc.Y, nc.X)
				if m.Data[ni] && labels[ni] == 0 {
					labels[ni] = n
					stack = append(stack, ni)
				}
			}
		}
	}
	return labels, n, nil
}

// Region holds the properties of one labelled component
type Region struct {
	Label int

	// Area is the number of voxels
	Area int

	// BBoxMin is inclusive, BBoxMax exclusive
	BBoxMin, BBoxMax models.Coord

	// Centroid in voxel coordinates (z, y, x)
	Centroid [3]float64

	// Extent is Area divided by the bounding box volume
	Extent float64

	dims   models.Dims
	labels []int
}

// Mask returns the voxels belonging to this region
func (r Region) Mask() *models.Mask {
	m := models.NewMask(r.dims)
	for i, l := range r.labels {
		if l == r.Label {
			m.Data[i] = true
		}
	}
	return m
}

// Regions computes per-label properties for labels 1..n
func Regions(labels []int, n int, d models.Dims) ([]Region, error) {
	if len(labels) != d.Len() {
		return nil, models.ErrShapeMismatch
	}
	regions := make([]Region, n)
	for i := range regions {
		regions[i] = Region{
			Label:   i + 1,
			BBoxMin: models.Coord{Z: math.MaxInt, Y: math.MaxInt, X: math.MaxInt},
			BBoxMax: models.Coord{Z: -1, Y: -1, X: -1},
			dims:    d,
			labels:  labels,
		}
	}
	for idx, l := range labels {
		if l <= 0 || l > n {
			continue
		}
		r := &regions[l-1]
		c := d.Coord(idx)
		r.Area++
		r.Centroid[0] += float64(c.Z)
		r.Centroid[1] += float64(c.Y)
		r.Centroid[2] += float64(c.X)
		r.BBoxMin.Z = min(r.BBoxMin.Z, c.Z)
		r.BBoxMin.Y = min(r.BBoxMin.Y, c.Y)
		r.BBoxMin.X = min(r.BBoxMin.X, c.X)
		r.BBoxMax.Z = max(r.BBoxMax.Z, c.Z+1)
		r.BBoxMax.Y = max(r.BBoxMax.Y, c.Y+1)
		r.BBoxMax.X = max(r.BBoxMax.X, c.X+1)
	}
	for i := range regions {
		r := &regions[i]
		if r.Area == 0 {
			continue
		}
		for k := range r.Centroid {
			r.Centroid[k] /= float64(r.Area)
		}
		box := (r.BBoxMax.Z - r.BBoxMin.Z) * (r.BBoxMax.Y - r.BBoxMin.Y) * (r.BBoxMax.X - r.BBoxMin.X)
		r.Extent = float64(r.Area) / float64(box)
	}
	return regions, nil
}

// Flood returns the voxels 26-connected to seed whose value lies within
// tolerance of the seed value
func Flood(vol *models.Volume, seed models.Coord, tolerance float64) (*models.Mask, error) {
	d := vol.Dims()
	if !d.Contains(seed) {
		return nil, fmt.Errorf("seed %+v outside volume %dx%dx%d", seed, d.Depth, d.Height, d.Width)
	}
	offsets := neighbourhood(26)
	out := models.NewMask(d)

	start := d.Index(seed.Z, seed.Y, seed.X)
	lo := vol.Data[start] - tolerance
	hi := vol.Data[start] + tolerance

	out.Data[start] = true
	stack := []int{start}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := d.Coord(idx)
		for _, o := range offsets {
			nc := models.Coord{Z: c.Z + o.Z, Y: c.Y + o.Y, X: c.X + o.X}
			if !d.Contains(nc) {
				continue
			}
			ni := d.Index(nc.Z, nc.Y, nc.X)
			if out.Data[ni] {
				continue
			}
			if v := vol.Data[ni]; v >= lo && v <= hi {
				out.Data[ni] = true
				stack = append(stack, ni)
			}
		}
	}
	return out, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
