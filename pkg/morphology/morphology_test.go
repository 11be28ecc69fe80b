package morphology

import (
	"math"
	"testing"

	"dcemri/internal/models"
)

// cubeMask sets a solid cube of side n with its low corner at (c, c, c)
func cubeMask(d models.Dims, c, n int) *models.Mask {
	m := models.NewMask(d)
	for z := c; z < c+n; z++ {
		for y := c; y < c+n; y++ {
			for x := c; x < c+n; x++ {
				m.Set(z, y, x, true)
			}
		}
	}
	return m
}

func TestStructureSizes(t *testing.T) {
	if len(Cross) != 6 {
		t.Errorf("Cross should have 6 neighbours, got %d", len(Cross))
	}
	if len(Cube) != 26 {
		t.Errorf("Cube should have 26 neighbours, got %d", len(Cube))
	}
	if s, _ := Edge.Offsets(); len(s) != 18 {
		t.Errorf("Edge connectivity should have 18 neighbours, got %d", len(s))
	}
	if _, err := Connectivity(7).Offsets(); err == nil {
		t.Errorf("Expected error for unsupported connectivity")
	}
}

func TestErodeDilate(t *testing.T) {
	d := models.Dims{Depth: 7, Height: 7, Width: 7}
	m := cubeMask(d, 1, 5)

	eroded := Erode(m, Cube, 1)
	if eroded.Count() != 27 {
		t.Errorf("Eroding a 5^3 cube with a 3^3 element should leave 27 voxels, got %d", eroded.Count())
	}

	dilated := Dilate(eroded, Cube, 1)
	if dilated.Count() != 125 {
		t.Errorf("Dilating back should restore 125 voxels, got %d", dilated.Count())
	}

	// The cube touches no border so opening is idempotent on it
	opened := Open(m, Cube, 1)
	for i := range m.Data {
		if opened.Data[i] != m.Data[i] {
			t.Fatalf("Opening changed voxel %d", i)
		}
	}
}

func TestOpenRemovesSpeckle(t *testing.T) {
	d := models.Dims{Depth: 9, Height: 9, Width: 9}
	m := cubeMask(d, 1, 4)
	m.Set(8, 8, 8, true)

	opened := Open(m, Cross, 1)
	if opened.At(8, 8, 8) {
		t.Errorf("Isolated voxel should be removed by opening")
	}
	if !opened.At(2, 2, 2) {
		t.Errorf("Interior of the cube should survive opening")
	}
}

func TestErodeTreatsBorderAsBackground(t *testing.T) {
	d := models.Dims{Depth: 3, Height: 3, Width: 3}
	m := cubeMask(d, 0, 3)

	if got := Erode(m, Cross, 1).Count(); got != 1 {
		t.Errorf("Only the centre voxel should survive, got %d", got)
	}
}

func TestLabelConnectivity(t *testing.T) {
	d := models.Dims{Depth: 1, Height: 3, Width: 3}
	m := models.NewMask(d)
	// Two voxels touching only diagonally
	m.Set(0, 0, 0, true)
	m.Set(0, 1, 1, true)

	_, n, err := Label(m, Face)
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Face connectivity should give 2 components, got %d", n)
	}

	labels, n, _ := Label(m, Vertex)
	if n != 1 {
		t.Errorf("Vertex connectivity should give 1 component, got %d", n)
	}
	if labels[0] != 1 || labels[4] != 1 {
		t.Errorf("Unexpected labels %v", labels)
	}
}

func TestRegions(t *testing.T) {
	d := models.Dims{Depth: 8, Height: 8, Width: 8}
	m := cubeMask(d, 0, 2)
	big := cubeMask(d, 4, 3)
	m, _ = m.Or(big)

	labels, n, _ := Label(m, Vertex)
	regions, err := Regions(labels, n, d)
	if err != nil {
		t.Fatalf("Regions failed: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(regions))
	}

	small, large := regions[0], regions[1]
	if small.Area != 8 || large.Area != 27 {
		t.Errorf("Unexpected areas %d and %d", small.Area, large.Area)
	}
	if large.BBoxMin != (models.Coord{Z: 4, Y: 4, X: 4}) || large.BBoxMax != (models.Coord{Z: 7, Y: 7, X: 7}) {
		t.Errorf("Unexpected bbox %+v-%+v", large.BBoxMin, large.BBoxMax)
	}
	if math.Abs(large.Centroid[0]-5) > 1e-12 || large.Extent != 1 {
		t.Errorf("Unexpected centroid %v or extent %f", large.Centroid, large.Extent)
	}
	if large.Mask().Count() != 27 {
		t.Errorf("Region mask should contain 27 voxels")
	}
}

func TestFlood(t *testing.T) {
	d := models.Dims{Depth: 1, Height: 1, Width: 6}
	vol := models.NewVolume(d)
	copy(vol.Data, []float64{10, 9, 8, 2, 9, 10})

	m, err := Flood(vol, models.Coord{X: 0}, 2)
	if err != nil {
		t.Fatalf("Flood failed: %v", err)
	}
	want := []bool{true, true, true, false, false, false}
	for i := range want {
		if m.Data[i] != want[i] {
			t.Errorf("Voxel %d: expected %v, got %v", i, want[i], m.Data[i])
		}
	}

	if _, err := Flood(vol, models.Coord{X: 6}, 1); err == nil {
		t.Errorf("Expected error for seed outside the volume")
	}
}
