package seriesio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dcemri/internal/models"
)

func TestExtractNumber(t *testing.T) {
	cases := map[string]int{
		"slice_010.png": 10,
		"9.jpg":         9,
		"mask.png":      0,
		"a1b2.jpeg":     12,
	}
	for name, want := range cases {
		if got := extractNumber(name); got != want {
			t.Errorf("extractNumber(%q): expected %d, got %d", name, want, got)
		}
	}
}

func TestParseDICOMTime(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"101530", 10*3600 + 15*60 + 30},
		{"101530.25", 10*3600 + 15*60 + 30.25},
		{"10:15:30", 10*3600 + 15*60 + 30},
		{"1015", 10*3600 + 15*60},
	}
	for _, c := range cases {
		got, err := parseDICOMTime(c.in)
		require.NoError(t, err, c.in)
		require.InDelta(t, c.want, got, 1e-9, c.in)
	}
	for _, bad := range []string{"", "1", "10153", "ab1530"} {
		_, err := parseDICOMTime(bad)
		require.Error(t, err, bad)
	}
}

func testInstance(key string, acq, pos float64, value float64) *instance {
	inst := &instance{
		path:         fmt.Sprintf("%s_%g.dcm", key, pos),
		frameKey:     key,
		acqTime:      acq,
		position:     pos,
		rows:         2,
		cols:         3,
		pixels:       make([]float64, 6),
		pixelSpacing: [2]float64{0.8, 0.7},
		sliceSpacing: 3,
		patientID:    "P001",
	}
	for i := range inst.pixels {
		inst.pixels[i] = value
	}
	return inst
}

func TestAssembleOrdersFramesAndSlices(t *testing.T) {
	// Instances arrive shuffled; value encodes frame*10 + slice
	instances := []*instance{
		testInstance("at:2", 36010, 5, 11),
		testInstance("at:1", 36000, 5, 1),
		testInstance("at:1", 36000, -5, 0),
		testInstance("at:2", 36010, -5, 10),
		testInstance("at:3", 36020, -5, 20),
		testInstance("at:3", 36020, 5, 21),
	}
	s, err := assemble(instances, &LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, s.Frames)
	require.Equal(t, 2, s.Depth)
	require.Equal(t, 2, s.Height)
	require.Equal(t, 3, s.Width)
	require.Equal(t, []float64{0, 10, 20}, s.Timeline)
	require.Equal(t, "P001", s.PatientID)
	require.Equal(t, models.Spacing{X: 0.7, Y: 0.8, Z: 3}, s.Spacing)

	for f := 0; f < 3; f++ {
		for z := 0; z < 2; z++ {
			require.Equal(t, float64(f*10+z), s.At(f, z, 1, 2), "frame %d slice %d", f, z)
		}
	}

	limited, err := assemble(instances, &LoadOptions{FrameLimit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, limited.Frames)
}

func TestAssembleTemporalResolution(t *testing.T) {
	instances := []*instance{
		testInstance("tp:2", math.NaN(), 0, 2),
		testInstance("tp:1", math.NaN(), 0, 1),
		testInstance("tp:10", math.NaN(), 0, 10),
	}
	s, err := assemble(instances, &LoadOptions{TemporalResolution: 4.5})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 4.5, 9}, s.Timeline)
	require.Equal(t, 10.0, s.At(2, 0, 0, 0))
}

func TestAssembleErrors(t *testing.T) {
	_, err := assemble(nil, &LoadOptions{})
	require.ErrorIs(t, err, ErrNoFrames)

	uneven := []*instance{
		testInstance("at:1", 1, 0, 0),
		testInstance("at:1", 1, 1, 0),
		testInstance("at:2", 2, 0, 0),
	}
	_, err = assemble(uneven, &LoadOptions{})
	require.ErrorIs(t, err, ErrInconsistentFrames)

	// The short frame is dropped when a minimum slice count is requested
	s, err := assemble(uneven, &LoadOptions{MinSlices: 2})
	require.NoError(t, err)
	require.Equal(t, 1, s.Frames)

	_, err = assemble(uneven, &LoadOptions{MinSlices: 3})
	require.ErrorIs(t, err, ErrNoFrames)

	resized := []*instance{testInstance("at:1", 1, 0, 0), testInstance("at:2", 2, 0, 0)}
	resized[1].rows = 4
	resized[1].pixels = make([]float64, 12)
	_, err = assemble(resized, &LoadOptions{})
	require.ErrorIs(t, err, ErrInconsistentFrames)
}

func TestLoadDICOMSeriesSkipsNonDICOM(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a dicom file"), 0644))

	_, err := LoadDICOMSeries(dir, WithTemporalResolution(5))
	require.True(t, errors.Is(err, ErrNoFrames), "expected ErrNoFrames, got %v", err)
}

func TestMaskSlicesRoundTrip(t *testing.T) {
	d := models.Dims{Depth: 12, Height: 5, Width: 4}
	mask := models.NewMask(d)
	mask.Set(0, 0, 0, true)
	mask.Set(11, 4, 3, true)
	mask.Set(10, 2, 1, true)

	dir := t.TempDir()
	require.NoError(t, SaveMaskSlices(mask, dir))

	loaded, err := LoadMaskSlices(dir, d.Depth, d.Height, d.Width)
	require.NoError(t, err)
	require.Equal(t, mask.Data, loaded.Data)

	_, err = LoadMaskSlices(dir, d.Depth+1, d.Height, d.Width)
	require.ErrorIs(t, err, models.ErrShapeMismatch)

	_, err = LoadMaskSlices(dir, d.Depth, d.Height+1, d.Width)
	require.ErrorIs(t, err, models.ErrShapeMismatch)

	_, err = LoadMaskSlices(t.TempDir(), 1, 1, 1)
	require.Error(t, err)
}

func TestRawSeriesRoundTrip(t *testing.T) {
	s := models.NewSeries(3, 2, 2, 2)
	for i := range s.Data {
		s.Data[i] = float64(i) * 1.5
	}
	s.Timeline = []float64{0, 4.2, 8.4}
	s.Spacing = models.Spacing{X: 1, Y: 1.2, Z: 3}
	s.PatientID = "RAW"
	s.Acquisition = models.Acquisition{RepetitionTime: 4.5, FlipAngle: 15, FieldStrength: 3}

	dir := t.TempDir()
	require.NoError(t, SaveRawSeries(s, dir))

	loaded, err := LoadRawSeries(dir)
	require.NoError(t, err)
	require.Equal(t, s, loaded)

	// Truncated data is rejected
	require.NoError(t, os.WriteFile(filepath.Join(dir, rawDataFile), make([]byte, 16), 0644))
	_, err = LoadRawSeries(dir)
	require.Error(t, err)
}

func TestCurveCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aif.csv")
	timeline := []float64{0, 2.5, 5}
	values := []float64{0, 1.25, 0.333}
	require.NoError(t, WriteCurveCSV(path, timeline, values))

	gotT, gotV, err := ReadCurveCSV(path)
	require.NoError(t, err)
	require.Equal(t, timeline, gotT)
	require.Equal(t, values, gotV)

	require.Error(t, WriteCurveCSV(path, timeline, values[:2]))

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("time_s,value\n0,1\nx,2\n"), 0644))
	_, _, err = ReadCurveCSV(bad)
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("time_s,value\n"), 0644))
	_, _, err = ReadCurveCSV(empty)
	require.Error(t, err)
}
