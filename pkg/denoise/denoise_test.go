package denoise

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"dcemri/internal/models"
)

const size = 16

// stepImage is 0 left of column 8 and 100 from it, with a ±1 checkerboard
func stepImage() []float64 {
	img := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 0.0
			if x >= size/2 {
				v = 100
			}
			if (x+y)%2 == 0 {
				v++
			} else {
				v--
			}
			img[y*size+x] = v
		}
	}
	return img
}

func flatRegion(img []float64) []float64 {
	var out []float64
	for y := 1; y < size-1; y++ {
		for x := 1; x <= 4; x++ {
			out = append(out, img[y*size+x])
		}
	}
	return out
}

func TestDetectEdges(t *testing.T) {
	em := DetectEdges(stepImage(), size, size, DefaultOptions())

	for y := 0; y < size; y++ {
		for _, x := range []int{7, 8} {
			require.InDelta(t, 1, em.Strength[y*size+x], 0.05)
			require.InDelta(t, 0, em.Orientation[y*size+x], 1e-12)
		}
		require.Less(t, em.Strength[y*size+1], 0.05)
		require.Less(t, em.Strength[y*size+14], 0.05)
	}
}

func TestDetectEdgesUniform(t *testing.T) {
	img := make([]float64, 6*4)
	for i := range img {
		img[i] = 7
	}
	em := DetectEdges(img, 6, 4, DefaultOptions())
	for _, s := range em.Strength {
		require.Zero(t, s)
	}
}

func TestSmoothSlicePreservesEdges(t *testing.T) {
	img := stepImage()
	out := SmoothSlice(img, size, size, DefaultOptions())

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x < size/2 {
				require.Less(t, out[y*size+x], 2.0, "x=%d y=%d", x, y)
			} else {
				require.Greater(t, out[y*size+x], 98.0, "x=%d y=%d", x, y)
			}
		}
	}

	before := stat.StdDev(flatRegion(img), nil)
	after := stat.StdDev(flatRegion(out), nil)
	require.Less(t, after, before/2)
}

func TestSeries(t *testing.T) {
	s := models.NewSeries(3, 2, size, size)
	img := stepImage()
	for start := 0; start < len(s.Data); start += size * size {
		copy(s.Data[start:], img)
	}
	orig := append([]float64(nil), s.Data...)

	opts := DefaultOptions()
	opts.Workers = 2
	out, err := Series(context.Background(), s, opts)
	require.NoError(t, err)
	require.Equal(t, orig, s.Data)
	require.Equal(t, s.Frames, out.Frames)

	want := SmoothSlice(img, size, size, opts)
	for start := 0; start < len(out.Data); start += size * size {
		require.Equal(t, want, out.Data[start:start+size*size])
	}
	for _, v := range out.Data {
		require.False(t, math.IsNaN(v))
	}
}

func TestSeriesErrors(t *testing.T) {
	s := models.NewSeries(2, 1, size, size)

	opts := DefaultOptions()
	opts.EdgeThreshold = 1.5
	_, err := Series(context.Background(), s, opts)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Series(ctx, s, DefaultOptions())
	require.ErrorIs(t, err, context.Canceled)
}
