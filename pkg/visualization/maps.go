package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"dcemri/internal/models"
	"dcemri/pkg/kinetics"
)

// Jet maps t in [0, 1] to the blue-cyan-yellow-red colormap
func Jet(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	ch := func(center float64) uint8 {
		v := 1.5 - math.Abs(4*t-center)
		return uint8(math.Max(0, math.Min(1, v)) * 255)
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

// ParameterMapImage renders slice z of vol with the jet colormap over
// [lo, hi]. Voxels outside mask (when given) or NaN are transparent.
func ParameterMapImage(vol *models.Volume, mask *models.Mask, z int, lo, hi float64) (*image.RGBA, error) {
	d := vol.Dims()
	if z < 0 || z >= d.Depth {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, d.Depth)
	}
	if mask != nil && !mask.SameShape(d) {
		return nil, fmt.Errorf("parameter map mask: %w", models.ErrShapeMismatch)
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("invalid display range [%g, %g]", lo, hi)
	}

	img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			if mask != nil && !mask.At(z, y, x) {
				continue
			}
			v := vol.At(z, y, x)
			if math.IsNaN(v) {
				continue
			}
			img.SetRGBA(x, y, Jet((v-lo)/(hi-lo)))
		}
	}
	return img, nil
}

// Overlay composites mapImg over a grayscale anatomical slice
func Overlay(anatomy image.Image, mapImg image.Image) *image.RGBA {
	b := anatomy.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), anatomy, b.Min, draw.Src)
	draw.Draw(out, out.Bounds(), mapImg, mapImg.Bounds().Min, draw.Over)
	return out
}

// DisplayRange returns [0, p99] of the finite values of vol inside mask,
// which keeps isolated outliers from flattening the colormap
func DisplayRange(vol *models.Volume, mask *models.Mask) (float64, float64) {
	var values []float64
	for _, v := range vol.Values(mask) {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, 1
	}
	sort.Float64s(values)
	hi := stat.Quantile(0.99, stat.LinInterp, values, nil)
	lo := math.Min(0, values[0])
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// SaveParameterMaps writes <dir>/<param>/slice_%03d.png for every slice that
// intersects mask, overlaid on the anatomy volume when one is given.
// It returns the written paths.
func SaveParameterMaps(maps *kinetics.ParameterMaps, anatomy *models.Volume, mask *models.Mask, dir string) ([]string, error) {
	d := maps.Ktrans.Dims()
	if mask == nil {
		mask = maps.Converged
	}
	if !mask.SameShape(d) || (anatomy != nil && anatomy.Dims() != d) {
		return nil, fmt.Errorf("parameter maps: %w", models.ErrShapeMismatch)
	}

	var slices []int
	for z := 0; z < d.Depth; z++ {
		for i := z * d.Height * d.Width; i < (z+1)*d.Height*d.Width; i++ {
			if mask.Data[i] {
				slices = append(slices, z)
				break
			}
		}
	}

	var viewer *Viewer
	if anatomy != nil {
		viewer = NewViewer(anatomy)
	}

	var written []string
	for _, nv := range maps.Named() {
		paramDir := filepath.Join(dir, nv.Name)
		if err := os.MkdirAll(paramDir, 0755); err != nil {
			return written, fmt.Errorf("failed to create map directory: %w", err)
		}
		lo, hi := DisplayRange(nv.Volume, mask)
		for _, z := range slices {
			mapImg, err := ParameterMapImage(nv.Volume, mask, z, lo, hi)
			if err != nil {
				return written, err
			}
			var img image.Image = mapImg
			if viewer != nil {
				base, err := viewer.ExtractSlice("z", z)
				if err != nil {
					return written, err
				}
				img = Overlay(base, img)
			}
			path := filepath.Join(paramDir, fmt.Sprintf("slice_%03d.png", z))
			if err := savePNG(path, img); err != nil {
				return written, fmt.Errorf("failed to save %s: %w", path, err)
			}
			written = append(written, path)
		}
	}
	return written, nil
}
