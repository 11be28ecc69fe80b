// Package visualization renders volumes, parameter maps and curves to images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"dcemri/internal/models"
)

// Viewer extracts grayscale slices from a volume, mapping the window
// [lo, hi] onto the full intensity range
type Viewer struct {
	vol    *models.Volume
	lo, hi float64
}

// NewViewer creates a viewer windowed to the finite range of vol
func NewViewer(vol *models.Volume) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vol.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		lo, hi = 0, 1
	}
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

// Window returns the intensity window
func (v *Viewer) Window() (float64, float64) {
	return v.lo, v.hi
}

func (v *Viewer) gray(val float64) color.Gray16 {
	if math.IsNaN(val) || v.hi <= v.lo {
		return color.Gray16{}
	}
	n := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(1, n)) * 65535)}
}

// ExtractSlice extracts a 2D slice perpendicular to axis (x, y or z)
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d := v.vol.Dims()

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= d.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, d.Depth, d.Height))
		for y := 0; y < d.Height; y++ {
			for z := 0; z < d.Depth; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(z, y, position)))
			}
		}

	case "y", "Y":
		if position >= d.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, d.Width, d.Depth))
		for z := 0; z < d.Depth; z++ {
			for x := 0; x < d.Width; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(z, position, x)))
			}
		}

	case "z", "Z":
		if position >= d.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(position, y, x)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// ExtractRegion copies the box starting at start with the given size
func (v *Viewer) ExtractRegion(start models.Coord, size models.Dims) (*models.Volume, error) {
	if start.X < 0 || start.Y < 0 || start.Z < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if size.Width <= 0 || size.Height <= 0 || size.Depth <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	d := v.vol.Dims()
	if start.X+size.Width > d.Width || start.Y+size.Height > d.Height || start.Z+size.Depth > d.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(size)
	region.Spacing = v.vol.Spacing
	for z := 0; z < size.Depth; z++ {
		for y := 0; y < size.Height; y++ {
			for x := 0; x < size.Width; x++ {
				region.Set(z, y, x, v.vol.At(start.Z+z, start.Y+y, start.X+x))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an image as PNG
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return savePNG(filename, img)
}

// SaveSliceSequence extracts and saves every slice along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	d := v.vol.Dims()
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = d.Width
	case "y", "Y":
		maxPos = d.Height
	case "z", "Z":
		maxPos = d.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

func savePNG(filename string, img image.Image) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
