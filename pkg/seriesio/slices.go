package seriesio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"dcemri/internal/models"
)

// LoadMaskSlices reads a mask stored as one PNG or JPEG image per slice.
// Files are ordered by the number in their name so that slice 10 follows
// slice 9. A pixel brighter than half intensity is inside the mask.
func LoadMaskSlices(dir string, depth, height, width int) (*models.Mask, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no PNG or JPEG slices found in %s", dir)
	}
	if len(files) != depth {
		return nil, fmt.Errorf("mask has %d slices, series has %d: %w", len(files), depth, models.ErrShapeMismatch)
	}

	sort.SliceStable(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})

	mask := models.NewMask(models.Dims{Depth: depth, Height: height, Width: width})
	for z, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load mask slice %s: %w", name, err)
		}
		b := img.Bounds()
		if b.Dx() != width || b.Dy() != height {
			return nil, fmt.Errorf("mask slice %s is %dx%d, want %dx%d: %w", name, b.Dx(), b.Dy(), width, height, models.ErrShapeMismatch)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				if g.Y > 0x7fff {
					mask.Set(z, y, x, true)
				}
			}
		}
	}
	log.Infow("loaded mask", "dir", dir, "slices", depth, "voxels", mask.Count())
	return mask, nil
}

// SaveMaskSlices writes one PNG per slice, named so that LoadMaskSlices reads
// them back in order
func SaveMaskSlices(mask *models.Mask, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create mask directory: %w", err)
	}
	for z := 0; z < mask.Depth; z++ {
		img := image.NewGray(image.Rect(0, 0, mask.Width, mask.Height))
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				if mask.At(z, y, x) {
					img.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
		if err := savePNG(filepath.Join(dir, fmt.Sprintf("slice_%03d.png", z)), img); err != nil {
			return err
		}
	}
	return nil
}

// extractNumber returns the digits of a file name as an integer, or 0
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Decode(file)
	default:
		return jpeg.Decode(file)
	}
}

func savePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return file.Close()
}
