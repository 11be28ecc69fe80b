// Package denoise implements edge-preserving spatial smoothing of DCE frames.
//
// Edges are detected per slice with directional differences over several
// scales and orientations. Flat pixels are replaced by the mean of their
// flat neighbours, and edge pixels snap to the median of the neighbours on
// the side of the edge they belong to, so boundaries stay sharp.
package denoise

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"dcemri/internal/models"
)

var log = logging.Logger("denoise")

// Options controls the smoothing
type Options struct {
	// EdgeThreshold is the normalised edge strength above which a pixel is an edge
	EdgeThreshold float64

	// Scales is the number of dyadic scales (1, 2, 4, ...) searched for edges
	Scales int

	// Orientations is the number of directions in [0, π)
	Orientations int

	// Workers is the number of goroutines smoothing slices in parallel
	Workers int
}

// DefaultOptions returns the settings used by the pipeline
func DefaultOptions() Options {
	return Options{
		EdgeThreshold: 0.3,
		Scales:        3,
		Orientations:  8,
		Workers:       runtime.NumCPU(),
	}
}

// Validate checks the option ranges
func (o Options) Validate() error {
	if o.EdgeThreshold <= 0 || o.EdgeThreshold >= 1 {
		return fmt.Errorf("edge threshold %.2f out of range (0, 1)", o.EdgeThreshold)
	}
	if o.Scales < 1 || o.Orientations < 1 {
		return fmt.Errorf("scales and orientations must be positive")
	}
	return nil
}

// EdgeMap holds the edge strength, normalised to [0, 1], and the direction
// of steepest change in radians for every pixel of a slice
type EdgeMap struct {
	Strength    []float64
	Orientation []float64
}

// DetectEdges finds the strongest directional difference of every pixel of a
// width x height image. Samples outside the image replicate the border.
func DetectEdges(img []float64, width, height int, o Options) EdgeMap {
	n := width * height
	em := EdgeMap{
		Strength:    make([]float64, n),
		Orientation: make([]float64, n),
	}

	at := func(x, y int) float64 {
		x = max(0, min(width-1, x))
		y = max(0, min(height-1, y))
		return img[y*width+x]
	}

	type offset struct {
		dx, dy int
		length float64
		theta  float64
	}
	var offsets []offset
	for s := 0; s < o.Scales; s++ {
		scale := float64(int(1) << s)
		for k := 0; k < o.Orientations; k++ {
			theta := math.Pi * float64(k) / float64(o.Orientations)
			dx := int(math.Round(scale * math.Cos(theta)))
			dy := int(math.Round(scale * math.Sin(theta)))
			if dx == 0 && dy == 0 {
				continue
			}
			offsets = append(offsets, offset{dx, dy, math.Hypot(float64(dx), float64(dy)), theta})
		}
	}

	peak := 0.0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			best, bestTheta := 0.0, 0.0
			for _, off := range offsets {
				r := math.Abs(at(x+off.dx, y+off.dy)-at(x-off.dx, y-off.dy)) / (2 * off.length)
				if r > best {
					best, bestTheta = r, off.theta
				}
			}
			i := y*width + x
			em.Strength[i] = best
			em.Orientation[i] = bestTheta
			peak = math.Max(peak, best)
		}
	}

	if peak > 0 {
		for i := range em.Strength {
			em.Strength[i] /= peak
		}
	}
	return em
}

// SmoothSlice returns a smoothed copy of a width x height image
func SmoothSlice(img []float64, width, height int, o Options) []float64 {
	em := DetectEdges(img, width, height, o)
	edge := make([]bool, len(img))
	for i, s := range em.Strength {
		edge[i] = s > o.EdgeThreshold
	}

	out := make([]float64, len(img))
	var before, after []float64
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			if !edge[i] {
				// Mean of the flat 3x3 neighbourhood
				sum, count := 0.0, 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || nx >= width || ny < 0 || ny >= height || edge[ny*width+nx] {
							continue
						}
						sum += img[ny*width+nx]
						count++
					}
				}
				out[i] = sum / float64(count)
				continue
			}

			// Split the neighbours by the side of the edge they lie on
			cos, sin := math.Cos(em.Orientation[i]), math.Sin(em.Orientation[i])
			before, after = before[:0], after[:0]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= width || ny < 0 || ny >= height {
						continue
					}
					switch side := float64(dx)*cos + float64(dy)*sin; {
					case side > 1e-9:
						after = append(after, img[ny*width+nx])
					case side < -1e-9:
						before = append(before, img[ny*width+nx])
					}
				}
			}

			v := img[i]
			out[i] = v
			if len(before) == 0 || len(after) == 0 {
				continue
			}
			mb, ma := median(before), median(after)
			if math.Abs(v-mb) <= math.Abs(v-ma) {
				out[i] = mb
			} else {
				out[i] = ma
			}
		}
	}
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Series smooths every slice of every frame of s and returns a new series
func Series(ctx context.Context, s *models.Series, o Options) (*models.Series, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	out := s.Clone()
	workers := o.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	sliceLen := s.Height * s.Width
	if sliceLen == 0 {
		return out, nil
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for start := range jobs {
				smoothed := SmoothSlice(s.Data[start:start+sliceLen], s.Width, s.Height, o)
				copy(out.Data[start:start+sliceLen], smoothed)
			}
		}()
	}

	var err error
feed:
	for start := 0; start < len(s.Data); start += sliceLen {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case jobs <- start:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	log.Debugw("denoised series", "frames", s.Frames, "slices", s.Depth, "threshold", o.EdgeThreshold)
	return out, nil
}
