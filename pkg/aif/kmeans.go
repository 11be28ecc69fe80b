package aif

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Clustering is the outcome of k-means on voxel time courses
type Clustering struct {
	// Assignments maps each input row to its cluster
	Assignments []int

	// Centroids are the mean time courses of each cluster
	Centroids [][]float64

	// Sizes counts the rows assigned to each cluster
	Sizes []int

	Iterations int
}

// KMeans clusters rows into k groups using k-means++ seeding and Lloyd
// iterations. The seed makes the result reproducible.
func KMeans(rows [][]float64, k int, seed int64) (*Clustering, error) {
	if k < 1 {
		return nil, fmt.Errorf("number of clusters must be positive, got %d", k)
	}
	if len(rows) < k {
		return nil, fmt.Errorf("cannot form %d clusters from %d time courses", k, len(rows))
	}
	dim := len(rows[0])
	for i, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("time course %d has %d samples, want %d", i, len(r), dim)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := seedPlusPlus(rows, k, rng)
	assign := make([]int, len(rows))
	for i := range assign {
		assign[i] = -1
	}

	const maxIterations = 300
	c := &Clustering{}
	for c.Iterations = 1; c.Iterations <= maxIterations; c.Iterations++ {
		changed := false
		for i, r := range rows {
			best, bestDist := 0, math.Inf(1)
			for j, cen := range centroids {
				if d := floats.Distance(r, cen, 2); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		sizes := make([]int, k)
		next := make([][]float64, k)
		for j := range next {
			next[j] = make([]float64, dim)
		}
		for i, r := range rows {
			floats.Add(next[assign[i]], r)
			sizes[assign[i]]++
		}
		for j := range next {
			if sizes[j] == 0 {
				// Keep an empty cluster where it was
				copy(next[j], centroids[j])
				continue
			}
			floats.Scale(1/float64(sizes[j]), next[j])
		}
		centroids = next
		c.Sizes = sizes

		if !changed {
			break
		}
	}
	c.Assignments = assign
	c.Centroids = centroids
	return c, nil
}

// seedPlusPlus picks initial centroids with probability proportional to the
// squared distance from the nearest centroid already chosen
func seedPlusPlus(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), rows[rng.Intn(len(rows))]...))

	dist := make([]float64, len(rows))
	for len(centroids) < k {
		total := 0.0
		for i, r := range rows {
			d := math.Inf(1)
			for _, c := range centroids {
				d = math.Min(d, floats.Distance(r, c, 2))
			}
			dist[i] = d * d
			total += dist[i]
		}

		pick := len(rows) - 1
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range dist {
				acc += d
				if acc >= target {
					pick = i
					break
				}
			}
		} else {
			pick = rng.Intn(len(rows))
		}
		centroids = append(centroids, append([]float64(nil), rows[pick]...))
	}
	return centroids
}
