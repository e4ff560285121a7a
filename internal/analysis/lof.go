package analysis

import (
	"math"
	"sort"
)

// Local Outlier Factor.
//
// Density-based outlier detection: a row whose local reachability density is
// much lower than that of its k nearest neighbours gets LOF ≫ 1. Normal rows
// sit near 1. The raw score handed to normalisation is LOF − 1 so that a
// perfectly average row contributes 0.
//
// Brute-force neighbour search; the per-type subsets this runs on are far
// below the sizes where an index would pay off.

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// fitLOF computes the raw LOF−1 score per row with the given neighbour
// count. k is clamped to [2, len(x)−1].
func fitLOF(x [][]float64, k int) []float64 {
	n := len(x)
	if n < 3 {
		// Not enough rows for a neighbourhood; every row is its own cluster.
		return make([]float64, n)
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 2 {
		k = 2
	}

	dists := make([][]float64, n)
	for i := 0; i < n; i++ {
		dists[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := euclidean(x[i], x[j])
			dists[i][j] = d
			dists[j][i] = d
		}
	}

	neighbors := make([][]int, n)
	kDist := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := make([]int, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				idx = append(idx, j)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return dists[i][idx[a]] < dists[i][idx[b]]
		})
		neighbors[i] = idx[:k]
		kDist[i] = dists[i][idx[k-1]]
	}

	// Local reachability density per row.
	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += math.Max(kDist[j], dists[i][j])
		}
		if sum < 1e-10 {
			// Duplicate cluster: treat density as effectively infinite.
			lrd[i] = 1e10
		} else {
			lrd[i] = float64(k) / sum
		}
	}

	// LOF = mean neighbour density / own density; raw score = LOF − 1.
	raw := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += lrd[j]
		}
		lof := sum / (float64(k) * lrd[i])
		if math.IsNaN(lof) || math.IsInf(lof, 0) {
			lof = 1
		}
		raw[i] = lof - 1
	}
	return raw
}
