package clustering

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DaviesBouldin returns the Davies–Bouldin index of a labelling: the mean
// over clusters of the worst (s_i + s_j) / d(c_i, c_j), where s is the mean
// distance of members to their centroid. Lower is better. Noise rows are
// ignored; fewer than two clusters give NaN.
func DaviesBouldin(x *mat.Dense, labels []int) float64 {
	_, f := x.Dims()
	index := make(map[int]int)
	for _, l := range labels {
		if l == Noise {
			continue
		}
		if _, ok := index[l]; !ok {
			index[l] = len(index)
		}
	}
	k := len(index)
	if k < 2 {
		return math.NaN()
	}

	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = make([]float64, f)
	}
	counts := make([]float64, k)
	for i, l := range labels {
		if l == Noise {
			continue
		}
		c := index[l]
		floats.Add(centroids[c], x.RawRowView(i))
		counts[c]++
	}
	for c := range centroids {
		floats.Scale(1/counts[c], centroids[c])
	}

	scatter := make([]float64, k)
	for i, l := range labels {
		if l == Noise {
			continue
		}
		c := index[l]
		scatter[c] += floats.Distance(x.RawRowView(i), centroids[c], 2)
	}
	for c := range scatter {
		scatter[c] /= counts[c]
	}

	var total float64
	for i := 0; i < k; i++ {
		worst := 0.0
		for j := 0; j < k; j++ {
			// Coincident centroids contribute nothing.
			d := floats.Distance(centroids[i], centroids[j], 2)
			if i == j || d == 0 {
				continue
			}
			if r := (scatter[i] + scatter[j]) / d; r > worst {
				worst = r
			}
		}
		total += worst
	}
	return total / float64(k)
}
