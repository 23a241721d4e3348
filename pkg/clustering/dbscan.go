package clustering

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

const unvisited = -2

// DBSCAN labels dense regions as clusters and everything else as Noise. A
// row is a core point when at least MinSamples rows, itself included, lie
// within Eps of it.
func DBSCAN(ctx context.Context, x *mat.Dense, opts DBSCANOptions) (*Result, error) {
	n, _ := x.Dims()
	index := newNeighborIndex(x)
	r2 := opts.Eps * opts.Eps

	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}
	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		seeds := index.within(i, r2)
		if len(seeds) < opts.MinSamples {
			labels[i] = Noise
			continue
		}
		labels[i] = cluster
		for q := 0; q < len(seeds); q++ {
			j := seeds[q]
			if labels[j] == Noise {
				// border point
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := index.within(j, r2); len(more) >= opts.MinSamples {
				seeds = append(seeds, more...)
			}
		}
		cluster++
	}

	count, noise := relabel(labels)
	return &Result{
		Algorithm:   DBSCANAlgorithm,
		Labels:      Labels{labels},
		NumClusters: count,
		NoiseCount:  noise,
	}, nil
}
