package clustering

import (
	"github.com/TrevorS/hdbscan"
	"gonum.org/v1/gonum/mat"
)

// HDBSCAN clusters the rows of x with github.com/TrevorS/hdbscan.
func HDBSCAN(x *mat.Dense, opts HDBSCANOptions) (*Result, error) {
	n, _ := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = x.RawRowView(i)
	}

	cfg := hdbscan.DefaultConfig()
	cfg.MinClusterSize = opts.MinClusterSize
	cfg.MinSamples = opts.MinSamples
	cfg.Alpha = opts.Alpha
	cfg.ClusterSelectionEpsilon = opts.Eps
	out, err := hdbscan.Cluster(rows, cfg)
	if err != nil {
		return nil, err
	}

	labels := append([]int(nil), out.Labels...)
	count, noise := relabel(labels)
	return &Result{
		Algorithm:     HDBSCANAlgorithm,
		Labels:        Labels{labels},
		NumClusters:   count,
		NoiseCount:    noise,
		Probabilities: out.Probabilities,
	}, nil
}
