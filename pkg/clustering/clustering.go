// Package clustering assigns a cluster label to every row of a feature
// matrix. One algorithm is selected per run; k-means may be repeated with
// distinct seeds, each repeat producing its own label column.
package clustering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
	"capcluster/pkg/connectivity"
)

// Noise is the label given to rows that belong to no cluster.
const Noise = -1

// Labels holds one label column per repeat: Labels[r][i] is the label of
// row i in repeat r.
type Labels [][]int

// Algorithm names a clustering method.
type Algorithm int

const (
	KMeansAlgorithm Algorithm = iota
	AgglomerativeAlgorithm
	DBSCANAlgorithm
	HDBSCANAlgorithm
)

var algorithmNames = map[Algorithm]string{
	KMeansAlgorithm:        "kmeans",
	AgglomerativeAlgorithm: "agglomerative",
	DBSCANAlgorithm:        "dbscan",
	HDBSCANAlgorithm:       "hdbscan",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for a, n := range algorithmNames {
		if n == key {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown clustering algorithm %q: %w", name, models.ErrInvalidConfiguration)
}

// KMeansOptions configures k-means.
type KMeansOptions struct {
	K         int
	Repeats   int
	Batch     bool // mini-batch updates instead of full Lloyd iterations
	BatchSize int
	MaxIter   int
	NInit     int
	Tol       float64
	Seed      int64 // 0 derives the base seed from the clock
	Workers   int
}

// AgglomerativeOptions configures hierarchical clustering.
type AgglomerativeOptions struct {
	K            int
	Linkage      string
	Affinity     string
	KNeighbors   int
	Connectivity string // "knn" (default) or "spatial"
}

// DBSCANOptions configures DBSCAN.
type DBSCANOptions struct {
	Eps        float64
	MinSamples int
}

// HDBSCANOptions configures HDBSCAN.
type HDBSCANOptions struct {
	MinClusterSize int
	MinSamples     int
	Alpha          float64
	Eps            float64 // cluster selection epsilon
}

// Options selects an algorithm and carries the settings of every variant.
// Only the fields of the selected variant are read.
type Options struct {
	Algorithm     Algorithm
	KMeans        KMeansOptions
	Agglomerative AgglomerativeOptions
	DBSCAN        DBSCANOptions
	HDBSCAN       HDBSCANOptions
	Log           logrus.FieldLogger
}

// Result is the outcome of one clustering run.
type Result struct {
	Algorithm Algorithm
	Labels    Labels
	// NumClusters is the requested count for k-means and agglomerative, the
	// discovered count for the density-based methods.
	NumClusters int
	NoiseCount  int

	// k-means, per repeat
	Centers []*mat.Dense
	Inertia []float64
	Scores  []float64
	Seeds   []int64

	// agglomerative
	NComponents int
	NLeaves     int
	Merges      []Merge

	// hdbscan
	Probabilities []float64
}

// Dispatcher runs the configured algorithm.
type Dispatcher struct {
	opts Options
	log  logrus.FieldLogger
}

// NewDispatcher validates opts for the selected algorithm.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{opts: opts, log: log}, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrInvalidConfiguration)
}

func (o Options) validate() error {
	switch o.Algorithm {
	case KMeansAlgorithm:
		k := o.KMeans
		switch {
		case k.K < 2:
			return invalid("kmeans: cluster count %d, need at least 2", k.K)
		case k.Repeats < 1:
			return invalid("kmeans: repeats %d, need at least 1", k.Repeats)
		case k.MaxIter < 1:
			return invalid("kmeans: max iter %d, need at least 1", k.MaxIter)
		case k.Batch && k.BatchSize < 1:
			return invalid("kmeans: batch size %d, need at least 1", k.BatchSize)
		case !k.Batch && k.NInit < 1:
			return invalid("kmeans: n_init %d, need at least 1", k.NInit)
		case k.Tol < 0:
			return invalid("kmeans: negative tolerance %g", k.Tol)
		}
	case AgglomerativeAlgorithm:
		a := o.Agglomerative
		switch {
		case a.K < 2:
			return invalid("agglomerative: cluster count %d, need at least 2", a.K)
		case a.Linkage != "" && a.Linkage != "ward":
			return invalid("agglomerative: unsupported linkage %q", a.Linkage)
		case a.Affinity != "" && a.Affinity != "euclidean":
			return invalid("agglomerative: ward linkage needs euclidean affinity, got %q", a.Affinity)
		case a.Connectivity != "" && a.Connectivity != "knn" && a.Connectivity != "spatial":
			return invalid("agglomerative: unknown connectivity %q", a.Connectivity)
		case a.Connectivity != "spatial" && a.KNeighbors < 1:
			return invalid("agglomerative: k-neighbors %d, need at least 1", a.KNeighbors)
		}
	case DBSCANAlgorithm:
		switch {
		case o.DBSCAN.Eps <= 0:
			return invalid("dbscan: eps %g must be positive", o.DBSCAN.Eps)
		case o.DBSCAN.MinSamples < 1:
			return invalid("dbscan: min samples %d, need at least 1", o.DBSCAN.MinSamples)
		}
	case HDBSCANAlgorithm:
		h := o.HDBSCAN
		switch {
		case h.MinClusterSize < 2:
			return invalid("hdbscan: min cluster size %d, need at least 2", h.MinClusterSize)
		case h.MinSamples < 0:
			return invalid("hdbscan: negative min samples %d", h.MinSamples)
		case h.Alpha <= 0:
			return invalid("hdbscan: alpha %g must be positive", h.Alpha)
		case h.Eps < 0:
			return invalid("hdbscan: negative selection epsilon %g", h.Eps)
		}
	default:
		return invalid("unknown clustering algorithm %v", o.Algorithm)
	}
	return nil
}

// Algorithm returns the selected algorithm.
func (d *Dispatcher) Algorithm() Algorithm { return d.opts.Algorithm }

// NeedsSpatialConnectivity reports whether Run expects the voxel adjacency
// graph rather than building its own.
func (d *Dispatcher) NeedsSpatialConnectivity() bool {
	return d.opts.Algorithm == AgglomerativeAlgorithm && d.opts.Agglomerative.Connectivity == "spatial"
}

// Run clusters the rows of features. spatial is only read when
// NeedsSpatialConnectivity is true.
func (d *Dispatcher) Run(ctx context.Context, features *mat.Dense, spatial *connectivity.CSR) (*Result, error) {
	n, _ := features.Dims()
	if n == 0 {
		return nil, fmt.Errorf("no rows to cluster: %w", models.ErrDegenerateInput)
	}

	var (
		res *Result
		err error
	)
	start := time.Now()
	switch d.opts.Algorithm {
	case KMeansAlgorithm:
		opts := d.opts.KMeans
		if opts.Seed == 0 {
			opts.Seed = time.Now().UnixNano()
		}
		res, err = KMeans(ctx, features, opts)
	case AgglomerativeAlgorithm:
		var graph *connectivity.CSR
		if d.NeedsSpatialConnectivity() {
			if spatial == nil || spatial.N != n {
				return nil, fmt.Errorf("spatial connectivity does not cover %d rows: %w", n, models.ErrDimensionMismatch)
			}
			graph = spatial
		} else {
			graph = KNNGraph(features, d.opts.Agglomerative.KNeighbors)
		}
		res, err = Agglomerative(ctx, features, graph, d.opts.Agglomerative.K)
	case DBSCANAlgorithm:
		res, err = DBSCAN(ctx, features, d.opts.DBSCAN)
	case HDBSCANAlgorithm:
		res, err = HDBSCAN(features, d.opts.HDBSCAN)
	}
	if err != nil {
		return nil, fmt.Errorf("%v clustering failed: %w", d.opts.Algorithm, err)
	}

	fields := logrus.Fields{
		"algorithm": d.opts.Algorithm.String(),
		"rows":      n,
		"clusters":  res.NumClusters,
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}
	if res.NoiseCount > 0 {
		fields["noise"] = res.NoiseCount
	}
	if d.opts.Algorithm == AgglomerativeAlgorithm {
		fields["components"] = res.NComponents
		fields["leaves"] = res.NLeaves
	}
	if res.NumClusters == 0 {
		d.log.WithFields(fields).Warn("no clusters found; every row is noise")
	} else {
		d.log.WithFields(fields).Info("clustering complete")
	}
	return res, nil
}

// relabel maps cluster ids to 0..m-1 in order of first appearance, leaving
// Noise untouched. It returns m and the number of noise rows.
func relabel(labels []int) (int, int) {
	ids := make(map[int]int)
	noise := 0
	for i, l := range labels {
		if l == Noise {
			noise++
			continue
		}
		id, ok := ids[l]
		if !ok {
			id = len(ids)
			ids[l] = id
		}
		labels[i] = id
	}
	return len(ids), noise
}
