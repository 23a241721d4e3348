package clustering

import (
	"context"
	"math"
	"math/rand"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
	"capcluster/pkg/connectivity"
)

// blobs draws per points around each center with the given spread, blob by
// blob, so rows [b*per, (b+1)*per) belong to blob b.
func blobs(seed int64, centers [][]float64, per int, spread float64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	dims := len(centers[0])
	x := mat.NewDense(len(centers)*per, dims, nil)
	for b, c := range centers {
		for i := 0; i < per; i++ {
			for d := 0; d < dims; d++ {
				x.Set(b*per+i, d, c[d]+spread*rng.NormFloat64())
			}
		}
	}
	return x
}

var threeCenters = [][]float64{{0, 0, 0}, {20, 0, 0}, {0, 20, 20}}

// requirePure checks that every blob carries a single label and that
// different blobs carry different labels.
func requirePure(t *testing.T, labels []int, blobCount, per int) {
	t.Helper()
	seen := make(map[int]int)
	for b := 0; b < blobCount; b++ {
		l := labels[b*per]
		require.NotEqual(t, Noise, l, "blob %d labelled noise", b)
		for i := b * per; i < (b+1)*per; i++ {
			require.Equal(t, l, labels[i], "blob %d row %d", b, i)
		}
		prev, dup := seen[l]
		require.False(t, dup, "blobs %d and %d share label %d", prev, b, l)
		seen[l] = b
	}
}

func TestParseAlgorithm(t *testing.T) {
	for name, want := range map[string]Algorithm{
		"kmeans":        KMeansAlgorithm,
		"Agglomerative": AgglomerativeAlgorithm,
		" dbscan ":      DBSCANAlgorithm,
		"hdbscan":       HDBSCANAlgorithm,
	} {
		got, err := ParseAlgorithm(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got)
	}
	_, err := ParseAlgorithm("spectral")
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestNewDispatcherValidation(t *testing.T) {
	kmeans := KMeansOptions{K: 4, Repeats: 1, MaxIter: 10, NInit: 1}
	tests := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"kmeans", Options{Algorithm: KMeansAlgorithm, KMeans: kmeans}, true},
		{"kmeans k=1", Options{Algorithm: KMeansAlgorithm, KMeans: KMeansOptions{K: 1, Repeats: 1, MaxIter: 10, NInit: 1}}, false},
		{"kmeans no repeats", Options{Algorithm: KMeansAlgorithm, KMeans: KMeansOptions{K: 2, MaxIter: 10, NInit: 1}}, false},
		{"kmeans batch size", Options{Algorithm: KMeansAlgorithm, KMeans: KMeansOptions{K: 2, Repeats: 1, MaxIter: 10, Batch: true}}, false},
		{"ward", Options{Algorithm: AgglomerativeAlgorithm, Agglomerative: AgglomerativeOptions{K: 2, Linkage: "ward", Affinity: "euclidean", KNeighbors: 10}}, true},
		{"average linkage", Options{Algorithm: AgglomerativeAlgorithm, Agglomerative: AgglomerativeOptions{K: 2, Linkage: "average", KNeighbors: 10}}, false},
		{"cosine ward", Options{Algorithm: AgglomerativeAlgorithm, Agglomerative: AgglomerativeOptions{K: 2, Affinity: "cosine", KNeighbors: 10}}, false},
		{"spatial ward", Options{Algorithm: AgglomerativeAlgorithm, Agglomerative: AgglomerativeOptions{K: 2, Connectivity: "spatial"}}, true},
		{"dbscan", Options{Algorithm: DBSCANAlgorithm, DBSCAN: DBSCANOptions{Eps: 0.3, MinSamples: 5}}, true},
		{"dbscan eps", Options{Algorithm: DBSCANAlgorithm, DBSCAN: DBSCANOptions{Eps: 0, MinSamples: 5}}, false},
		{"hdbscan", Options{Algorithm: HDBSCANAlgorithm, HDBSCAN: HDBSCANOptions{MinClusterSize: 5, Alpha: 1}}, true},
		{"hdbscan alpha", Options{Algorithm: HDBSCANAlgorithm, HDBSCAN: HDBSCANOptions{MinClusterSize: 5}}, false},
		{"unknown", Options{Algorithm: Algorithm(42)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(tt.opts)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, models.ErrInvalidConfiguration)
			}
		})
	}
}

func TestDBSCANTwoBlobs(t *testing.T) {
	x := blobs(7, [][]float64{{0, 0}, {10, 10}}, 50, 0.5)
	d, err := NewDispatcher(Options{Algorithm: DBSCANAlgorithm, DBSCAN: DBSCANOptions{Eps: 1.0, MinSamples: 5}})
	require.NoError(t, err)
	res, err := d.Run(context.Background(), x, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumClusters)
	require.Len(t, res.Labels, 1)

	// Core points of the two blobs never share a label.
	require.NotEqual(t, res.Labels[0][0], res.Labels[0][50])
}

func TestDBSCANAllNoise(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0, 10, 20, 30})
	res, err := DBSCAN(context.Background(), x, DBSCANOptions{Eps: 1, MinSamples: 2})
	require.NoError(t, err)
	require.Zero(t, res.NumClusters)
	require.Equal(t, 4, res.NoiseCount)
	for _, l := range res.Labels[0] {
		require.Equal(t, Noise, l)
	}
}

func TestKMeansBlobs(t *testing.T) {
	x := blobs(1, threeCenters, 40, 1)
	for _, batch := range []bool{false, true} {
		opts := KMeansOptions{K: 3, Repeats: 2, Batch: batch, BatchSize: 32, MaxIter: 100, NInit: 3, Tol: 1e-4, Seed: 11}
		res, err := KMeans(context.Background(), x, opts)
		require.NoError(t, err)
		require.Len(t, res.Labels, 2)
		require.Len(t, res.Centers, 2)
		require.Equal(t, []int64{11, 12}, res.Seeds)
		for r := range res.Labels {
			requirePure(t, res.Labels[r], 3, 40)
			require.Less(t, res.Scores[r], 0.5, "batch=%v repeat %d", batch, r)
		}
	}
}

func TestKMeansIndependentOfWorkers(t *testing.T) {
	x := blobs(3, threeCenters, 30, 4)
	opts := KMeansOptions{K: 3, Repeats: 5, MaxIter: 50, NInit: 2, Seed: 99, Workers: 1}
	serial, err := KMeans(context.Background(), x, opts)
	require.NoError(t, err)
	opts.Workers = 4
	parallel, err := KMeans(context.Background(), x, opts)
	require.NoError(t, err)
	require.Equal(t, serial.Labels, parallel.Labels)
	require.Equal(t, serial.Inertia, parallel.Inertia)
}

func TestKMeansCancelled(t *testing.T) {
	x := blobs(3, threeCenters, 30, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := KMeans(ctx, x, KMeansOptions{K: 3, Repeats: 2, MaxIter: 50, NInit: 1, Seed: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgglomerativeKNN(t *testing.T) {
	x := blobs(5, threeCenters, 30, 1)
	log, hook := logtest.NewNullLogger()
	d, err := NewDispatcher(Options{
		Algorithm:     AgglomerativeAlgorithm,
		Agglomerative: AgglomerativeOptions{K: 3, Linkage: "ward", Affinity: "euclidean", KNeighbors: 5},
		Log:           log,
	})
	require.NoError(t, err)
	res, err := d.Run(context.Background(), x, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.NumClusters)
	require.Equal(t, 90, res.NLeaves)
	// Five neighbours never reach across blobs twenty units apart.
	require.GreaterOrEqual(t, res.NComponents, 3)
	require.Len(t, res.Merges, 87)
	requirePure(t, res.Labels[0], 3, 30)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, res.NComponents, entry.Data["components"])
	require.Equal(t, 90, entry.Data["leaves"])
}

func TestAgglomerativeSpatial(t *testing.T) {
	// Ten points on a line, a chain graph, two obvious groups.
	values := []float64{0, 0.1, 0.2, 0.3, 0.4, 5, 5.1, 5.2, 5.3, 5.4}
	x := mat.NewDense(len(values), 1, values)
	var rows, cols []int32
	for i := 0; i < len(values); i++ {
		rows = append(rows, int32(i))
		cols = append(cols, int32(i))
		if i+1 < len(values) {
			rows = append(rows, int32(i))
			cols = append(cols, int32(i+1))
		}
	}
	spatial := connectivity.NewCSRFromUpper(len(values), rows, cols)

	d, err := NewDispatcher(Options{
		Algorithm:     AgglomerativeAlgorithm,
		Agglomerative: AgglomerativeOptions{K: 2, Connectivity: "spatial"},
	})
	require.NoError(t, err)
	require.True(t, d.NeedsSpatialConnectivity())

	_, err = d.Run(context.Background(), x, nil)
	require.ErrorIs(t, err, models.ErrDimensionMismatch)

	res, err := d.Run(context.Background(), x, spatial)
	require.NoError(t, err)
	require.Equal(t, 1, res.NComponents)
	requirePure(t, res.Labels[0], 2, 5)
}

func TestHDBSCANBlobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping HDBSCAN in short mode")
	}
	x := blobs(9, [][]float64{{0, 0}, {15, 15}}, 60, 0.8)
	res, err := HDBSCAN(x, HDBSCANOptions{MinClusterSize: 10, Alpha: 1})
	require.NoError(t, err)
	require.Equal(t, 2, res.NumClusters)
	require.Len(t, res.Probabilities, 120)
}

func TestDaviesBouldin(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0, 2, 10, 12})
	require.InDelta(t, 0.2, DaviesBouldin(x, []int{0, 0, 1, 1}), 1e-12)
	require.True(t, math.IsNaN(DaviesBouldin(x, []int{0, 0, 0, 0})))
	require.True(t, math.IsNaN(DaviesBouldin(x, []int{0, Noise, Noise, Noise})))
}

func TestKNNGraph(t *testing.T) {
	x := blobs(2, [][]float64{{0, 0}}, 25, 1)
	g := KNNGraph(x, 4)
	require.True(t, g.IsSymmetric())
	for i := 0; i < g.N; i++ {
		require.False(t, g.At(i, i), "self loop at %d", i)
		require.GreaterOrEqual(t, len(g.Neighbors(i)), 4)
	}
}

func TestRelabel(t *testing.T) {
	labels := []int{7, Noise, 3, 7, 3, 9}
	count, noise := relabel(labels)
	require.Equal(t, 3, count)
	require.Equal(t, 1, noise)
	require.Equal(t, []int{0, Noise, 1, 0, 1, 2}, labels)
}
