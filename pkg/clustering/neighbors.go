package clustering

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"capcluster/pkg/connectivity"
)

// featurePoint is one row of the feature matrix. row survives the
// reordering kdtree.New performs on its input.
type featurePoint struct {
	row int
	x   []float64
}

// Compare implements the kdtree.Comparable interface
func (p featurePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.x[d] - c.(featurePoint).x[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p featurePoint) Dims() int { return len(p.x) }

// Distance returns the squared Euclidean distance between two points
func (p featurePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featurePoint)
	var sum float64
	for i, v := range p.x {
		d := v - q.x[i]
		sum += d * d
	}
	return sum
}

// featurePoints is a collection of featurePoint that satisfies kdtree.Interface
type featurePoints []featurePoint

func (p featurePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p featurePoints) Len() int                              { return len(p) }
func (p featurePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p featurePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(featurePlane{featurePoints: p, Dim: d}, kdtree.MedianOfRandoms(featurePlane{featurePoints: p, Dim: d}, 100))
}

// featurePlane implements sort.Interface and kdtree.SortSlicer for featurePoints
type featurePlane struct {
	featurePoints
	kdtree.Dim
}

func (p featurePlane) Less(i, j int) bool {
	return p.featurePoints[i].x[p.Dim] < p.featurePoints[j].x[p.Dim]
}

func (p featurePlane) Slice(start, end int) kdtree.SortSlicer {
	return featurePlane{featurePoints: p.featurePoints[start:end], Dim: p.Dim}
}

func (p featurePlane) Swap(i, j int) {
	p.featurePoints[i], p.featurePoints[j] = p.featurePoints[j], p.featurePoints[i]
}

// neighborIndex answers nearest-neighbour and radius queries over the rows
// of a feature matrix.
type neighborIndex struct {
	points []featurePoint
	tree   *kdtree.Tree
}

func newNeighborIndex(x *mat.Dense) *neighborIndex {
	n, _ := x.Dims()
	points := make([]featurePoint, n)
	for i := range points {
		points[i] = featurePoint{row: i, x: x.RawRowView(i)}
	}
	// kdtree.New reorders its argument; keep points in row order.
	treePoints := make(featurePoints, n)
	copy(treePoints, points)
	return &neighborIndex{points: points, tree: kdtree.New(treePoints, false)}
}

// within returns the rows whose squared distance to row i is at most r2,
// row i included.
func (ni *neighborIndex) within(i int, r2 float64) []int {
	keeper := kdtree.NewDistKeeper(r2)
	ni.tree.NearestSet(keeper, ni.points[i])
	rows := make([]int, 0, keeper.Len())
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		rows = append(rows, item.Comparable.(featurePoint).row)
	}
	return rows
}

// nearest returns the k rows closest to row i, excluding i itself.
func (ni *neighborIndex) nearest(i, k int) []int {
	keeper := kdtree.NewNKeeper(k + 1)
	ni.tree.NearestSet(keeper, ni.points[i])
	rows := make([]int, 0, k+1)
	far, farDist := -1, -1.0
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		row := item.Comparable.(featurePoint).row
		if row == i {
			continue
		}
		rows = append(rows, row)
		if item.Dist > farDist {
			far, farDist = len(rows)-1, item.Dist
		}
	}
	// Duplicate points can crowd i out of its own result set.
	if len(rows) > k {
		rows = append(rows[:far], rows[far+1:]...)
	}
	return rows
}

// KNNGraph returns the symmetrized k-nearest-neighbour graph of the rows of
// x: i and j are connected when either is among the other's k nearest.
// The graph carries no self-connections.
func KNNGraph(x *mat.Dense, k int) *connectivity.CSR {
	n, _ := x.Dims()
	if k > n-1 {
		k = n - 1
	}
	ni := newNeighborIndex(x)
	seen := make(map[[2]int32]struct{}, n*k)
	var rows, cols []int32
	for i := 0; i < n; i++ {
		for _, j := range ni.nearest(i, k) {
			a, b := int32(i), int32(j)
			if a > b {
				a, b = b, a
			}
			key := [2]int32{a, b}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, a)
			cols = append(cols, b)
		}
	}
	return connectivity.NewCSRFromUpper(n, rows, cols)
}
