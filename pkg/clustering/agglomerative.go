package clustering

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"

	"capcluster/pkg/connectivity"
)

// Merge records one step of the hierarchy. Leaves are numbered 0..n-1 and
// the cluster created by merge m is n+m.
type Merge struct {
	Left, Right int
	Height      float64
	Size        int
}

// Agglomerative performs Ward clustering restricted to graph: only clusters
// joined by an edge may merge. Disconnected components are linked through
// their closest pair of rows first. Merging stops at k clusters.
func Agglomerative(ctx context.Context, x *mat.Dense, graph *connectivity.CSR, k int) (*Result, error) {
	n, _ := x.Dims()
	if k > n {
		k = n
	}
	nodes := 2*n - 1

	adjacency := make([]map[int]struct{}, nodes)
	for i := 0; i < n; i++ {
		adjacency[i] = make(map[int]struct{})
		for _, j := range graph.Neighbors(i) {
			if j != i {
				adjacency[i][j] = struct{}{}
			}
		}
	}
	components := connectedComponents(graph)
	if len(components) > 1 {
		joinComponents(x, components, adjacency)
	}

	size := make([]float64, nodes)
	centroid := make([][]float64, nodes)
	parent := make([]int, nodes)
	for i := range parent {
		parent[i] = -1
	}
	for i := 0; i < n; i++ {
		size[i] = 1
		centroid[i] = append([]float64(nil), x.RawRowView(i)...)
	}

	pq := &edgeHeap{}
	for i := 0; i < n; i++ {
		for j := range adjacency[i] {
			if i < j {
				pq.edges = append(pq.edges, wardEdge{i, j, wardDistance(size[i], centroid[i], size[j], centroid[j])})
			}
		}
	}
	heap.Init(pq)

	var merges []Merge
	for active, next := n, n; active > k && pq.Len() > 0; {
		e := heap.Pop(pq).(wardEdge)
		if parent[e.a] != -1 || parent[e.b] != -1 {
			continue
		}
		if len(merges)%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c := next
		next++
		active--
		parent[e.a], parent[e.b] = c, c
		size[c] = size[e.a] + size[e.b]
		centroid[c] = make([]float64, len(centroid[e.a]))
		for j := range centroid[c] {
			centroid[c][j] = (size[e.a]*centroid[e.a][j] + size[e.b]*centroid[e.b][j]) / size[c]
		}
		merges = append(merges, Merge{Left: e.a, Right: e.b, Height: math.Sqrt(2 * e.dist), Size: int(size[c])})

		adjacency[c] = make(map[int]struct{})
		for _, side := range []int{e.a, e.b} {
			for nb := range adjacency[side] {
				if nb == e.a || nb == e.b {
					continue
				}
				delete(adjacency[nb], e.a)
				delete(adjacency[nb], e.b)
				if _, ok := adjacency[c][nb]; ok {
					continue
				}
				adjacency[nb][c] = struct{}{}
				adjacency[c][nb] = struct{}{}
				heap.Push(pq, wardEdge{nb, c, wardDistance(size[nb], centroid[nb], size[c], centroid[c])})
			}
			adjacency[side] = nil
			centroid[side] = nil
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = root(parent, i)
	}
	count, _ := relabel(labels)
	return &Result{
		Algorithm:   AgglomerativeAlgorithm,
		Labels:      Labels{labels},
		NumClusters: count,
		NComponents: len(components),
		NLeaves:     n,
		Merges:      merges,
	}, nil
}

func root(parent []int, i int) int {
	r := i
	for parent[r] != -1 {
		r = parent[r]
	}
	for parent[i] != -1 {
		i, parent[i] = parent[i], r
	}
	return r
}

// wardDistance is the increase in within-cluster sum of squares caused by
// merging two clusters.
func wardDistance(na float64, ca []float64, nb float64, cb []float64) float64 {
	return na * nb / (na + nb) * sqDist(ca, cb)
}

// connectedComponents returns the components of graph, each sorted, ordered
// by their smallest member.
func connectedComponents(graph *connectivity.CSR) [][]int {
	g := simple.NewUndirectedGraph()
	for i := 0; i < graph.N; i++ {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < graph.N; i++ {
		for _, j := range graph.Neighbors(i) {
			if j > i {
				g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}
	var components [][]int
	for _, cc := range topo.ConnectedComponents(g) {
		members := make([]int, len(cc))
		for m, node := range cc {
			members[m] = int(node.ID())
		}
		sort.Ints(members)
		components = append(components, members)
	}
	sort.Slice(components, func(a, b int) bool { return components[a][0] < components[b][0] })
	return components
}

// joinComponents adds, for every pair of components, an edge between their
// closest rows.
func joinComponents(x *mat.Dense, components [][]int, adjacency []map[int]struct{}) {
	for a := 0; a < len(components); a++ {
		for b := a + 1; b < len(components); b++ {
			bi, bj, best := -1, -1, math.Inf(1)
			for _, i := range components[a] {
				for _, j := range components[b] {
					if d := sqDist(x.RawRowView(i), x.RawRowView(j)); d < best {
						bi, bj, best = i, j, d
					}
				}
			}
			adjacency[bi][bj] = struct{}{}
			adjacency[bj][bi] = struct{}{}
		}
	}
}

type wardEdge struct {
	a, b int
	dist float64
}

// edgeHeap is a min-heap of candidate merges, ties broken by node ids.
type edgeHeap struct {
	edges []wardEdge
}

func (h *edgeHeap) Len() int { return len(h.edges) }

func (h *edgeHeap) Less(i, j int) bool {
	a, b := h.edges[i], h.edges[j]
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if a.a != b.a {
		return a.a < b.a
	}
	return a.b < b.b
}

func (h *edgeHeap) Swap(i, j int) { h.edges[i], h.edges[j] = h.edges[j], h.edges[i] }

func (h *edgeHeap) Push(v interface{}) { h.edges = append(h.edges, v.(wardEdge)) }

func (h *edgeHeap) Pop() interface{} {
	last := h.edges[len(h.edges)-1]
	h.edges = h.edges[:len(h.edges)-1]
	return last
}
