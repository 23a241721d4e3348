package clustering

import (
	"context"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// maxNoImprovement is the number of consecutive mini-batches without a
// lower smoothed inertia after which mini-batch k-means stops.
const maxNoImprovement = 10

type kmeansRun struct {
	labels  []int
	centers *mat.Dense
	inertia float64
}

// KMeans runs opts.Repeats independent k-means fits. Repeat r is seeded
// with opts.Seed+r, so results do not depend on opts.Workers.
func KMeans(ctx context.Context, x *mat.Dense, opts KMeansOptions) (*Result, error) {
	n, _ := x.Dims()
	k := opts.K
	if k > n {
		k = n
	}
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	tol := opts.Tol * meanVariance(x)

	runs := make([]kmeansRun, opts.Repeats)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for r := 0; r < opts.Repeats; r++ {
		r := r
		g.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(r)))
			var (
				run kmeansRun
				err error
			)
			if opts.Batch {
				run, err = miniBatchKMeans(ctx, x, k, opts, tol, rng)
			} else {
				run, err = fullKMeans(ctx, x, k, opts, tol, rng)
			}
			runs[r] = run
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Algorithm: KMeansAlgorithm, NumClusters: k}
	for r, run := range runs {
		res.Labels = append(res.Labels, run.labels)
		res.Centers = append(res.Centers, run.centers)
		res.Inertia = append(res.Inertia, run.inertia)
		res.Scores = append(res.Scores, DaviesBouldin(x, run.labels))
		res.Seeds = append(res.Seeds, opts.Seed+int64(r))
	}
	return res, nil
}

// fullKMeans runs Lloyd's algorithm from NInit k-means++ starts and keeps
// the lowest inertia.
func fullKMeans(ctx context.Context, x *mat.Dense, k int, opts KMeansOptions, tol float64, rng *rand.Rand) (kmeansRun, error) {
	best := kmeansRun{inertia: math.Inf(1)}
	for i := 0; i < opts.NInit; i++ {
		centers := kmeansPlusPlus(x, k, rng)
		labels, inertia, err := lloyd(ctx, x, centers, opts.MaxIter, tol)
		if err != nil {
			return kmeansRun{}, err
		}
		if inertia < best.inertia {
			best = kmeansRun{labels: labels, centers: centers, inertia: inertia}
		}
	}
	return best, nil
}

func lloyd(ctx context.Context, x, centers *mat.Dense, maxIter int, tol float64) ([]int, float64, error) {
	n, f := x.Dims()
	k, _ := centers.Dims()
	labels := make([]int, n)
	dist := make([]float64, n)
	sums := mat.NewDense(k, f, nil)
	counts := make([]int, k)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		changed := assign(x, centers, labels, dist)

		sums.Zero()
		for c := range counts {
			counts[c] = 0
		}
		for i := 0; i < n; i++ {
			floats.Add(sums.RawRowView(labels[i]), x.RawRowView(i))
			counts[labels[i]]++
		}

		var shift float64
		for c := 0; c < k; c++ {
			row := centers.RawRowView(c)
			next := sums.RawRowView(c)
			if counts[c] == 0 {
				// Relocate an empty cluster onto the worst-fit point.
				far := floats.MaxIdx(dist)
				copy(next, x.RawRowView(far))
				labels[far] = c
				dist[far] = 0
			} else {
				floats.Scale(1/float64(counts[c]), next)
			}
			shift += sqDist(row, next)
			copy(row, next)
		}
		if (iter > 0 && changed == 0) || shift <= tol {
			break
		}
	}
	assign(x, centers, labels, dist)
	return labels, floats.Sum(dist), nil
}

// miniBatchKMeans updates centers from random batches with per-center
// learning rates 1/count. MaxIter counts passes over the data.
func miniBatchKMeans(ctx context.Context, x *mat.Dense, k int, opts KMeansOptions, tol float64, rng *rand.Rand) (kmeansRun, error) {
	n, f := x.Dims()
	batch := opts.BatchSize
	if batch > n {
		batch = n
	}

	initSize := 3 * batch
	if initSize < k {
		initSize = k
	}
	if initSize > n {
		initSize = n
	}
	sample := mat.NewDense(initSize, f, nil)
	for i, row := range rng.Perm(n)[:initSize] {
		sample.SetRow(i, x.RawRowView(row))
	}
	centers := kmeansPlusPlus(sample, k, rng)

	counts := make([]float64, k)
	batchCounts := make([]int, k)
	sums := mat.NewDense(k, f, nil)
	steps := opts.MaxIter * ((n + batch - 1) / batch)
	alpha := math.Min(2*float64(batch)/float64(n+1), 1)
	ewa, bestEWA := math.NaN(), math.Inf(1)
	noImprovement := 0
	rows := make([]int, batch)
	owner := make([]int, batch)

	for step := 0; step < steps; step++ {
		if step%100 == 0 {
			if err := ctx.Err(); err != nil {
				return kmeansRun{}, err
			}
		}
		var batchInertia float64
		sums.Zero()
		for c := range batchCounts {
			batchCounts[c] = 0
		}
		for b := range rows {
			rows[b] = rng.Intn(n)
			c, d := nearest(x.RawRowView(rows[b]), centers)
			owner[b] = c
			batchInertia += d
			floats.Add(sums.RawRowView(c), x.RawRowView(rows[b]))
			batchCounts[c]++
		}

		var shift float64
		for c := 0; c < k; c++ {
			if batchCounts[c] == 0 {
				continue
			}
			row := centers.RawRowView(c)
			total := counts[c] + float64(batchCounts[c])
			var moved float64
			for j := range row {
				next := (row[j]*counts[c] + sums.At(c, j)) / total
				moved += (next - row[j]) * (next - row[j])
				row[j] = next
			}
			counts[c] = total
			shift += moved
		}

		batchInertia /= float64(batch)
		if math.IsNaN(ewa) {
			ewa = batchInertia
		} else {
			ewa = ewa*(1-alpha) + batchInertia*alpha
		}
		if step > 0 && tol > 0 && shift <= tol {
			break
		}
		if ewa < bestEWA {
			bestEWA = ewa
			noImprovement = 0
		} else if noImprovement++; noImprovement >= maxNoImprovement {
			break
		}
	}

	labels := make([]int, n)
	dist := make([]float64, n)
	assign(x, centers, labels, dist)
	return kmeansRun{labels: labels, centers: centers, inertia: floats.Sum(dist)}, nil
}

// kmeansPlusPlus picks k initial centers by D² sampling, taking the best of
// 2+log(k) candidates at each step.
func kmeansPlusPlus(x *mat.Dense, k int, rng *rand.Rand) *mat.Dense {
	n, f := x.Dims()
	centers := mat.NewDense(k, f, nil)
	trials := 2 + int(math.Log(float64(k)))

	first := rng.Intn(n)
	centers.SetRow(0, x.RawRowView(first))
	closest := make([]float64, n)
	for i := range closest {
		closest[i] = sqDist(x.RawRowView(i), x.RawRowView(first))
	}
	candidate := make([]float64, n)
	bestDist := make([]float64, n)

	for c := 1; c < k; c++ {
		potential := floats.Sum(closest)
		bestPotential := math.Inf(1)
		bestRow := -1
		for t := 0; t < trials; t++ {
			row := sampleWeighted(closest, potential, rng)
			var sum float64
			for i := range candidate {
				candidate[i] = math.Min(closest[i], sqDist(x.RawRowView(i), x.RawRowView(row)))
				sum += candidate[i]
			}
			if sum < bestPotential {
				bestPotential, bestRow = sum, row
				copy(bestDist, candidate)
			}
		}
		centers.SetRow(c, x.RawRowView(bestRow))
		copy(closest, bestDist)
	}
	return centers
}

func sampleWeighted(weights []float64, total float64, rng *rand.Rand) int {
	if total <= 0 {
		return rng.Intn(len(weights))
	}
	target := rng.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if acc > target {
			return i
		}
	}
	return len(weights) - 1
}

// assign labels every row with its nearest center, stores the squared
// distance in dist and returns the number of labels that changed.
func assign(x, centers *mat.Dense, labels []int, dist []float64) int {
	changed := 0
	for i := range labels {
		c, d := nearest(x.RawRowView(i), centers)
		if labels[i] != c {
			changed++
		}
		labels[i], dist[i] = c, d
	}
	return changed
}

func nearest(row []float64, centers *mat.Dense) (int, float64) {
	k, _ := centers.Dims()
	best, bestDist := 0, math.Inf(1)
	for c := 0; c < k; c++ {
		if d := sqDist(row, centers.RawRowView(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i, v := range a {
		d := v - b[i]
		sum += d * d
	}
	return sum
}

// meanVariance is the mean population variance of the columns of x.
// Convergence tolerances are relative to it.
func meanVariance(x *mat.Dense) float64 {
	n, f := x.Dims()
	col := make([]float64, n)
	var sum float64
	for j := 0; j < f; j++ {
		mat.Col(col, j, x)
		_, std := stat.PopMeanStdDev(col, nil)
		sum += std * std
	}
	return sum / float64(f)
}
