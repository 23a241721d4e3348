package reduction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

// PCAModel is a fitted principal component analysis.
type PCAModel struct {
	// Components holds one component per row (k × features), sorted by
	// decreasing explained variance
	Components *mat.Dense

	// Mean is the per-feature mean removed before projection
	Mean []float64

	// ExplainedVariance is the variance captured by each retained component
	ExplainedVariance []float64

	// ExplainedVarianceRatio is ExplainedVariance over the total variance
	ExplainedVarianceRatio []float64
}

// FitPCA fits a PCA to the rows of x.
//
// target selects the number of components: target <= 0 picks it with
// Minka's MLE over the full spectrum, 0 < target < 1 keeps the fewest
// components whose cumulative explained variance ratio exceeds target, and
// target >= 1 keeps int(target) components (capped at the rank).
func FitPCA(x mat.Matrix, target float64) (*PCAModel, error) {
	n, p := x.Dims()
	if n < 2 {
		return nil, fmt.Errorf("%w: PCA needs at least 2 samples, got %d", models.ErrDegenerateInput, n)
	}

	mean := columnMeans(x)
	xc := center(x, mean)

	var svd mat.SVD
	if !svd.Factorize(xc, mat.SVDThin) {
		return nil, fmt.Errorf("PCA: SVD factorization failed")
	}
	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	variance := make([]float64, len(values))
	for i, s := range values {
		variance[i] = s * s / float64(n-1)
	}
	total := floats.Sum(variance)
	ratio := make([]float64, len(variance))
	if total > 0 {
		for i := range variance {
			ratio[i] = variance[i] / total
		}
	}

	k := chooseComponents(target, variance, ratio, n)

	comps := mat.NewDense(k, p, nil)
	for c := 0; c < k; c++ {
		row := comps.RawRowView(c)
		mat.Col(row, c, &v)
		flipSign(row)
	}

	return &PCAModel{
		Components:             comps,
		Mean:                   mean,
		ExplainedVariance:      append([]float64(nil), variance[:k]...),
		ExplainedVarianceRatio: append([]float64(nil), ratio[:k]...),
	}, nil
}

func chooseComponents(target float64, variance, ratio []float64, n int) int {
	rank := len(variance)
	switch {
	case target <= 0:
		return inferDimension(variance, n)
	case target < 1:
		var cum float64
		k := 0
		for _, r := range ratio {
			cum += r
			if cum > target {
				break
			}
			k++
		}
		k++
		if k > rank {
			k = rank
		}
		return k
	default:
		k := int(target)
		if k > rank {
			k = rank
		}
		return k
	}
}

// flipSign makes the entry of largest magnitude positive so fits are
// deterministic across SVD implementations.
func flipSign(row []float64) {
	best := 0
	for i, v := range row {
		if math.Abs(v) > math.Abs(row[best]) {
			best = i
		}
	}
	if row[best] < 0 {
		floats.Scale(-1, row)
	}
}

// NumComponents is the number of retained components.
func (m *PCAModel) NumComponents() int {
	r, _ := m.Components.Dims()
	return r
}

// Transform projects rows of x onto the components.
func (m *PCAModel) Transform(x mat.Matrix) (*mat.Dense, error) {
	_, p := x.Dims()
	if _, q := m.Components.Dims(); p != q {
		return nil, fmt.Errorf("%w: PCA model has %d features, data has %d", models.ErrDimensionMismatch, q, p)
	}
	var out mat.Dense
	out.Mul(center(x, m.Mean), m.Components.T())
	return &out, nil
}

// InverseTransform maps projected rows back to feature space.
func (m *PCAModel) InverseTransform(z mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(z, m.Components)
	addMean(&out, m.Mean)
	return &out
}

// inferDimension implements Minka's "Automatic choice of dimensionality for
// PCA" (NIPS 2000) over the explained-variance spectrum.
func inferDimension(spectrum []float64, n int) int {
	if len(spectrum) < 2 {
		return len(spectrum)
	}
	best, bestLL := 1, math.Inf(-1)
	for rank := 1; rank < len(spectrum); rank++ {
		if ll := assessDimension(spectrum, rank, n); ll > bestLL {
			best, bestLL = rank, ll
		}
	}
	return best
}

func assessDimension(spectrum []float64, rank, n int) float64 {
	const eps = 1e-15
	p := len(spectrum)
	ns := float64(n)
	if spectrum[rank-1] < eps {
		return math.Inf(-1)
	}

	pu := -float64(rank) * math.Ln2
	for i := 1; i <= rank; i++ {
		lg, _ := math.Lgamma(float64(p-i+1) / 2)
		pu += lg - math.Log(math.Pi)*float64(p-i+1)/2
	}

	var pl float64
	for _, s := range spectrum[:rank] {
		pl += math.Log(s)
	}
	pl = -pl * ns / 2

	v := math.Max(eps, floats.Sum(spectrum[rank:])/float64(p-rank))
	pv := -math.Log(v) * ns * float64(p-rank) / 2

	m := float64(p*rank) - float64(rank)*float64(rank+1)/2
	pp := math.Log(2*math.Pi) * (m + float64(rank)) / 2

	tail := func(i int) float64 {
		if i >= rank {
			return v
		}
		return spectrum[i]
	}
	var pa float64
	for i := 0; i < rank; i++ {
		for j := i + 1; j < p; j++ {
			pa += math.Log((spectrum[i]-spectrum[j])*(1/tail(j)-1/tail(i))) + math.Log(ns)
		}
	}

	return pu + pl + pv + pp - pa/2 - float64(rank)*math.Log(ns)/2
}

func columnMeans(x mat.Matrix) []float64 {
	n, p := x.Dims()
	mean := make([]float64, p)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			mean[j] += x.At(i, j)
		}
	}
	floats.Scale(1/float64(n), mean)
	return mean
}

func center(x mat.Matrix, mean []float64) *mat.Dense {
	out := mat.DenseCopyOf(x)
	n, _ := out.Dims()
	for i := 0; i < n; i++ {
		floats.Sub(out.RawRowView(i), mean)
	}
	return out
}

func addMean(x *mat.Dense, mean []float64) {
	n, _ := x.Dims()
	for i := 0; i < n; i++ {
		floats.Add(x.RawRowView(i), mean)
	}
}
