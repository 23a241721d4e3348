package reduction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

const (
	defaultSparseAlpha   = 1.0
	defaultSparseRidge   = 0.01
	defaultSparseMaxIter = 1000
	defaultSparseTol     = 1e-8
)

// SparsePCAOptions tunes FitSparsePCA. Zero values take the defaults.
type SparsePCAOptions struct {
	// Alpha is the L1 penalty on the components
	Alpha float64

	// RidgeAlpha regularizes the least-squares solve in Transform
	RidgeAlpha float64

	MaxIter int
	Tol     float64
}

// SparsePCAModel is a fitted sparse PCA. The centred data X is approximated
// by U·Components where the columns of U have norm at most 1 and the
// components carry an L1 penalty, so most loadings are exactly zero.
type SparsePCAModel struct {
	// Components holds one unit-norm (or all-zero) component per row
	Components *mat.Dense

	Mean       []float64
	RidgeAlpha float64

	Iterations int
	Converged  bool
}

// FitSparsePCA fits k sparse components to the rows of x by block
// coordinate descent, alternating a soft-thresholded update of each
// component with a norm-constrained update of its scores. The fit starts
// from the leading singular vectors and is deterministic.
func FitSparsePCA(x mat.Matrix, k int, opts SparsePCAOptions) (*SparsePCAModel, error) {
	n, p := x.Dims()
	if n < 2 {
		return nil, fmt.Errorf("%w: sparse PCA needs at least 2 samples, got %d", models.ErrDegenerateInput, n)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: sparse PCA needs at least one component, got %d", models.ErrInvalidConfiguration, k)
	}
	if limit := min(n, p); k > limit {
		k = limit
	}
	if opts.Alpha <= 0 {
		opts.Alpha = defaultSparseAlpha
	}
	if opts.RidgeAlpha <= 0 {
		opts.RidgeAlpha = defaultSparseRidge
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = defaultSparseMaxIter
	}
	if opts.Tol <= 0 {
		opts.Tol = defaultSparseTol
	}

	mean := columnMeans(x)
	xc := center(x, mean)

	var svd mat.SVD
	if !svd.Factorize(xc, mat.SVDThin) {
		return nil, fmt.Errorf("sparse PCA: SVD factorization failed")
	}
	values := svd.Values(nil)
	var uFull, vFull mat.Dense
	svd.UTo(&uFull)
	svd.VTo(&vFull)

	// scores is n×k with unit columns, comps is k×p.
	scores := mat.DenseCopyOf(uFull.Slice(0, n, 0, k))
	comps := mat.NewDense(k, p, nil)
	for c := 0; c < k; c++ {
		row := comps.RawRowView(c)
		mat.Col(row, c, &vFull)
		floats.Scale(values[c], row)
	}

	var resid mat.Dense
	resid.Mul(scores, comps)
	resid.Sub(xc, &resid)

	u := mat.NewVecDense(n, nil)
	v := mat.NewVecDense(p, nil)
	model := &SparsePCAModel{Mean: mean, RidgeAlpha: opts.RidgeAlpha}
	prev := sparseCost(&resid, comps, opts.Alpha)
	for iter := 1; iter <= opts.MaxIter; iter++ {
		for c := 0; c < k; c++ {
			mat.Col(u.RawVector().Data, c, scores)
			copy(v.RawVector().Data, comps.RawRowView(c))
			resid.RankOne(&resid, 1, u, v)

			// Component update: soft-thresholded projection of the residual.
			uu := mat.Dot(u, u)
			v.MulVec(resid.T(), u)
			for j, g := range v.RawVector().Data {
				if uu == 0 {
					v.SetVec(j, 0)
					continue
				}
				v.SetVec(j, softThreshold(g, opts.Alpha)/uu)
			}

			// Score update, keeping the column inside the unit ball. A
			// component shrunk to zero leaves its scores in place.
			if vv := mat.Dot(v, v); vv > 0 {
				u.MulVec(&resid, v)
				u.ScaleVec(1/vv, u)
				if norm := mat.Norm(u, 2); norm > 1 {
					u.ScaleVec(1/norm, u)
				}
			}

			scores.SetCol(c, u.RawVector().Data)
			comps.SetRow(c, v.RawVector().Data)
			resid.RankOne(&resid, -1, u, v)
		}

		cost := sparseCost(&resid, comps, opts.Alpha)
		model.Iterations = iter
		if prev-cost <= opts.Tol*prev {
			model.Converged = true
			break
		}
		prev = cost
	}

	for c := 0; c < k; c++ {
		row := comps.RawRowView(c)
		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1/norm, row)
		}
	}
	model.Components = comps
	return model, nil
}

func softThreshold(g, alpha float64) float64 {
	switch {
	case g > alpha:
		return g - alpha
	case g < -alpha:
		return g + alpha
	default:
		return 0
	}
}

func sparseCost(resid *mat.Dense, comps *mat.Dense, alpha float64) float64 {
	l1 := 0.0
	r, _ := comps.Dims()
	for c := 0; c < r; c++ {
		l1 += floats.Norm(comps.RawRowView(c), 1)
	}
	f := mat.Norm(resid, 2)
	return 0.5*f*f + alpha*l1
}

// NumComponents is the number of fitted components.
func (m *SparsePCAModel) NumComponents() int {
	r, _ := m.Components.Dims()
	return r
}

// Transform returns the ridge-regularized scores of the rows of x:
// (x - mean)·Cᵀ·(C·Cᵀ + ridge·I)⁻¹.
func (m *SparsePCAModel) Transform(x mat.Matrix) (*mat.Dense, error) {
	_, p := x.Dims()
	k, cp := m.Components.Dims()
	if p != cp {
		return nil, fmt.Errorf("%w: sparse PCA fitted on %d features, got %d", models.ErrDimensionMismatch, cp, p)
	}
	xc := center(x, m.Mean)

	gram := mat.NewSymDense(k, nil)
	gram.SymOuterK(1, m.Components)
	for i := 0; i < k; i++ {
		gram.SetSym(i, i, gram.At(i, i)+m.RidgeAlpha)
	}
	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		return nil, fmt.Errorf("sparse PCA: component Gram matrix is not positive definite")
	}

	var proj, sol mat.Dense
	proj.Mul(m.Components, xc.T())
	if err := chol.SolveTo(&sol, &proj); err != nil {
		return nil, fmt.Errorf("sparse PCA: %v", err)
	}
	return mat.DenseCopyOf(sol.T()), nil
}

// InverseTransform maps scores back to feature space: scores·C + mean.
func (m *SparsePCAModel) InverseTransform(scores mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(scores, m.Components)
	addMean(&out, m.Mean)
	return &out
}

// sparsity is the fraction of exactly zero loadings.
func (m *SparsePCAModel) sparsity() float64 {
	data := m.Components.RawMatrix().Data
	if len(data) == 0 {
		return math.NaN()
	}
	zeros := 0
	for _, v := range data {
		if v == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(data))
}
