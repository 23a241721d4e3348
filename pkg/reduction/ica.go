package reduction

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

const (
	defaultICAMaxIter = 200
	defaultICATol     = 1e-4
)

// ICAModel is a fitted FastICA decomposition.
type ICAModel struct {
	// Components is the unmixing matrix applied to centred data (k × features)
	Components *mat.Dense

	// Mixing is the pseudo-inverse of Components (features × k)
	Mixing *mat.Dense

	Mean []float64

	// Converged reports whether every component met the tolerance
	Converged bool
}

// ICAOptions tunes the fixed-point iteration.
type ICAOptions struct {
	MaxIter int
	Tol     float64
	Seed    int64
}

// FitICA runs deflation FastICA with the logcosh contrast on the rows of x,
// extracting n components after SVD whitening.
func FitICA(x mat.Matrix, n int, opts ICAOptions) (*ICAModel, error) {
	rows, p := x.Dims()
	if rows < 2 {
		return nil, fmt.Errorf("%w: ICA needs at least 2 samples, got %d", models.ErrDegenerateInput, rows)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: ICA needs at least one component, got %d", models.ErrInvalidConfiguration, n)
	}
	if limit := min(rows, p); n > limit {
		n = limit
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = defaultICAMaxIter
	}
	if opts.Tol <= 0 {
		opts.Tol = defaultICATol
	}

	mean := columnMeans(x)
	xc := center(x, mean)

	var svd mat.SVD
	if !svd.Factorize(xc, mat.SVDThin) {
		return nil, fmt.Errorf("ICA: SVD factorization failed")
	}
	d := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Whitening: K = sqrt(rows) * diag(1/d) * V[:, :n]ᵀ, whitened data X1 = K xcᵀ = sqrt(rows) * U[:, :n]ᵀ.
	scale := math.Sqrt(float64(rows))
	k := mat.NewDense(n, p, nil)
	white := mat.NewDense(n, rows, nil)
	for c := 0; c < n; c++ {
		if d[c] <= 0 {
			return nil, fmt.Errorf("%w: ICA data has rank %d, fewer than %d components", models.ErrDegenerateInput, c, n)
		}
		krow := k.RawRowView(c)
		mat.Col(krow, c, &v)
		floats.Scale(scale/d[c], krow)
		wrow := white.RawRowView(c)
		mat.Col(wrow, c, &u)
		floats.Scale(scale, wrow)
	}

	w, converged := deflation(white, n, opts)

	var comps mat.Dense
	comps.Mul(w, k)

	// Components has full row rank, so pinv = Cᵀ (C Cᵀ)⁻¹.
	var cct, inv mat.Dense
	cct.Mul(&comps, comps.T())
	if err := inv.Inverse(&cct); err != nil {
		return nil, fmt.Errorf("ICA: mixing matrix is singular: %v", err)
	}
	var mixing mat.Dense
	mixing.Mul(comps.T(), &inv)

	return &ICAModel{Components: &comps, Mixing: &mixing, Mean: mean, Converged: converged}, nil
}

// deflation estimates the unmixing rows one at a time, decorrelating each
// against those already found.
func deflation(x *mat.Dense, n int, opts ICAOptions) (*mat.Dense, bool) {
	_, samples := x.Dims()
	rng := rand.New(rand.NewSource(opts.Seed))
	w := mat.NewDense(n, n, nil)
	converged := true

	wx := make([]float64, samples)
	gwx := make([]float64, samples)
	for j := 0; j < n; j++ {
		cur := make([]float64, n)
		for i := range cur {
			cur[i] = rng.NormFloat64()
		}
		decorrelate(cur, w, j)
		floats.Scale(1/floats.Norm(cur, 2), cur)

		done := false
		for iter := 0; iter < opts.MaxIter; iter++ {
			// wx = curᵀ X, g = tanh, g' = 1 - tanh²
			for s := 0; s < samples; s++ {
				var dot float64
				for c := 0; c < n; c++ {
					dot += cur[c] * x.At(c, s)
				}
				wx[s] = dot
			}
			var gPrime float64
			for s, val := range wx {
				g := math.Tanh(val)
				gwx[s] = g
				gPrime += 1 - g*g
			}
			gPrime /= float64(samples)

			next := make([]float64, n)
			for c := 0; c < n; c++ {
				next[c] = floats.Dot(x.RawRowView(c), gwx)/float64(samples) - gPrime*cur[c]
			}
			decorrelate(next, w, j)
			floats.Scale(1/floats.Norm(next, 2), next)

			lim := math.Abs(math.Abs(floats.Dot(next, cur)) - 1)
			cur = next
			if lim < opts.Tol {
				done = true
				break
			}
		}
		if !done {
			converged = false
		}
		w.SetRow(j, cur)
	}
	return w, converged
}

// decorrelate removes from vec its projection on the first j rows of w.
func decorrelate(vec []float64, w *mat.Dense, j int) {
	for i := 0; i < j; i++ {
		row := w.RawRowView(i)
		floats.AddScaled(vec, -floats.Dot(vec, row), row)
	}
}

// NumComponents is the number of extracted sources.
func (m *ICAModel) NumComponents() int {
	r, _ := m.Components.Dims()
	return r
}

// Transform recovers the sources of rows of x.
func (m *ICAModel) Transform(x mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(center(x, m.Mean), m.Components.T())
	return &out
}

// InverseTransform mixes sources back into feature space.
func (m *ICAModel) InverseTransform(s mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(s, m.Mixing.T())
	addMean(&out, m.Mean)
	return &out
}
