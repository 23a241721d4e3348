package reduction

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"capcluster/internal/models"
)

// NormMethod rescales each feature column before decomposition.
type NormMethod string

const (
	NormNone    NormMethod = "none"
	NormPercent NormMethod = "percent"
	NormStddev  NormMethod = "stddev"
	NormZ       NormMethod = "z"
	NormP2P     NormMethod = "p2p"
	NormMAD     NormMethod = "mad"
)

// ParseNormMethod accepts the method names of the decomposition workflow.
func ParseNormMethod(name string) (NormMethod, error) {
	switch NormMethod(name) {
	case "", "None", NormNone:
		return NormNone, nil
	case NormPercent, NormStddev, NormZ, NormP2P, NormMAD:
		return NormMethod(name), nil
	}
	return NormNone, fmt.Errorf("%w: illegal normalization type %q", models.ErrInvalidConfiguration, name)
}

// columnScaling records what prenormalize did so it can be undone.
type columnScaling struct {
	mean   []float64
	demean bool
	factor []float64
}

// prenormalize optionally removes the column means, then divides each column
// by a factor chosen by method. The factor for "percent" is the column mean
// taken before demeaning; "z" divides by the variance.
func prenormalize(x *mat.Dense, method NormMethod, demean bool) (*mat.Dense, columnScaling) {
	n, p := x.Dims()
	out := mat.DenseCopyOf(x)
	sc := columnScaling{mean: columnMeans(x), demean: demean, factor: make([]float64, p)}
	if demean {
		for i := 0; i < n; i++ {
			row := out.RawRowView(i)
			for j := range row {
				row[j] -= sc.mean[j]
			}
		}
	}

	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, out)
		var f float64
		switch method {
		case NormPercent:
			f = sc.mean[j]
		case NormStddev:
			_, f = stat.PopMeanStdDev(col, nil)
		case NormZ:
			_, f = stat.PopMeanStdDev(col, nil)
			f *= f
		case NormP2P:
			lo, hi := col[0], col[0]
			for _, v := range col {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			f = hi - lo
		case NormMAD:
			f = mad(col)
		default:
			f = 1
		}
		if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			f = 1
		}
		sc.factor[j] = f
		for i := 0; i < n; i++ {
			out.Set(i, j, out.At(i, j)/f)
		}
	}
	return out, sc
}

// restore undoes prenormalize on a matrix in the normalized space.
func (sc columnScaling) restore(x *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(x)
	n, _ := out.Dims()
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] *= sc.factor[j]
			if sc.demean {
				row[j] += sc.mean[j]
			}
		}
	}
	return out
}

// mad is the median absolute deviation scaled to match the standard
// deviation of normally distributed data.
func mad(values []float64) float64 {
	const normal = 0.6744897501960817
	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return median(dev) / normal
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
