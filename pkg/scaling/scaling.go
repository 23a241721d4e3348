// Package scaling rescales the feature matrix before reduction and clustering.
//
// Two transforms run in a fixed order: per-timepoint scaling across voxels,
// then per-voxel vector normalization across features. Each is a no-op
// unless enabled.
package scaling

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"capcluster/internal/models"
)

// Scaler selects the per-timepoint rescaling.
type Scaler int

const (
	None Scaler = iota
	// Robust centres on the median and divides by the interquartile range.
	Robust
	// Standard centres on the mean and divides by the population standard deviation.
	Standard
)

func (s Scaler) String() string {
	switch s {
	case Robust:
		return "robust"
	case Standard:
		return "standard"
	default:
		return "none"
	}
}

// ParseScaler maps a configuration name to a Scaler.
func ParseScaler(name string) (Scaler, error) {
	switch name {
	case "", "none", "None":
		return None, nil
	case "robust":
		return Robust, nil
	case "standard":
		return Standard, nil
	}
	return None, fmt.Errorf("%w: unknown scaler %q", models.ErrInvalidConfiguration, name)
}

// Interval is a half-open column range [Start, End).
type Interval struct {
	Start int `yaml:"start" toml:"start"`
	End   int `yaml:"end" toml:"end"`
}

// Options selects the transforms Apply performs.
type Options struct {
	Scaler    Scaler
	Normalize bool

	// Intervals partitions the feature columns. Empty means one interval
	// spanning every column.
	Intervals []Interval
}

// Apply runs the enabled transforms in order and returns the transformed
// matrix and the tags of the transforms that ran.
func Apply(m *mat.Dense, opts Options) (*mat.Dense, []string, error) {
	var tags []string
	out := m
	if opts.Scaler != None {
		scaled, err := ScaleTimepoints(out, opts.Scaler, opts.Intervals)
		if err != nil {
			return nil, nil, err
		}
		out = scaled
		tags = append(tags, opts.Scaler.String())
	}
	if opts.Normalize {
		out = NormalizeRows(out)
		tags = append(tags, "normalize")
	}
	return out, tags, nil
}

// CheckIntervals verifies intervals are non-empty, inside [0, cols) and disjoint.
func CheckIntervals(intervals []Interval, cols int) error {
	sorted := append([]Interval(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i, iv := range sorted {
		if iv.Start < 0 || iv.End > cols || iv.Start >= iv.End {
			return fmt.Errorf("%w: interval [%d, %d) is empty or outside %d columns",
				models.ErrInvalidConfiguration, iv.Start, iv.End, cols)
		}
		if i > 0 && iv.Start < sorted[i-1].End {
			return fmt.Errorf("%w: intervals [%d, %d) and [%d, %d) overlap",
				models.ErrInvalidConfiguration, sorted[i-1].Start, sorted[i-1].End, iv.Start, iv.End)
		}
	}
	return nil
}

// ScaleTimepoints rescales every column inside the intervals using
// statistics computed across all rows of that column. Columns outside the
// intervals are copied unchanged. A zero spread is treated as 1.
func ScaleTimepoints(m *mat.Dense, s Scaler, intervals []Interval) (*mat.Dense, error) {
	rows, cols := m.Dims()
	if len(intervals) == 0 {
		intervals = []Interval{{Start: 0, End: cols}}
	}
	if err := CheckIntervals(intervals, cols); err != nil {
		return nil, err
	}

	out := mat.DenseCopyOf(m)
	col := make([]float64, rows)
	for _, iv := range intervals {
		for j := iv.Start; j < iv.End; j++ {
			mat.Col(col, j, m)
			center, scale := columnStats(col, s)
			for i := 0; i < rows; i++ {
				out.Set(i, j, (m.At(i, j)-center)/scale)
			}
		}
	}
	return out, nil
}

func columnStats(col []float64, s Scaler) (center, scale float64) {
	switch s {
	case Robust:
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		center = percentile(sorted, 0.5)
		scale = percentile(sorted, 0.75) - percentile(sorted, 0.25)
	case Standard:
		center, scale = stat.PopMeanStdDev(col, nil)
	default:
		return 0, 1
	}
	if scale == 0 || math.IsNaN(scale) {
		scale = 1
	}
	return center, scale
}

// percentile interpolates linearly between closest ranks at (n-1)*p, the
// definition robust scaling is calibrated on. sorted must be ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	h := float64(len(sorted)-1) * p
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}

// NormalizeRows divides each row by its Euclidean norm. Rows with zero norm
// are divided by 1, i.e. left as they are.
func NormalizeRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		norm := floats.Norm(row, 2)
		if norm == 0 {
			norm = 1
		}
		floats.Scale(1/norm, row)
	}
	return out
}
