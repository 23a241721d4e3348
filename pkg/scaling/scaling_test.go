package scaling

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"capcluster/internal/models"
)

func sampleMatrix() *mat.Dense {
	return mat.NewDense(5, 3, []float64{
		1, 10, 0,
		2, 20, 0,
		3, 30, 0,
		4, 40, 0,
		100, 50, 0,
	})
}

func TestStandardScaling(t *testing.T) {
	out, err := ScaleTimepoints(sampleMatrix(), Standard, nil)
	if err != nil {
		t.Fatalf("ScaleTimepoints failed: %v", err)
	}
	col := mat.Col(nil, 1, out)
	mean, std := stat.PopMeanStdDev(col, nil)
	if math.Abs(mean) > 1e-12 || math.Abs(std-1) > 1e-12 {
		t.Errorf("Expected zero mean unit std, got mean %g std %g", mean, std)
	}
	// Constant column has zero spread and must not produce NaN.
	for _, v := range mat.Col(nil, 2, out) {
		if v != 0 {
			t.Errorf("Constant column should centre to 0, got %g", v)
		}
	}
}

func TestRobustScaling(t *testing.T) {
	out, err := ScaleTimepoints(sampleMatrix(), Robust, nil)
	if err != nil {
		t.Fatalf("ScaleTimepoints failed: %v", err)
	}
	// The median of column 0 is 3 so that row maps to 0; the outlier does
	// not drag the centre as a mean would.
	if v := out.At(2, 0); math.Abs(v) > 1e-12 {
		t.Errorf("Median row should scale to 0, got %g", v)
	}
	if out.At(4, 0) <= out.At(3, 0) {
		t.Error("Robust scaling must preserve order")
	}
}

func TestIntervalsLeaveOtherColumnsAlone(t *testing.T) {
	in := sampleMatrix()
	out, err := ScaleTimepoints(in, Standard, []Interval{{Start: 1, End: 2}})
	if err != nil {
		t.Fatalf("ScaleTimepoints failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if out.At(i, 0) != in.At(i, 0) {
			t.Fatalf("Column 0 outside the interval was modified")
		}
	}
	if out.At(0, 1) == in.At(0, 1) {
		t.Error("Column 1 inside the interval was not scaled")
	}
}

func TestBadIntervals(t *testing.T) {
	cases := map[string][]Interval{
		"overlap": {{Start: 0, End: 2}, {Start: 1, End: 3}},
		"range":   {{Start: 0, End: 4}},
		"empty":   {{Start: 2, End: 2}},
	}
	for name, iv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ScaleTimepoints(sampleMatrix(), Robust, iv)
			if !errors.Is(err, models.ErrInvalidConfiguration) {
				t.Errorf("Expected invalid configuration, got %v", err)
			}
		})
	}
}

func TestNormalizeRows(t *testing.T) {
	in := mat.NewDense(3, 2, []float64{3, 4, 0, 0, -1, 0})
	out := NormalizeRows(in)
	if n := floats.Norm(out.RawRowView(0), 2); math.Abs(n-1) > 1e-12 {
		t.Errorf("Row 0 norm %g, want 1", n)
	}
	if out.At(1, 0) != 0 || out.At(1, 1) != 0 {
		t.Error("Zero row must stay zero")
	}
	if math.Abs(out.At(0, 0)-0.6) > 1e-12 {
		t.Errorf("Expected 0.6, got %g", out.At(0, 0))
	}
}

func TestApplyOrderAndTags(t *testing.T) {
	out, tags, err := Apply(sampleMatrix(), Options{Scaler: Standard, Normalize: true})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(tags) != 2 || tags[0] != "standard" || tags[1] != "normalize" {
		t.Errorf("Unexpected tags %v", tags)
	}
	// Normalization runs last, so every non-zero row has unit norm.
	for i := 0; i < 5; i++ {
		if n := floats.Norm(out.RawRowView(i), 2); n != 0 && math.Abs(n-1) > 1e-12 {
			t.Errorf("Row %d norm %g", i, n)
		}
	}

	same, tags, err := Apply(sampleMatrix(), Options{})
	if err != nil || len(tags) != 0 || !mat.Equal(same, sampleMatrix()) {
		t.Error("Apply with no options must be a no-op")
	}
}

func TestParseScaler(t *testing.T) {
	if s, err := ParseScaler("robust"); err != nil || s != Robust {
		t.Errorf("ParseScaler(robust) = %v, %v", s, err)
	}
	if _, err := ParseScaler("minmax"); !errors.Is(err, models.ErrInvalidConfiguration) {
		t.Errorf("Expected invalid configuration, got %v", err)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	cases := []struct{ p, want float64 }{
		{0, 1}, {0.25, 1.75}, {0.5, 2.5}, {0.75, 3.25}, {1, 4},
	}
	for _, c := range cases {
		if got := percentile(sorted, c.p); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("percentile(%v) = %g, want %g", c.p, got, c.want)
		}
	}
}
