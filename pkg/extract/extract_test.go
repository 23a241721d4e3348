package extract

import (
	"errors"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
	"capcluster/pkg/coords"
)

// randomVolume fills a volume with noise, then makes the voxels inside the
// cube [lo, hi)³ constant over time.
func randomVolume(dims models.Dims, lo, hi int, seed int64) *models.Volume {
	rng := rand.New(rand.NewSource(seed))
	vol := models.NewVolume(dims, models.Geometry{})
	for i := range vol.Data {
		vol.Data[i] = rng.NormFloat64()
	}
	for z := lo; z < hi; z++ {
		for y := lo; y < hi; y++ {
			for x := lo; x < hi; x++ {
				idx := coords.XYZToLinear(x, y, z, dims.Spatial())
				for t := 0; t < dims.T; t++ {
					vol.Set(idx, t, 3.5)
				}
			}
		}
	}
	return vol
}

func TestUnmaskedExcludesConstantVoxels(t *testing.T) {
	dims := models.Dims{X: 4, Y: 4, Z: 4, T: 50}
	vol := randomVolume(dims, 1, 3, 1)

	features, index, err := Extract(vol, nil, 0.5)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(index) != 56 {
		t.Fatalf("Expected 56 valid voxels, got %d", len(index))
	}
	r, c := features.Dims()
	if r != 56 || c != 50 {
		t.Errorf("Expected 56x50 feature matrix, got %dx%d", r, c)
	}
	for i := 1; i < len(index); i++ {
		if index[i] <= index[i-1] {
			t.Fatalf("Index not strictly increasing at %d", i)
		}
	}
	for _, idx := range index {
		x, y, z := coords.LinearToXYZ(idx, dims.Spatial())
		if x >= 1 && x < 3 && y >= 1 && y < 3 && z >= 1 && z < 3 {
			t.Errorf("Constant voxel (%d,%d,%d) was kept", x, y, z)
		}
	}
}

// TestMaskInvariant checks that exactly the voxels above threshold are kept, once each.
func TestMaskInvariant(t *testing.T) {
	dims := models.Dims{X: 5, Y: 4, Z: 3, T: 6}
	vol := randomVolume(dims, 0, 0, 2)
	mask := models.NewVolume(models.Dims{X: 5, Y: 4, Z: 3, T: 1}, models.Geometry{})
	rng := rand.New(rand.NewSource(3))
	for i := range mask.Data {
		mask.Data[i] = rng.Float64()
	}

	index, err := ValidVoxels(vol, mask, 0.5)
	if err != nil {
		t.Fatalf("ValidVoxels failed: %v", err)
	}
	seen := make(map[int]int)
	for _, idx := range index {
		seen[idx]++
	}
	for i, m := range mask.Data {
		want := 0
		if m > 0.5 {
			want = 1
		}
		if seen[i] != want {
			t.Errorf("Voxel %d (mask %.3f) appears %d times, want %d", i, m, seen[i], want)
		}
	}
}

func TestMaskDimensionMismatch(t *testing.T) {
	vol := randomVolume(models.Dims{X: 4, Y: 4, Z: 4, T: 5}, 0, 0, 4)

	wrongSpace := models.NewVolume(models.Dims{X: 4, Y: 4, Z: 3, T: 1}, models.Geometry{})
	if _, _, err := Extract(vol, wrongSpace, 0.5); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch for spatial extent, got %v", err)
	}

	wrongTime := models.NewVolume(models.Dims{X: 4, Y: 4, Z: 4, T: 2}, models.Geometry{})
	if _, _, err := Extract(vol, wrongTime, 0.5); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch for 4-D mask, got %v", err)
	}
}

func TestFullyMaskedOut(t *testing.T) {
	vol := randomVolume(models.Dims{X: 2, Y: 2, Z: 2, T: 3}, 0, 0, 5)
	mask := models.NewVolume(models.Dims{X: 2, Y: 2, Z: 2, T: 1}, models.Geometry{})
	if _, _, err := Extract(vol, mask, 0.5); !errors.Is(err, models.ErrDegenerateInput) {
		t.Errorf("Expected degenerate input, got %v", err)
	}
}

// TestScatterGatherRoundTrip scatters rows to volume space and reads them back.
func TestScatterGatherRoundTrip(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 2, T: 1}
	index := []int{0, 3, 7, 8, 20, 23}
	rows := mat.NewDense(len(index), 3, nil)
	for i := 0; i < len(index); i++ {
		for j := 0; j < 3; j++ {
			rows.Set(i, j, float64(10*i+j+1))
		}
	}

	vol := Scatter(rows, index, dims, models.Geometry{})
	if vol.Dims.T != 3 {
		t.Fatalf("Expected 3 frames, got %d", vol.Dims.T)
	}
	back := Gather(vol, index)
	if !mat.Equal(rows, back) {
		t.Errorf("Round trip mismatch:\n%v\n%v", mat.Formatted(rows), mat.Formatted(back))
	}

	inIndex := map[int]bool{}
	for _, idx := range index {
		inIndex[idx] = true
	}
	for idx := 0; idx < dims.NumVoxels(); idx++ {
		if inIndex[idx] {
			continue
		}
		for f := 0; f < 3; f++ {
			if vol.At(idx, f) != 0 {
				t.Errorf("Excluded voxel %d frame %d is %v", idx, f, vol.At(idx, f))
			}
		}
	}
}

func TestScatterLabels(t *testing.T) {
	dims := models.Dims{X: 3, Y: 3, Z: 1, T: 1}
	index := []int{1, 4, 8}
	labels := [][]int{{0, 2, -1}, {1, 1, 0}}
	out := ScatterLabels(labels, index, dims, models.Geometry{})
	if out.Dims.T != 2 {
		t.Fatalf("Expected 2 frames, got %d", out.Dims.T)
	}
	if out.At(1, 0) != 1 || out.At(4, 0) != 3 || out.At(8, 0) != 0 {
		t.Errorf("Unexpected frame 0 labels: %v", out.Data[:9])
	}
	if out.At(1, 1) != 2 || out.At(8, 1) != 1 {
		t.Errorf("Unexpected frame 1 labels: %v", out.Data[9:])
	}
	if out.At(0, 0) != 0 || out.At(5, 1) != 0 {
		t.Error("Excluded voxels must be 0")
	}
}

func TestConcatenate(t *testing.T) {
	a := randomVolume(models.Dims{X: 2, Y: 2, Z: 2, T: 3}, 0, 0, 6)
	b := randomVolume(models.Dims{X: 2, Y: 2, Z: 2, T: 3}, 0, 0, 7)
	joined, err := Concatenate([]*models.Volume{a, b})
	if err != nil {
		t.Fatalf("Concatenate failed: %v", err)
	}
	if joined.Dims.T != 6 {
		t.Fatalf("Expected 6 time points, got %d", joined.Dims.T)
	}
	if joined.At(5, 4) != b.At(5, 1) {
		t.Error("Second run not appended after the first")
	}

	c := randomVolume(models.Dims{X: 2, Y: 2, Z: 2, T: 4}, 0, 0, 8)
	if _, err := Concatenate([]*models.Volume{a, c}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected dimension mismatch, got %v", err)
	}
}
