package coords

import (
	"fmt"
	"testing"
)

func TestStrides(t *testing.T) {
	got := Strides([]int{4, 3, 2})
	want := []int{1, 4, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Strides = %v, want %v", got, want)
		}
	}
}

// TestBijection checks that every index of a grid maps to coordinates and back.
func TestBijection(t *testing.T) {
	shapes := [][]int{
		{4, 4, 4},
		{5, 3, 2},
		{7},
		{2, 3, 4, 5},
	}
	for _, shape := range shapes {
		strides := Strides(shape)
		total := 1
		for _, n := range shape {
			total *= n
		}
		seen := make(map[string]bool, total)
		for i := 0; i < total; i++ {
			c := LinearToCoords(i, strides)
			for axis, v := range c {
				if v < 0 || v >= shape[axis] {
					t.Fatalf("shape %v: index %d gave out-of-grid coords %v", shape, i, c)
				}
			}
			key := fmt.Sprint(c)
			if seen[key] {
				t.Fatalf("shape %v: coords %v produced twice", shape, c)
			}
			seen[key] = true
			if back := CoordsToLinear(c, strides); back != i {
				t.Errorf("shape %v: CoordsToLinear(LinearToCoords(%d)) = %d", shape, i, back)
			}
		}
	}
}

func TestXYZFastPathMatchesGeneral(t *testing.T) {
	dims := [3]int{5, 4, 3}
	strides := Strides(dims[:])
	for i := 0; i < dims[0]*dims[1]*dims[2]; i++ {
		x, y, z := LinearToXYZ(i, dims)
		c := LinearToCoords(i, strides)
		if c[0] != x || c[1] != y || c[2] != z {
			t.Fatalf("index %d: fast path (%d,%d,%d), general %v", i, x, y, z, c)
		}
		if XYZToLinear(x, y, z, dims) != i {
			t.Fatalf("index %d: XYZToLinear round trip failed", i)
		}
	}
}
