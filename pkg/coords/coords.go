// Package coords converts between flattened linear voxel indices and
// N-dimensional grid coordinates.
//
// Grids are x-fastest: stride[0] is 1 and each following stride is the
// product of the extents before it. All functions are pure; inputs outside
// the grid give undefined results and callers are expected to bound-check.
package coords

// Strides returns the x-fastest strides of a grid with the given extents.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	step := 1
	for i, n := range shape {
		strides[i] = step
		step *= n
	}
	return strides
}

// LinearToCoords splits a linear index into per-axis coordinates.
// strides must be ascending, as produced by Strides.
func LinearToCoords(index int, strides []int) []int {
	coords := make([]int, len(strides))
	for i := len(strides) - 1; i >= 0; i-- {
		coords[i] = index / strides[i]
		index -= coords[i] * strides[i]
	}
	return coords
}

// CoordsToLinear is the inverse of LinearToCoords.
func CoordsToLinear(coords, strides []int) int {
	index := 0
	for i, c := range coords {
		index += c * strides[i]
	}
	return index
}

// LinearToXYZ is the 3-D fast path of LinearToCoords.
func LinearToXYZ(index int, dims [3]int) (x, y, z int) {
	plane := dims[0] * dims[1]
	z = index / plane
	rem := index - z*plane
	y = rem / dims[0]
	x = rem - y*dims[0]
	return x, y, z
}

// XYZToLinear is the 3-D fast path of CoordsToLinear.
func XYZToLinear(x, y, z int, dims [3]int) int {
	return x + dims[0]*(y+dims[1]*z)
}
