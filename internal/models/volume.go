package models

import "fmt"

// Dims holds the extent of a 4-D volume. T is 1 for a 3-D volume such as a mask.
type Dims struct {
	X, Y, Z, T int
}

// Spatial returns the XYZ extent as an array, the form the coordinate mapper takes.
func (d Dims) Spatial() [3]int {
	return [3]int{d.X, d.Y, d.Z}
}

// NumVoxels is the number of spatial locations X*Y*Z.
func (d Dims) NumVoxels() int {
	return d.X * d.Y * d.Z
}

// SameSpace reports whether two volumes share a spatial grid.
func (d Dims) SameSpace(o Dims) bool {
	return d.X == o.X && d.Y == o.Y && d.Z == o.Z
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", d.X, d.Y, d.Z, d.T)
}

// Geometry carries the header information that must survive a read/write
// round trip untouched by the clustering code.
type Geometry struct {
	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// TR is the repetition time in seconds
	TR float64

	// Affine is the voxel-to-world transform, row major, 3 rows of 4.
	// A zero value means "use the voxel sizes only".
	Affine [12]float64
}

// Volume is a dense 4-D array of real values.
//
// Data is laid out x-fastest within each time point, and time points are
// stored as consecutive blocks:
//
//	Data[t*X*Y*Z + x + X*(y + Y*z)]
type Volume struct {
	Dims     Dims
	Geometry Geometry
	Data     []float64
}

// NewVolume allocates a zero-filled volume.
func NewVolume(dims Dims, geom Geometry) *Volume {
	return &Volume{
		Dims:     dims,
		Geometry: geom,
		Data:     make([]float64, dims.NumVoxels()*dims.T),
	}
}

// At returns the value at linear spatial index idx and time point t.
func (v *Volume) At(idx, t int) float64 {
	return v.Data[t*v.Dims.NumVoxels()+idx]
}

// Set stores a value at linear spatial index idx and time point t.
func (v *Volume) Set(idx, t int, value float64) {
	v.Data[t*v.Dims.NumVoxels()+idx] = value
}

// TimeSeries copies the time course of voxel idx into dst (allocating when dst is short).
func (v *Volume) TimeSeries(idx int, dst []float64) []float64 {
	if cap(dst) < v.Dims.T {
		dst = make([]float64, v.Dims.T)
	}
	dst = dst[:v.Dims.T]
	n := v.Dims.NumVoxels()
	for t := range dst {
		dst[t] = v.Data[t*n+idx]
	}
	return dst
}

// Validate checks that Data matches Dims.
func (v *Volume) Validate() error {
	if v.Dims.X <= 0 || v.Dims.Y <= 0 || v.Dims.Z <= 0 || v.Dims.T <= 0 {
		return fmt.Errorf("%w: non-positive volume extent %s", ErrDimensionMismatch, v.Dims)
	}
	if len(v.Data) != v.Dims.NumVoxels()*v.Dims.T {
		return fmt.Errorf("%w: volume %s holds %d values", ErrDimensionMismatch, v.Dims, len(v.Data))
	}
	return nil
}

// LabelVolume is an integer volume of cluster ids, one frame per repeat.
// 0 marks an excluded voxel; valid voxels carry 1-based cluster ids.
type LabelVolume struct {
	Dims     Dims
	Geometry Geometry
	Data     []int32
}

// NewLabelVolume allocates a zero-filled label volume.
func NewLabelVolume(dims Dims, geom Geometry) *LabelVolume {
	return &LabelVolume{
		Dims:     dims,
		Geometry: geom,
		Data:     make([]int32, dims.NumVoxels()*dims.T),
	}
}

// At returns the label of voxel idx in frame t.
func (l *LabelVolume) At(idx, t int) int32 {
	return l.Data[t*l.Dims.NumVoxels()+idx]
}
