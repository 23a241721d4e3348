// Package filter holds the preprocessing applied to each input volume before
// voxels are extracted: spatial Gaussian smoothing of every frame and a
// temporal band-pass of every voxel's time series.
package filter

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"capcluster/internal/models"
)

// truncate is the kernel half-width in standard deviations.
const truncate = 4.0

// gaussianKernel returns normalized weights for offsets -r..r, or nil when
// sigma (in voxels) is too small to spread beyond the centre voxel.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return nil
	}
	r := int(truncate*sigma + 0.5)
	if r == 0 {
		return nil
	}
	k := make([]float64, 2*r+1)
	var sum float64
	for i := range k {
		x := float64(i - r)
		k[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// reflect maps an out-of-range offset back into [0, n) by mirroring about
// the edges, repeating the edge sample (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// convolveLines runs kernel k along one axis of a single frame in place.
// The axis has extent n and stride stride; lines start at every index whose
// coordinate along the axis is zero.
func convolveLines(frame []float64, dims [3]int, axis int, k []float64) {
	n := dims[axis]
	strides := [3]int{1, dims[0], dims[0] * dims[1]}
	stride := strides[axis]
	r := len(k) / 2
	line := make([]float64, n)

	for z := 0; z < dims[2]; z++ {
		if axis == 2 && z > 0 {
			break
		}
		for y := 0; y < dims[1]; y++ {
			if axis == 1 && y > 0 {
				break
			}
			for x := 0; x < dims[0]; x++ {
				if axis == 0 && x > 0 {
					break
				}
				base := x + dims[0]*(y+dims[1]*z)
				for i := 0; i < n; i++ {
					line[i] = frame[base+i*stride]
				}
				for i := 0; i < n; i++ {
					var acc float64
					for j, w := range k {
						acc += w * line[reflect(i+j-r, n)]
					}
					frame[base+i*stride] = acc
				}
			}
		}
	}
}

// SmoothSpatial convolves every frame of vol with an isotropic Gaussian of
// width sigma millimetres, separably along x, y and z. The per-axis width in
// voxels is sigma over that axis' voxel size; a non-positive voxel size
// counts as 1 mm. Frames are processed concurrently by up to workers
// goroutines (0 uses every CPU). vol is left untouched.
func SmoothSpatial(vol *models.Volume, sigma float64, workers int) (*models.Volume, error) {
	if sigma < 0 || math.IsNaN(sigma) {
		return nil, fmt.Errorf("%w: smoothing sigma %g", models.ErrInvalidConfiguration, sigma)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	out := &models.Volume{Dims: vol.Dims, Geometry: vol.Geometry, Data: append([]float64(nil), vol.Data...)}
	if sigma == 0 {
		return out, nil
	}

	size := vol.Geometry.VoxelSize
	var kernels [3][]float64
	for axis, mm := range [3]float64{size.X, size.Y, size.Z} {
		if mm <= 0 {
			mm = 1
		}
		kernels[axis] = gaussianKernel(sigma / mm)
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	dims := vol.Dims.Spatial()
	nv := vol.Dims.NumVoxels()
	var g errgroup.Group
	g.SetLimit(workers)
	for t := 0; t < vol.Dims.T; t++ {
		frame := out.Data[t*nv : (t+1)*nv]
		g.Go(func() error {
			for axis, k := range kernels {
				if k != nil && dims[axis] > 1 {
					convolveLines(frame, dims, axis, k)
				}
			}
			return nil
		})
	}
	return out, g.Wait()
}
