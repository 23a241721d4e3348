// Package extract moves data between volume space and the dense
// valid-voxel × feature matrix the clustering stages work on.
//
// The valid-voxel index is the bijection between the two: row i of every
// feature matrix is voxel index[i], and index is strictly increasing.
package extract

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

// ValidVoxels returns the increasing linear indices of the voxels taking part
// in the run. With a mask, a voxel is valid when its mask value exceeds
// threshold. Without one, a voxel is valid when its time series varies.
func ValidVoxels(vol *models.Volume, mask *models.Volume, threshold float64) ([]int, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	n := vol.Dims.NumVoxels()
	var index []int

	if mask != nil {
		if err := CheckMask(vol.Dims, mask); err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			if mask.Data[i] > threshold {
				index = append(index, i)
			}
		}
	} else {
		for i := 0; i < n; i++ {
			lo, hi := vol.Data[i], vol.Data[i]
			for t := 1; t < vol.Dims.T; t++ {
				v := vol.Data[t*n+i]
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			if hi-lo > 0 {
				index = append(index, i)
			}
		}
	}

	if len(index) == 0 {
		return nil, fmt.Errorf("%w: no valid voxels in %s volume", models.ErrDegenerateInput, vol.Dims)
	}
	return index, nil
}

// CheckMask verifies a mask shares the data's spatial grid and is 3-D.
func CheckMask(data models.Dims, mask *models.Volume) error {
	if !data.SameSpace(mask.Dims) {
		return fmt.Errorf("%w: mask spatial dimensions %dx%dx%d do not match image %dx%dx%d",
			models.ErrDimensionMismatch, mask.Dims.X, mask.Dims.Y, mask.Dims.Z, data.X, data.Y, data.Z)
	}
	if mask.Dims.T != 1 {
		return fmt.Errorf("%w: mask must have only 3 dimensions, got %d time points",
			models.ErrDimensionMismatch, mask.Dims.T)
	}
	if len(mask.Data) != mask.Dims.NumVoxels() {
		return fmt.Errorf("%w: mask holds %d values for %s", models.ErrDimensionMismatch, len(mask.Data), mask.Dims)
	}
	return nil
}

// Extract returns the feature matrix of the valid voxels, one row per voxel,
// one column per time point, together with the valid-voxel index.
func Extract(vol *models.Volume, mask *models.Volume, threshold float64) (*mat.Dense, []int, error) {
	index, err := ValidVoxels(vol, mask, threshold)
	if err != nil {
		return nil, nil, err
	}
	return Gather(vol, index), index, nil
}

// Gather copies the time series of the voxels in index into a new matrix.
func Gather(vol *models.Volume, index []int) *mat.Dense {
	n := vol.Dims.NumVoxels()
	rows := mat.NewDense(len(index), vol.Dims.T, nil)
	for r, idx := range index {
		for t := 0; t < vol.Dims.T; t++ {
			rows.Set(r, t, vol.Data[t*n+idx])
		}
	}
	return rows
}

// Concatenate joins runs acquired on the same grid along the time axis.
// Every run must match the first one in space and in time extent.
func Concatenate(vols []*models.Volume) (*models.Volume, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: no input volumes", models.ErrInvalidConfiguration)
	}
	if len(vols) == 1 {
		return vols[0], nil
	}
	first := vols[0].Dims
	for i, v := range vols {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if !v.Dims.SameSpace(first) || v.Dims.T != first.T {
			return nil, fmt.Errorf("%w: all input data files must have the same dimensions (input %d is %s, expected %s)",
				models.ErrDimensionMismatch, i, v.Dims, first)
		}
	}

	dims := first
	dims.T = first.T * len(vols)
	out := &models.Volume{Dims: dims, Geometry: vols[0].Geometry, Data: make([]float64, 0, dims.NumVoxels()*dims.T)}
	// Time-major layout makes concatenation a plain append.
	for _, v := range vols {
		out.Data = append(out.Data, v.Data...)
	}
	return out, nil
}
