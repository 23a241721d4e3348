package extract

import (
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

// Scatter places row i of rows at voxel index[i] of a zero-filled volume with
// one frame per column. Voxels not in index stay zero.
func Scatter(rows mat.Matrix, index []int, dims models.Dims, geom models.Geometry) *models.Volume {
	r, c := rows.Dims()
	dims.T = c
	vol := models.NewVolume(dims, geom)
	n := dims.NumVoxels()
	for i := 0; i < r; i++ {
		idx := index[i]
		for t := 0; t < c; t++ {
			vol.Data[t*n+idx] = rows.At(i, t)
		}
	}
	return vol
}

// ScatterLabels writes label columns into a label volume, one frame per
// column. Labels are shifted by one so 0 marks voxels outside index; a noise
// label of -1 therefore lands on 0 as well.
func ScatterLabels(labels [][]int, index []int, dims models.Dims, geom models.Geometry) *models.LabelVolume {
	dims.T = len(labels)
	out := models.NewLabelVolume(dims, geom)
	n := dims.NumVoxels()
	for t, column := range labels {
		for i, label := range column {
			out.Data[t*n+index[i]] = int32(label + 1)
		}
	}
	return out
}
