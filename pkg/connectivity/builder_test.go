package connectivity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"capcluster/internal/models"
	"capcluster/pkg/checkpoint"
	"capcluster/pkg/coords"
)

// fullGrid lists every voxel of a grid in linear order.
func fullGrid(shape [3]int) []int {
	n := shape[0] * shape[1] * shape[2]
	pts := make([]int, n)
	for i := range pts {
		pts[i] = i
	}
	return pts
}

func TestBuildSymmetricWithSelfLoops(t *testing.T) {
	shape := [3]int{4, 3, 3}
	pts := fullGrid(shape)
	b := NewBuilder(1.0, shape)
	b.ReportEvery = 0

	m, err := b.Build(context.Background(), pts)
	require.NoError(t, err)
	require.Equal(t, len(pts), m.N)
	require.True(t, m.IsSymmetric())
	for i := range pts {
		require.True(t, m.At(i, i), "voxel %d not connected to itself", i)
	}

	// Radius 1 on a grid is the 6-neighbourhood.
	for i := range pts {
		x, y, z := coords.LinearToXYZ(pts[i], shape)
		want := 1
		for _, d := range [][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
			nx, ny, nz := x+d[0], y+d[1], z+d[2]
			if nx >= 0 && nx < shape[0] && ny >= 0 && ny < shape[1] && nz >= 0 && nz < shape[2] {
				want++
			}
		}
		require.Len(t, m.Neighbors(i), want, "voxel %d", i)
	}
}

func TestBuildLargerRadius(t *testing.T) {
	shape := [3]int{5, 5, 5}
	pts := []int{
		coords.XYZToLinear(0, 0, 0, shape),
		coords.XYZToLinear(1, 1, 0, shape),
		coords.XYZToLinear(4, 4, 4, shape),
	}
	b := NewBuilder(1.5, shape)
	b.ReportEvery = 0
	m, err := b.Build(context.Background(), pts)
	require.NoError(t, err)
	require.True(t, m.At(0, 1))
	require.True(t, m.At(1, 0))
	require.False(t, m.At(0, 2))
	require.Equal(t, 5, m.NNZ())
}

func TestBuildRejectsSubUnitRadius(t *testing.T) {
	b := NewBuilder(0.9, [3]int{2, 2, 2})
	_, err := b.Build(context.Background(), []int{0, 1, 2})
	require.Error(t, err)
	require.True(t, errors.Is(err, models.ErrDegenerateInput))
}

// TestResumeFromCheckpoint interrupts a build after a snapshot was written
// and checks that a fresh builder resumes from it and produces the same matrix.
func TestResumeFromCheckpoint(t *testing.T) {
	shape := [3]int{4, 4, 2}
	pts := fullGrid(shape)

	reference, err := (&Builder{Radius: 2, Shape: shape}).Build(context.Background(), pts)
	require.NoError(t, err)

	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := NewBuilder(2, shape)
	first.Store = store
	first.ReportEvery = 1
	first.CheckpointEvery = 8
	first.Progress = func(completed, total int, _ string) {
		if completed == 13 {
			cancel()
		}
	}
	_, err = first.Build(ctx, pts)
	require.ErrorIs(t, err, context.Canceled)

	_, found, err := store.Load(first.Key(pts))
	require.NoError(t, err)
	require.True(t, found, "checkpoint should survive an interrupted build")

	var firstReport int
	second := NewBuilder(2, shape)
	second.Store = store
	second.ReportEvery = 1
	second.CheckpointEvery = 8
	second.Progress = func(completed, total int, _ string) {
		if firstReport == 0 {
			firstReport = completed
		}
	}
	resumed, err := second.Build(context.Background(), pts)
	require.NoError(t, err)
	require.Equal(t, 9, firstReport, "resumed build should start after the row-8 snapshot")
	require.Equal(t, reference.Indptr, resumed.Indptr)
	require.Equal(t, reference.Indices, resumed.Indices)

	_, found, err = store.Load(second.Key(pts))
	require.NoError(t, err)
	require.False(t, found, "checkpoint should be removed after success")
}

func TestStaleCheckpointIgnored(t *testing.T) {
	shape := [3]int{3, 3, 3}
	pts := fullGrid(shape)
	store, err := checkpoint.OpenBadger("", true, nil)
	require.NoError(t, err)
	defer store.Close()

	b := NewBuilder(1, shape)
	b.Store = store
	b.ReportEvery = 0
	require.NoError(t, store.Save(b.Key(pts), []byte("not a snapshot")))

	m, err := b.Build(context.Background(), pts)
	require.NoError(t, err)
	require.True(t, m.IsSymmetric())
}

func TestKeyDependsOnInputs(t *testing.T) {
	b := NewBuilder(1, [3]int{3, 3, 3})
	k1 := b.Key([]int{0, 1, 2})
	k2 := b.Key([]int{0, 1, 3})
	b.Radius = 2
	k3 := b.Key([]int{0, 1, 2})
	require.NotEqual(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
