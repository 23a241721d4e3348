// Package connectivity builds the spatial adjacency of a set of voxels.
//
// Two voxels are connected when the squared Euclidean distance between their
// grid coordinates is at most radius². The pairwise scan is O(n²), so the
// builder periodically persists a snapshot (row cursor plus the partial
// matrix) and a later Build with the same inputs resumes from it.
package connectivity

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"capcluster/internal/models"
	"capcluster/pkg/checkpoint"
	"capcluster/pkg/coords"
	"capcluster/pkg/serialize"
)

const (
	DefaultReportEvery     = 1000
	DefaultCheckpointEvery = 10000
)

// ProgressCallback is a function that reports progress during the pairwise scan
type ProgressCallback func(completed, total int, message string)

// Snapshot is the persisted state of an interrupted build.
type Snapshot struct {
	// Row is the first row not yet scanned
	Row       int
	NumPoints int
	Radius    float64

	// Rows and Cols are the upper-triangle entries found so far
	Rows []int32
	Cols []int32
}

// Builder computes spatial connectivity for voxels of a grid.
type Builder struct {
	Radius float64
	Shape  [3]int

	// ReportEvery is the progress cadence in rows
	ReportEvery int

	// CheckpointEvery is the snapshot cadence in rows
	CheckpointEvery int

	// Store receives snapshots. nil disables checkpointing.
	Store       checkpoint.Store
	Compression serialize.Compression

	// KeepCheckpoint leaves the last snapshot in Store after success
	KeepCheckpoint bool

	Progress ProgressCallback
	Log      logrus.FieldLogger
}

// NewBuilder returns a builder with the default cadences and no store.
func NewBuilder(radius float64, shape [3]int) *Builder {
	return &Builder{
		Radius:          radius,
		Shape:           shape,
		ReportEvery:     DefaultReportEvery,
		CheckpointEvery: DefaultCheckpointEvery,
		Compression:     serialize.Snappy,
		Log:             logrus.StandardLogger(),
	}
}

// Key identifies the checkpoint of a build over ptlist. It changes whenever
// the point list, grid or radius changes so a stale snapshot is never reused.
func (b *Builder) Key(ptlist []int) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, n := range b.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(b.Radius))
	h.Write(buf[:])
	for _, p := range ptlist {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		h.Write(buf[:])
	}
	return fmt.Sprintf("connectivity-%016x", h.Sum64())
}

// Build returns the symmetric adjacency of ptlist, row/column i being ptlist[i].
// Every point is connected to itself.
func (b *Builder) Build(ctx context.Context, ptlist []int) (*CSR, error) {
	if int(b.Radius) < 1 {
		return nil, fmt.Errorf("%w: invalid parameter: connectivity radius %g is less than one grid unit",
			models.ErrDegenerateInput, b.Radius)
	}
	n := len(ptlist)
	r2 := b.Radius * b.Radius

	points := make([][3]float64, n)
	for i, idx := range ptlist {
		x, y, z := coords.LinearToXYZ(idx, b.Shape)
		points[i] = [3]float64{float64(x), float64(y), float64(z)}
	}

	key := b.Key(ptlist)
	snap := b.resume(key, n)
	if snap.Row > 0 {
		b.logger().WithFields(logrus.Fields{"row": snap.Row, "total": n}).Info("Resuming connectivity from checkpoint")
	}

	for i := snap.Row; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pi := points[i]
		for j := i; j < n; j++ {
			dx := pi[0] - points[j][0]
			dy := pi[1] - points[j][1]
			dz := pi[2] - points[j][2]
			if dx*dx+dy*dy+dz*dz <= r2 {
				snap.Rows = append(snap.Rows, int32(i))
				snap.Cols = append(snap.Cols, int32(j))
			}
		}

		done := i + 1
		if b.ReportEvery > 0 && (done%b.ReportEvery == 0 || done == n) {
			b.report(done, n)
		}
		if b.Store != nil && b.CheckpointEvery > 0 && done%b.CheckpointEvery == 0 && done < n {
			snap.Row = done
			if err := b.save(key, snap); err != nil {
				return nil, fmt.Errorf("failed to write connectivity checkpoint: %w", err)
			}
		}
	}

	m := NewCSRFromUpper(n, snap.Rows, snap.Cols)
	if b.Store != nil && !b.KeepCheckpoint {
		if err := b.Store.Delete(key); err != nil {
			b.logger().Warnf("Failed to remove connectivity checkpoint %s: %v", key, err)
		}
	}
	return m, nil
}

func (b *Builder) resume(key string, n int) *Snapshot {
	fresh := &Snapshot{NumPoints: n, Radius: b.Radius}
	if b.Store == nil {
		return fresh
	}
	data, found, err := b.Store.Load(key)
	if err != nil {
		b.logger().Warnf("Ignoring unreadable connectivity checkpoint: %v", err)
		return fresh
	}
	if !found {
		return fresh
	}
	var snap Snapshot
	if err := serialize.Deserialize(data, &snap); err != nil {
		b.logger().Warnf("Ignoring corrupt connectivity checkpoint: %v", err)
		return fresh
	}
	if snap.NumPoints != n || snap.Radius != b.Radius || snap.Row < 0 || snap.Row > n {
		b.logger().Warnf("Ignoring connectivity checkpoint for %d points at radius %g", snap.NumPoints, snap.Radius)
		return fresh
	}
	return &snap
}

func (b *Builder) save(key string, snap *Snapshot) error {
	data, err := serialize.Serialize(snap, b.Compression, serialize.CRC32)
	if err != nil {
		return err
	}
	if err := b.Store.Save(key, data); err != nil {
		return err
	}
	b.logger().WithFields(logrus.Fields{
		"row":  snap.Row,
		"nnz":  len(snap.Rows),
		"size": humanize.Bytes(uint64(len(data))),
	}).Debug("Wrote connectivity checkpoint")
	return nil
}

func (b *Builder) report(done, total int) {
	if b.Progress != nil {
		b.Progress(done, total, "connectivity")
		return
	}
	b.logger().Infof("Connectivity: %d of %d rows (%.1f%%)", done, total, 100*float64(done)/float64(total))
}

func (b *Builder) logger() logrus.FieldLogger {
	if b.Log == nil {
		return logrus.StandardLogger()
	}
	return b.Log
}
