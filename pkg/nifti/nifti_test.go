package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"capcluster/internal/models"
)

func testVolume() *models.Volume {
	var geom models.Geometry
	geom.VoxelSize.X, geom.VoxelSize.Y, geom.VoxelSize.Z = 2, 2, 3
	geom.TR = 1.5
	geom.Affine = [12]float64{2, 0, 0, -10, 0, 2, 0, -12, 0, 0, 3, 4}
	vol := models.NewVolume(models.Dims{X: 3, Y: 4, Z: 2, T: 5}, geom)
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 0.25
	}
	return vol
}

func TestHeaderSize(t *testing.T) {
	if got := binary.Size(Header{}); got != minHeaderSize {
		t.Fatalf("Header encodes to %d bytes, expected %d", got, minHeaderSize)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			vol := testVolume()
			path := filepath.Join(dir, name)
			if err := Write(path, vol); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			got, err := Read(path)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if got.Dims != vol.Dims {
				t.Fatalf("Expected dims %s, got %s", vol.Dims, got.Dims)
			}
			if got.Geometry != vol.Geometry {
				t.Errorf("Geometry not preserved: %+v vs %+v", got.Geometry, vol.Geometry)
			}
			for i := range vol.Data {
				if got.Data[i] != vol.Data[i] {
					t.Fatalf("Value %d: expected %g, got %g", i, vol.Data[i], got.Data[i])
				}
			}
		})
	}
}

func TestWriteLabels(t *testing.T) {
	labels := models.NewLabelVolume(models.Dims{X: 2, Y: 2, Z: 1, T: 2}, models.Geometry{})
	copy(labels.Data, []int32{0, 1, 2, 3, 4, 0, 0, 1})
	path := filepath.Join(t.TempDir(), "labels.nii.gz")
	if err := WriteLabels(path, labels); err != nil {
		t.Fatalf("WriteLabels failed: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Dims != labels.Dims {
		t.Fatalf("Expected dims %s, got %s", labels.Dims, got.Dims)
	}
	for i, v := range labels.Data {
		if got.Data[i] != float64(v) {
			t.Errorf("Label %d: expected %d, got %g", i, v, got.Data[i])
		}
	}
}

func TestDecodeScalingAndTypes(t *testing.T) {
	h := newHeader(models.Dims{X: 2, Y: 1, Z: 1, T: 1}, models.Geometry{}, dtInt16)
	h.SclSlope, h.SclInter = 2, 1
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload, uint16(0xFFFF)) // -1
	binary.LittleEndian.PutUint16(payload[2:], 7)
	var buf bytes.Buffer
	if err := Encode(&buf, h, payload); err != nil {
		t.Fatal(err)
	}
	vol, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if vol.Data[0] != -1 || vol.Data[1] != 15 {
		t.Errorf("Expected [-1 15], got %v", vol.Data)
	}
	if vol.Dims.T != 1 {
		t.Errorf("3D file should have T=1, got %d", vol.Dims.T)
	}
}

func TestDecodeTruncated(t *testing.T) {
	h := newHeader(models.Dims{X: 4, Y: 4, Z: 4, T: 1}, models.Geometry{}, dtFloat32)
	var buf bytes.Buffer
	if err := Encode(&buf, h, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&buf); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	h := newHeader(models.Dims{X: 1, Y: 1, Z: 1, T: 1}, models.Geometry{}, dtFloat32)
	h.Magic = [4]byte{'n', 'i', '1', 0}
	var buf bytes.Buffer
	if err := Encode(&buf, h, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(&buf); err == nil {
		t.Error("Expected an error for a two-file header")
	}
}
