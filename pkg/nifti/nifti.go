// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"capcluster/internal/models"
)

// Header is the 348-byte NIfTI-1 header.
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "n+1\0" for single-file datasets
}

const (
	minHeaderSize = 348
	headerSize    = 352 // header plus the 4-byte extension flag
)

// NIFTI_TYPE_* datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	}
	return 0
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a volume from path, decompressing .gz files.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vol, nil
}

// ReadHeader parses the header at the start of b and returns the byte
// order of the file.
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(b) < minHeaderSize {
		return h, nil, fmt.Errorf("file holds %d bytes, shorter than a header", len(b))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(b)) != minHeaderSize {
		order = binary.BigEndian
	}
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return h, nil, err
	}
	switch {
	case h.SizeOfHdr != minHeaderSize:
		return h, nil, fmt.Errorf("invalid header size %d", h.SizeOfHdr)
	case h.Magic != singleFileMagic:
		return h, nil, fmt.Errorf("invalid file magic %q, header and data must share a file", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return h, nil, fmt.Errorf("invalid dimension count %d", h.Dim[0])
	case bytesPerVoxel(h.DataType) == 0:
		return h, nil, fmt.Errorf("unsupported datatype %d", h.DataType)
	}
	return h, order, nil
}

// Decode reads a complete single-file NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	extent := func(i int) int {
		if int(h.Dim[0]) < i || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	dims := models.Dims{X: extent(1), Y: extent(2), Z: extent(3), T: 1}
	// Higher dimensions are folded into time.
	for i := 4; i <= 7; i++ {
		dims.T *= extent(i)
	}

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	count := dims.NumVoxels() * dims.T
	size := bytesPerVoxel(h.DataType)
	if len(b) < offset+count*size {
		return nil, fmt.Errorf("%w: %s volume needs %d data bytes, file holds %d",
			models.ErrDimensionMismatch, dims, count*size, len(b)-offset)
	}

	vol := models.NewVolume(dims, geometry(h))
	decodeValues(vol.Data, b[offset:offset+count*size], h.DataType, order)
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	return vol, nil
}

func decodeValues(dst []float64, raw []byte, datatype int16, order binary.ByteOrder) {
	size := bytesPerVoxel(datatype)
	for i := range dst {
		p := raw[i*size : (i+1)*size]
		switch datatype {
		case dtUint8:
			dst[i] = float64(p[0])
		case dtInt8:
			dst[i] = float64(int8(p[0]))
		case dtInt16:
			dst[i] = float64(int16(order.Uint16(p)))
		case dtUint16:
			dst[i] = float64(order.Uint16(p))
		case dtInt32:
			dst[i] = float64(int32(order.Uint32(p)))
		case dtUint32:
			dst[i] = float64(order.Uint32(p))
		case dtFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(p)))
		case dtFloat64:
			dst[i] = math.Float64frombits(order.Uint64(p))
		}
	}
}

func geometry(h Header) models.Geometry {
	var g models.Geometry
	g.VoxelSize.X = float64(h.PixDim[1])
	g.VoxelSize.Y = float64(h.PixDim[2])
	g.VoxelSize.Z = float64(h.PixDim[3])
	g.TR = float64(h.PixDim[4])
	if h.SFormCode > 0 {
		for i, row := range [3][4]float32{h.SRowX, h.SRowY, h.SRowZ} {
			for j, v := range row {
				g.Affine[4*i+j] = float64(v)
			}
		}
	}
	return g
}

// newHeader fills a header for a volume of dims stored as datatype.
func newHeader(dims models.Dims, geom models.Geometry, datatype int16) Header {
	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  datatype,
		BitPix:    int16(8 * bytesPerVoxel(datatype)),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		Magic:     singleFileMagic,
	}
	h.Dim = [8]int16{3, int16(dims.X), int16(dims.Y), int16(dims.Z), 1, 1, 1, 1}
	if dims.T > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(dims.T)
	}
	h.PixDim = [8]float32{1, float32(geom.VoxelSize.X), float32(geom.VoxelSize.Y), float32(geom.VoxelSize.Z), float32(geom.TR), 1, 1, 1}
	if geom.Affine != ([12]float64{}) {
		h.SFormCode = 1
		rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
		for i, row := range rows {
			for j := range row {
				row[j] = float32(geom.Affine[4*i+j])
			}
		}
	}
	copy(h.Descrip[:], "capcluster")
	return h
}

// Write stores vol as float32 at path, gzip-compressed when path ends in .gz.
func Write(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	payload := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(float32(v)))
	}
	return writeFile(path, newHeader(vol.Dims, vol.Geometry, dtFloat32), payload)
}

// WriteLabels stores a label volume as int32 at path.
func WriteLabels(path string, vol *models.LabelVolume) error {
	if len(vol.Data) != vol.Dims.NumVoxels()*vol.Dims.T {
		return fmt.Errorf("%w: label volume %s holds %d values", models.ErrDimensionMismatch, vol.Dims, len(vol.Data))
	}
	payload := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], uint32(v))
	}
	return writeFile(path, newHeader(vol.Dims, vol.Geometry, dtInt32), payload)
}

func writeFile(path string, h Header, payload []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var zw *gzip.Writer
	if isGzip(path) {
		zw = gzip.NewWriter(f)
		w = zw
	}
	bw := bufio.NewWriter(w)
	err = Encode(bw, h, payload)
	if err == nil {
		err = bw.Flush()
	}
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Encode writes a little-endian header, an empty extension flag and payload.
func Encode(w io.Writer, h Header, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, headerSize-minHeaderSize)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
