// Package serialize encodes snapshots and fitted models as gob payloads with
// optional compression and checksum.
//
// The wire form is one format byte (compression in the top 3 bits, checksum
// in the next 2), an optional little-endian CRC32 of the payload, then the
// possibly-compressed payload itself.
package serialize

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"capcluster/internal/models"
)

// Compression is the format of compression for stored data.
// No more than 8 (3 bits) compression types fit the format byte.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	}
	return Uncompressed, fmt.Errorf("unknown compression %q: %w", name, models.ErrInvalidConfiguration)
}

// Checksum is the type of checksum employed for error checking stored data.
type Checksum uint8

const (
	NoChecksum Checksum = iota
	CRC32
)

// Format is a single byte combining compression and checksum.
type Format uint8

func EncodeFormat(compress Compression, checksum Checksum) Format {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return Format(a | b)
}

func DecodeFormat(f Format) (Compression, Checksum) {
	return Compression(uint8(f) >> 5), Checksum((uint8(f) >> 3) & 0x03)
}

// SerializeData compresses and checksums a byte slice.
func SerializeData(data []byte, compress Compression, checksum Checksum) ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteByte(byte(EncodeFormat(compress, checksum)))

	var payload []byte
	switch compress {
	case Uncompressed:
		payload = data
	case Snappy:
		payload = snappy.Encode(nil, data)
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		payload = enc.EncodeAll(data, nil)
		enc.Close()
	default:
		return nil, fmt.Errorf("illegal compression (%s) during serialization", compress)
	}

	switch checksum {
	case NoChecksum:
	case CRC32:
		if err := binary.Write(&buffer, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("illegal checksum (%d) during serialization", checksum)
	}

	// The payload goes last so no length prefix is needed.
	buffer.Write(payload)
	return buffer.Bytes(), nil
}

// DeserializeData verifies and decompresses bytes written by SerializeData.
func DeserializeData(s []byte) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty serialized data")
	}
	compress, checksum := DecodeFormat(Format(s[0]))
	rest := s[1:]

	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(rest) < 4 {
			return nil, fmt.Errorf("serialized data too short for checksum")
		}
		stored := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if got := crc32.ChecksumIEEE(rest); got != stored {
			return nil, fmt.Errorf("bad checksum: stored %x got %x", stored, got)
		}
	default:
		return nil, fmt.Errorf("illegal checksum (%d) in serialized data", checksum)
	}

	switch compress {
	case Uncompressed:
		return rest, nil
	case Snappy:
		return snappy.Decode(nil, rest)
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(rest, nil)
	}
	return nil, fmt.Errorf("illegal compression (%d) in serialized data", compress)
}

// Serialize gob-encodes an arbitrary Go value then calls SerializeData.
func Serialize(object interface{}, compress Compression, checksum Checksum) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(object); err != nil {
		return nil, err
	}
	return SerializeData(buffer.Bytes(), compress, checksum)
}

// Deserialize decodes bytes from Serialize into object.
func Deserialize(s []byte, object interface{}) error {
	data, err := DeserializeData(s)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(object)
}
