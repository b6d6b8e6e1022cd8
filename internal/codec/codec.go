// Package codec provides a versioned binary encoding for chunk voxel
// payloads: run-length encoding followed by zstd compression. Voxel
// data is highly repetitive (air runs, uniform strata), so RLE before
// the entropy coder keeps both CPU and output size low.
package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// formatVersion tags the encoded payload so the layout can evolve.
const formatVersion = 1

// Encoder/decoder pools for reuse; zstd contexts are expensive to
// build.
var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// EncodeVoxels serializes a flat voxel array. Layout before
// compression: format version byte, uvarint voxel count, then (uvarint
// run length, little-endian uint16 value) pairs.
func EncodeVoxels(voxels []uint16) ([]byte, error) {
	raw := make([]byte, 0, len(voxels)/4+16)
	raw = append(raw, formatVersion)
	raw = binary.AppendUvarint(raw, uint64(len(voxels)))

	for i := 0; i < len(voxels); {
		value := voxels[i]
		run := 1
		for i+run < len(voxels) && voxels[i+run] == value {
			run++
		}
		raw = binary.AppendUvarint(raw, uint64(run))
		raw = binary.LittleEndian.AppendUint16(raw, value)
		i += run
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+16)), nil
}

// DecodeVoxels reverses EncodeVoxels.
func DecodeVoxels(payload []byte) ([]uint16, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)

	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress voxel payload: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("voxel payload too short: %d bytes", len(raw))
	}
	if raw[0] != formatVersion {
		return nil, fmt.Errorf("unsupported voxel format version %d", raw[0])
	}
	raw = raw[1:]

	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("invalid voxel count")
	}
	raw = raw[n:]

	// Cap the initial reservation; count comes from the wire.
	reserve := count
	if reserve > 1<<20 {
		reserve = 1 << 20
	}
	voxels := make([]uint16, 0, reserve)
	for uint64(len(voxels)) < count {
		run, n := binary.Uvarint(raw)
		if n <= 0 || run == 0 {
			return nil, fmt.Errorf("invalid run length at voxel %d", len(voxels))
		}
		raw = raw[n:]
		if len(raw) < 2 {
			return nil, fmt.Errorf("truncated run value at voxel %d", len(voxels))
		}
		value := binary.LittleEndian.Uint16(raw)
		raw = raw[2:]

		// Subtraction, not addition: len(voxels) < count here, and a
		// huge run must not wrap the comparison around.
		if run > count-uint64(len(voxels)) {
			return nil, fmt.Errorf("run overflows declared voxel count")
		}
		for j := uint64(0); j < run; j++ {
			voxels = append(voxels, value)
		}
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after voxel data", len(raw))
	}

	return voxels, nil
}
