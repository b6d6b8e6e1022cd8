// Package chunkkey defines the compact identifiers used throughout the
// chunk processing core: chunk coordinates packed into a single integer,
// plus the composite keys for artifacts, processors, and snapshots.
package chunkkey

import "fmt"

// Coordinate range supported per axis. Each signed coordinate is zig-zag
// encoded into a 21-bit field, so the representable range is
// [-2^20, 2^20-1].
const (
	MinCoord = -1 << 20
	MaxCoord = 1<<20 - 1

	fieldBits = 21
	fieldMask = 1<<fieldBits - 1
)

// ChunkKey identifies one chunk by its three grid coordinates, packed
// into 63 bits (21 bits per axis at offsets 0, 21, and 42). It is
// comparable and cheap to copy, which makes it suitable as a map key in
// the concurrent bookkeeping tables.
type ChunkKey uint64

// FromCoords packs three signed grid coordinates into a ChunkKey.
// Coordinates outside [MinCoord, MaxCoord] wrap; callers are expected to
// stay within the supported range.
func FromCoords(x, y, z int32) ChunkKey {
	return ChunkKey(zigzag(x) | zigzag(y)<<fieldBits | zigzag(z)<<(2*fieldBits))
}

// Coords unpacks the three grid coordinates.
// Coords(FromCoords(x, y, z)) == (x, y, z) for the full supported range.
func (k ChunkKey) Coords() (x, y, z int32) {
	x = unzigzag(uint64(k) & fieldMask)
	y = unzigzag(uint64(k) >> fieldBits & fieldMask)
	z = unzigzag(uint64(k) >> (2 * fieldBits) & fieldMask)
	return
}

// X returns the chunk's x grid coordinate.
func (k ChunkKey) X() int32 { return unzigzag(uint64(k) & fieldMask) }

// Y returns the chunk's y grid coordinate.
func (k ChunkKey) Y() int32 { return unzigzag(uint64(k) >> fieldBits & fieldMask) }

// Z returns the chunk's z grid coordinate.
func (k ChunkKey) Z() int32 { return unzigzag(uint64(k) >> (2 * fieldBits) & fieldMask) }

// String formats the key as "x,y,z" for log output.
func (k ChunkKey) String() string {
	x, y, z := k.Coords()
	return fmt.Sprintf("%d,%d,%d", x, y, z)
}

// zigzag maps a signed coordinate to an unsigned 21-bit field so that
// small magnitudes stay small: 0,-1,1,-2,... -> 0,1,2,3,...
func zigzag(v int32) uint64 {
	return uint64(uint32(v<<1^v>>31)) & fieldMask
}

func unzigzag(u uint64) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

// ArtifactKey is the identity of one computed result. Two requests with
// equal ArtifactKeys observe the same artifact and are never computed
// twice concurrently.
type ArtifactKey struct {
	Chunk     ChunkKey
	Version   int64
	Processor string
}

func (k ArtifactKey) String() string {
	return fmt.Sprintf("%s@v%d/%s", k.Chunk, k.Version, k.Processor)
}

// ProcessorKey identifies a (chunk, processor) pair independent of
// version. It keys the "latest requested version" and pending-by-version
// tables.
type ProcessorKey struct {
	Chunk     ChunkKey
	Processor string
}

func (k ProcessorKey) String() string {
	return fmt.Sprintf("%s/%s", k.Chunk, k.Processor)
}

// SnapshotKey identifies one immutable copy of chunk contents. Artifact
// keys that differ only by processor share the snapshot for their
// SnapshotKey.
type SnapshotKey struct {
	Chunk   ChunkKey
	Version int64
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s@v%d", k.Chunk, k.Version)
}
