// Package snapshot provides immutable chunk snapshots and the shared,
// reference-counted table that lets many concurrent computations lease
// the same snapshot instance.
package snapshot

import (
	"context"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
)

// Snapshot is an immutable view over chunk voxel data captured at a
// specific (chunk, version). It is exclusively owned by the sharing
// table, which closes it exactly once when the last lease drops.
type Snapshot interface {
	// Chunk returns the key of the chunk this snapshot was taken from.
	Chunk() chunkkey.ChunkKey

	// Version returns the chunk version the snapshot was captured at.
	Version() int64

	// Bounds returns the snapshot's voxel dimensions.
	Bounds() (w, h, d int)

	// Data returns the flat voxel array, indexed x-fastest:
	// index = x + z*w + y*w*d. Callers must not mutate it.
	Data() []uint16

	// SizeBytes is the estimated resident size of the snapshot's
	// backing storage, used for byte accounting.
	SizeBytes() int64

	// Close releases the snapshot's backing storage. Called by the
	// sharing table when the final lease is released.
	Close() error
}

// Source creates snapshots of live chunk state. Implementations must
// perform whatever synchronization is needed to copy the chunk safely.
//
// A (nil, nil) return means the chunk cannot be snapshotted right now
// (unloaded, out of range, or no longer at expectedVersion). That is an
// expected, retriable condition, not an error.
type Source interface {
	TryCreateSnapshot(ctx context.Context, key chunkkey.ChunkKey, expectedVersion int64) (Snapshot, error)
}

// Grid is a plain flat-array Snapshot implementation, convenient for
// sources that copy voxel data into a fresh slice.
type Grid struct {
	chunk   chunkkey.ChunkKey
	version int64
	w, h, d int
	data    []uint16
	release func()
}

// NewGrid wraps a voxel slice as a Snapshot. len(data) must equal
// w*h*d. release, if non-nil, runs once on Close (for pooled storage).
func NewGrid(key chunkkey.ChunkKey, version int64, w, h, d int, data []uint16, release func()) *Grid {
	if len(data) != w*h*d {
		panic("snapshot: grid data length does not match bounds")
	}
	return &Grid{chunk: key, version: version, w: w, h: h, d: d, data: data, release: release}
}

func (g *Grid) Chunk() chunkkey.ChunkKey { return g.chunk }
func (g *Grid) Version() int64           { return g.version }
func (g *Grid) Bounds() (int, int, int)  { return g.w, g.h, g.d }
func (g *Grid) Data() []uint16           { return g.data }

// SizeBytes reports the backing array size plus a small fixed overhead.
func (g *Grid) SizeBytes() int64 { return int64(len(g.data))*2 + 64 }

func (g *Grid) Close() error {
	if g.release != nil {
		g.release()
		g.release = nil
	}
	g.data = nil
	return nil
}

// VoxelAt returns the voxel at local coordinates (x, y, z).
func (g *Grid) VoxelAt(x, y, z int) uint16 {
	return g.data[x+z*g.w+y*g.w*g.d]
}
