// Package world provides an in-memory voxel world used by the daemon
// and benchmarks: deterministic seeded terrain, per-chunk versioning,
// and snapshotting. It implements both the snapshot source and the
// version authority consumed by the processing service.
package world

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// Chunk dimensions. 32^3 voxels per chunk; power-of-two so indexing is
// shift-friendly.
const (
	ChunkW = 32
	ChunkH = 32
	ChunkD = 32

	chunkVoxels = ChunkW * ChunkH * ChunkD
)

// Block ids used by the generator.
const (
	Air uint16 = iota
	Stone
	Dirt
	Grass
	Water
)

const seaLevel = 12

// Config controls world extent and generation.
type Config struct {
	// Seed drives terrain generation; the same seed always produces
	// the same world.
	Seed int64

	// Radius bounds the world in chunks on the x and z axes; chunks
	// beyond it (or with y outside [0, VerticalChunks)) cannot be
	// snapshotted.
	Radius int32

	// VerticalChunks is the world height in chunks. Default 4.
	VerticalChunks int32
}

// World is a mutable voxel world with per-chunk versions. Chunks are
// generated lazily on first access at version 1; every edit bumps the
// chunk's version.
type World struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	chunks map[chunkkey.ChunkKey]*chunkState
}

type chunkState struct {
	version int64
	voxels  []uint16
}

// New creates a world.
func New(cfg Config, logger zerolog.Logger) *World {
	if cfg.VerticalChunks <= 0 {
		cfg.VerticalChunks = 4
	}
	return &World{
		cfg:    cfg,
		logger: logger.With().Str("component", "world").Logger(),
		chunks: make(map[chunkkey.ChunkKey]*chunkState),
	}
}

// InRange reports whether key lies inside the world bounds.
func (w *World) InRange(key chunkkey.ChunkKey) bool {
	x, y, z := key.Coords()
	if x < -w.cfg.Radius || x > w.cfg.Radius || z < -w.cfg.Radius || z > w.cfg.Radius {
		return false
	}
	return y >= 0 && y < w.cfg.VerticalChunks
}

// CurrentVersion implements chunkproc.VersionAuthority. Out-of-range
// chunks report version 0.
func (w *World) CurrentVersion(key chunkkey.ChunkKey) int64 {
	if !w.InRange(key) {
		return 0
	}

	w.mu.RLock()
	c, ok := w.chunks[key]
	w.mu.RUnlock()
	if ok {
		return c.version
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureLocked(key).version
}

// TryCreateSnapshot implements snapshot.Source. It returns (nil, nil)
// for out-of-range chunks and for versions that no longer match the
// chunk's current state: the world keeps no history, so only the
// current version can be copied.
func (w *World) TryCreateSnapshot(ctx context.Context, key chunkkey.ChunkKey, expectedVersion int64) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !w.InRange(key) {
		return nil, nil
	}

	w.mu.Lock()
	c := w.ensureLocked(key)
	if c.version != expectedVersion {
		w.mu.Unlock()
		return nil, nil
	}
	data := make([]uint16, chunkVoxels)
	copy(data, c.voxels)
	w.mu.Unlock()

	return snapshot.NewGrid(key, expectedVersion, ChunkW, ChunkH, ChunkD, data, nil), nil
}

// Edit sets one voxel and bumps the chunk's version, returning the new
// version. Editing an out-of-range chunk returns 0.
func (w *World) Edit(key chunkkey.ChunkKey, x, y, z int, block uint16) int64 {
	if !w.InRange(key) || x < 0 || x >= ChunkW || y < 0 || y >= ChunkH || z < 0 || z >= ChunkD {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.ensureLocked(key)
	c.voxels[voxelIndex(x, y, z)] = block
	c.version++
	return c.version
}

// ensureLocked generates the chunk at version 1 if absent. Caller
// holds w.mu for writing.
func (w *World) ensureLocked(key chunkkey.ChunkKey) *chunkState {
	if c, ok := w.chunks[key]; ok {
		return c
	}
	c := &chunkState{version: 1, voxels: w.generate(key)}
	w.chunks[key] = c
	return c
}

// ChunkCount returns the number of materialized chunks.
func (w *World) ChunkCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.chunks)
}

// voxelIndex converts local coordinates to the flat array index,
// x-fastest: x + z*W + y*W*D.
func voxelIndex(x, y, z int) int {
	return x + z*ChunkW + y*ChunkW*ChunkD
}

// generate fills one chunk from the seeded heightmap. Generation is
// pure: chunk key plus seed always yields the same voxels.
func (w *World) generate(key chunkkey.ChunkKey) []uint16 {
	voxels := make([]uint16, chunkVoxels)

	cx, cy, cz := key.Coords()
	baseX := cx * ChunkW
	baseY := cy * ChunkH
	baseZ := cz * ChunkD
	seed := uint32(w.cfg.Seed)

	for z := 0; z < ChunkD; z++ {
		for x := 0; x < ChunkW; x++ {
			height := terrainHeight(seed, baseX+int32(x), baseZ+int32(z))
			for y := 0; y < ChunkH; y++ {
				wy := baseY + int32(y)
				var block uint16
				switch {
				case wy < height-3:
					block = Stone
				case wy < height:
					block = Dirt
				case wy == height:
					block = Grass
				case wy <= seaLevel:
					block = Water
				default:
					block = Air
				}
				voxels[voxelIndex(x, y, z)] = block
			}
		}
	}

	return voxels
}
