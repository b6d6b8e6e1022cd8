package proc

import (
	"context"

	"github.com/chunkforge/chunkforge/internal/codec"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// Surface is the visible-shell artifact for a chunk: every voxel with
// at least one air-exposed face, stored as a compressed masked copy of
// the grid (hidden voxels zeroed). Faces on chunk borders count as
// exposed; neighbor chunks are not consulted.
type Surface struct {
	Chunk   chunkkey.ChunkKey
	Version int64

	// Faces is the total count of air-exposed faces.
	Faces int

	// Payload is the masked voxel grid encoded by the codec package.
	Payload []byte
}

// SizeBytes implements artifactcache.Sizer.
func (s *Surface) SizeBytes() int64 {
	return int64(len(s.Payload)) + 80
}

// SurfaceProcessor extracts the visible shell of a chunk.
type SurfaceProcessor struct{}

func (SurfaceProcessor) ID() string { return "surface" }

func (SurfaceProcessor) Process(ctx context.Context, snap snapshot.Snapshot) (*Surface, error) {
	w, h, d := snap.Bounds()
	data := snap.Data()

	idx := func(x, y, z int) int { return x + z*w + y*w*d }
	airAt := func(x, y, z int) bool {
		if x < 0 || x >= w || y < 0 || y >= h || z < 0 || z >= d {
			return true
		}
		return data[idx(x, y, z)] == 0
	}

	masked := make([]uint16, len(data))
	faces := 0

	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				v := data[idx(x, y, z)]
				if v == 0 {
					continue
				}
				exposed := 0
				if airAt(x-1, y, z) {
					exposed++
				}
				if airAt(x+1, y, z) {
					exposed++
				}
				if airAt(x, y-1, z) {
					exposed++
				}
				if airAt(x, y+1, z) {
					exposed++
				}
				if airAt(x, y, z-1) {
					exposed++
				}
				if airAt(x, y, z+1) {
					exposed++
				}
				if exposed > 0 {
					masked[idx(x, y, z)] = v
					faces += exposed
				}
			}
		}
	}

	payload, err := codec.EncodeVoxels(masked)
	if err != nil {
		return nil, err
	}

	return &Surface{
		Chunk:   snap.Chunk(),
		Version: snap.Version(),
		Faces:   faces,
		Payload: payload,
	}, nil
}
