// Package proc contains the built-in chunk processors shipped with the
// daemon: occupancy statistics and surface-mesh extraction.
package proc

import (
	"context"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// Occupancy summarizes how full a chunk is. It is cheap to compute and
// small to cache, which makes it the default probe artifact.
type Occupancy struct {
	Chunk   chunkkey.ChunkKey
	Version int64

	// Solid counts non-air voxels; Kinds counts occurrences per block
	// id among solid voxels.
	Solid int
	Kinds map[uint16]int

	// Highest is the top y containing a solid voxel, -1 when empty.
	Highest int
}

// SizeBytes implements artifactcache.Sizer.
func (o *Occupancy) SizeBytes() int64 {
	return int64(len(o.Kinds))*16 + 96
}

// OccupancyProcessor counts solid voxels per block kind.
type OccupancyProcessor struct{}

func (OccupancyProcessor) ID() string { return "occupancy" }

func (OccupancyProcessor) Process(ctx context.Context, snap snapshot.Snapshot) (*Occupancy, error) {
	w, h, d := snap.Bounds()
	data := snap.Data()

	out := &Occupancy{
		Chunk:   snap.Chunk(),
		Version: snap.Version(),
		Kinds:   make(map[uint16]int),
		Highest: -1,
	}

	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := data[y*w*d : (y+1)*w*d]
		for _, v := range layer {
			if v == 0 {
				continue
			}
			out.Solid++
			out.Kinds[v]++
			out.Highest = y
		}
	}

	return out, nil
}
