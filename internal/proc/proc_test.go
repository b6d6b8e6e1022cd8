package proc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/codec"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

func gridSnapshot(t *testing.T, w, h, d int, fill func(x, y, z int) uint16) snapshot.Snapshot {
	t.Helper()
	data := make([]uint16, w*h*d)
	for y := 0; y < h; y++ {
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				data[x+z*w+y*w*d] = fill(x, y, z)
			}
		}
	}
	return snapshot.NewGrid(chunkkey.FromCoords(0, 0, 0), 1, w, h, d, data, nil)
}

func TestOccupancy_Empty(t *testing.T) {
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 { return 0 })
	defer snap.Close()

	occ, err := OccupancyProcessor{}.Process(context.Background(), snap)
	require.NoError(t, err)
	assert.Zero(t, occ.Solid)
	assert.Empty(t, occ.Kinds)
	assert.Equal(t, -1, occ.Highest)
}

func TestOccupancy_Counts(t *testing.T) {
	// Bottom layer stone, one grass block at y=2.
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 {
		if y == 0 {
			return 1
		}
		if x == 1 && y == 2 && z == 1 {
			return 3
		}
		return 0
	})
	defer snap.Close()

	occ, err := OccupancyProcessor{}.Process(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 17, occ.Solid)
	assert.Equal(t, map[uint16]int{1: 16, 3: 1}, occ.Kinds)
	assert.Equal(t, 2, occ.Highest)
	assert.Positive(t, occ.SizeBytes())
}

func TestOccupancy_CanceledContext(t *testing.T) {
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 { return 1 })
	defer snap.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OccupancyProcessor{}.Process(ctx, snap)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSurface_SingleVoxel(t *testing.T) {
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 {
		if x == 1 && y == 1 && z == 1 {
			return 1
		}
		return 0
	})
	defer snap.Close()

	surf, err := SurfaceProcessor{}.Process(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 6, surf.Faces)

	voxels, err := codec.DecodeVoxels(surf.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), voxels[1+1*4+1*4*4])
}

func TestSurface_InteriorHidden(t *testing.T) {
	// A solid 4x4x4 cube: the 2x2x2 interior has no exposed faces and
	// must be masked out of the payload.
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 { return 2 })
	defer snap.Close()

	surf, err := SurfaceProcessor{}.Process(context.Background(), snap)
	require.NoError(t, err)

	// Each of the six 4x4 sides is fully exposed at the chunk border.
	assert.Equal(t, 96, surf.Faces)

	voxels, err := codec.DecodeVoxels(surf.Payload)
	require.NoError(t, err)
	interior := 0
	for y := 1; y < 3; y++ {
		for z := 1; z < 3; z++ {
			for x := 1; x < 3; x++ {
				if voxels[x+z*4+y*4*4] != 0 {
					interior++
				}
			}
		}
	}
	assert.Zero(t, interior)

	shell := 0
	for _, v := range voxels {
		if v != 0 {
			shell++
		}
	}
	assert.Equal(t, 64-8, shell)
}

func TestSurface_SizeBytes(t *testing.T) {
	snap := gridSnapshot(t, 4, 4, 4, func(x, y, z int) uint16 { return 1 })
	defer snap.Close()

	surf, err := SurfaceProcessor{}.Process(context.Background(), snap)
	require.NoError(t, err)
	assert.Greater(t, surf.SizeBytes(), int64(len(surf.Payload)))
}
