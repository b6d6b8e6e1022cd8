package world

// Seeded value noise for the terrain heightmap. Lattice values come
// from an integer hash so generation needs no state and no RNG.

const (
	terrainBase      = 8
	terrainAmplitude = 48
	noiseCell        = 16
)

// hash32 is a murmur3-style finalizer. Good avalanche, trivially fast.
func hash32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// hash2 mixes a seed and two lattice coordinates into one hash.
func hash2(seed uint32, x, z int32) uint32 {
	h := hash32(seed ^ 0x9e3779b9)
	h = hash32(h ^ uint32(x))
	h = hash32(h ^ uint32(z))
	return h
}

// latticeValue returns a pseudo-random value in [0, 1) at an integer
// lattice point.
func latticeValue(seed uint32, x, z int32) float64 {
	return float64(hash2(seed, x, z)) / (1 << 32)
}

// smoothstep eases interpolation weights so cell edges do not show.
func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// valueNoise samples bilinear value noise at world coordinates with
// the given cell size. Result is in [0, 1).
func valueNoise(seed uint32, wx, wz int32, cell int32) float64 {
	// Floor division so negative coordinates land in the right cell.
	gx := floorDiv(wx, cell)
	gz := floorDiv(wz, cell)
	tx := smoothstep(float64(wx-gx*cell) / float64(cell))
	tz := smoothstep(float64(wz-gz*cell) / float64(cell))

	v00 := latticeValue(seed, gx, gz)
	v10 := latticeValue(seed, gx+1, gz)
	v01 := latticeValue(seed, gx, gz+1)
	v11 := latticeValue(seed, gx+1, gz+1)

	return lerp(lerp(v00, v10, tx), lerp(v01, v11, tx), tz)
}

// terrainHeight returns the ground height at a world column. Two
// octaves: broad rolling hills plus finer detail.
func terrainHeight(seed uint32, wx, wz int32) int32 {
	n := valueNoise(seed, wx, wz, noiseCell*4)*0.75 +
		valueNoise(seed^0x5bd1e995, wx, wz, noiseCell)*0.25
	return terrainBase + int32(n*terrainAmplitude)
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
