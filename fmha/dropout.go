package fmha

// maskRegen reconstructs the dropout keep/scale decision for any
// (row, col) of the full Mq x Mk attention matrix. Element index
// base + row*numKeys + col selects a fixed position in the Philox
// stream, so the value for a position is the same no matter which tile
// pass asks for it. The mask is never stored between passes.
type maskRegen struct {
	rng     philox4x32
	base    uint64
	numKeys int
	prob    float32
	scale   float32
}

// newMaskRegen seeds a regenerator for one (batch, head) slice.
// seqOffset is the launch-wide stream offset; each (batch, head) owns a
// disjoint numQueries*numKeys range after it.
func newMaskRegen(seed, seqOffset uint64, batchHead, numQueries, numKeys int, prob float32) maskRegen {
	return maskRegen{
		rng:     newPhilox(seed),
		base:    seqOffset + uint64(batchHead)*uint64(numQueries)*uint64(numKeys),
		numKeys: numKeys,
		prob:    prob,
		scale:   1.0 / (1.0 - prob),
	}
}

// at returns 0 (dropped) or 1/(1-p) (kept, rescaled) for one position.
func (m *maskRegen) at(row, col int) float32 {
	e := m.base + uint64(row)*uint64(m.numKeys) + uint64(col)
	w := m.rng.block(e / 4)[e%4]
	if uniform(w) > m.prob {
		return m.scale
	}
	return 0
}

// fillTileT writes the mask tile for [queryStart, queryStart+rows) x
// [keyStart, keyStart+cols) into dst transposed (key-major), matching
// the orientation of the recomputed probability tile: dst[c*ld+r].
// Elements are drawn in row-major runs so consecutive columns share a
// Philox block; that is an efficiency choice only, the position-to-value
// mapping is fixed either way.
func (m *maskRegen) fillTileT(dst []float32, ld int, queryStart, keyStart, rows, cols int) {
	for r := 0; r < rows; r++ {
		e := m.base + uint64(queryStart+r)*uint64(m.numKeys) + uint64(keyStart)
		blk := m.rng.block(e / 4)
		have := e / 4
		for c := 0; c < cols; c++ {
			if e/4 != have {
				blk = m.rng.block(e / 4)
				have = e / 4
			}
			v := float32(0)
			if uniform(blk[e%4]) > m.prob {
				v = m.scale
			}
			dst[c*ld+r] = v
			e++
		}
	}
}
