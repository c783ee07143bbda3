package fmha

// computeDelta fills delta[r] = sum_d O[r,d] * dO[r,d] for one BlockI-row
// tile of query rows. Doing this once before the main loop avoids
// re-reading O and dO on every key-tile pass: the softmax gradient
// identity needs delta subtracted from the raw dO·Vᵀ term in every pass.
func computeDelta[T Element](g *group[T], queryStart, blockI int) {
	kv := g.p.HeadDimValue
	oStride := g.p.OStrideM
	doStride := g.p.GOStrideM
	for r := queryStart; r < queryStart+blockI && r < g.p.NumQueries; r++ {
		orow := g.o[r*oStride : r*oStride+kv]
		dorow := g.do[r*doStride : r*doStride+kv]
		var sum float32
		for d, ov := range orow {
			sum += toF32(ov) * toF32(dorow[d])
		}
		g.delta[r] = sum
	}
}
