package fmha

import "math"

// ReferenceForward fills Output and Logsumexp from Query, Key and Value
// with a direct, numerically stable float64 softmax, applying bias,
// causal masking and dropout the same way the backward pass expects them
// to have been applied. It gives the backward kernel self-consistent
// inputs when no real forward pass is around (tests, the check and
// bench tools); it is not a production forward.
func ReferenceForward[T Element](p *Params[T]) {
	for b := 0; b < p.NumBatches; b++ {
		for h := 0; h < p.NumHeads; h++ {
			forwardGroup(p, b, h)
		}
	}
}

func forwardGroup[T Element](p *Params[T], batch, head int) {
	g := newGroup(p, Spec{}, batch, head)
	mk := p.NumKeys
	scale := float64(p.Scale)
	s := make([]float64, mk)
	for i := 0; i < p.NumQueries; i++ {
		maxv := math.Inf(-1)
		for j := 0; j < mk; j++ {
			if p.Causal && j > i {
				s[j] = math.Inf(-1)
				continue
			}
			var dot float64
			for d := 0; d < p.HeadDim; d++ {
				dot += float64(toF32(g.q[i*p.QStrideM+d])) * float64(toF32(g.k[j*p.KStrideM+d]))
			}
			dot *= scale
			if g.bias != nil {
				dot += float64(toF32(g.bias[i*p.BiasStrideM+j]))
			}
			s[j] = dot
			if dot > maxv {
				maxv = dot
			}
		}
		var sum float64
		for j := 0; j < mk; j++ {
			if math.IsInf(s[j], -1) {
				s[j] = 0
				continue
			}
			s[j] = math.Exp(s[j] - maxv)
			sum += s[j]
		}
		g.lse[i] = float32(maxv + math.Log(sum))
		for d := 0; d < p.HeadDimValue; d++ {
			var o float64
			for j := 0; j < mk; j++ {
				w := s[j] / sum
				if g.dropout {
					w *= float64(g.mask.at(i, j))
				}
				o += w * float64(toF32(g.v[j*p.VStrideM+d]))
			}
			g.o[i*p.OStrideM+d] = fromF32[T](float32(o))
		}
	}
}
