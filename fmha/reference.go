package fmha

import "math"

// ReferenceBackward is the direct oracle: it materializes the full
// attention matrix per (batch, head) and accumulates every gradient in
// float64, with none of the tiling, spilling or first-write machinery.
// It shares the Philox mask regeneration with the tiled engine so the
// two see the identical dropout pattern. Tests compare the engine
// against this; it is far too slow for anything else.
func ReferenceBackward[T Element](p *Params[T]) {
	for b := 0; b < p.NumBatches; b++ {
		for h := 0; h < p.NumHeads; h++ {
			referenceGroup(p, b, h)
		}
	}
}

func referenceGroup[T Element](p *Params[T], batch, head int) {
	g := newGroup(p, Spec{}, batch, head)
	mq, mk := p.NumQueries, p.NumKeys
	dimK, dimV := p.HeadDim, p.HeadDimValue
	scale := float64(p.Scale)

	prob := make([]float64, mq*mk)
	for i := 0; i < mq; i++ {
		lse := float64(g.lse[i])
		for j := 0; j < mk; j++ {
			if p.Causal && j > i {
				continue
			}
			var s float64
			for d := 0; d < dimK; d++ {
				s += float64(toF32(g.q[i*p.QStrideM+d])) * float64(toF32(g.k[j*p.KStrideM+d]))
			}
			s *= scale
			if g.bias != nil {
				s += float64(toF32(g.bias[i*p.BiasStrideM+j]))
			}
			prob[i*mk+j] = math.Exp(s - lse)
		}
	}

	delta := make([]float64, mq)
	if p.ComputeDelta {
		for i := 0; i < mq; i++ {
			var sum float64
			for d := 0; d < dimV; d++ {
				sum += float64(toF32(g.o[i*p.OStrideM+d])) * float64(toF32(g.do[i*p.GOStrideM+d]))
			}
			delta[i] = sum
			g.delta[i] = float32(sum)
		}
	} else {
		for i := 0; i < mq; i++ {
			delta[i] = float64(g.delta[i])
		}
	}

	dq := make([]float64, mq*dimK)
	dk := make([]float64, mk*dimK)
	dv := make([]float64, mk*dimV)
	for i := 0; i < mq; i++ {
		for j := 0; j < mk; j++ {
			pij := prob[i*mk+j]
			z := 1.0
			if g.dropout {
				z = float64(g.mask.at(i, j))
			}

			var t float64
			for d := 0; d < dimV; d++ {
				t += float64(toF32(g.do[i*p.GOStrideM+d])) * float64(toF32(g.v[j*p.VStrideM+d]))
			}

			for d := 0; d < dimV; d++ {
				dv[j*dimV+d] += pij * z * float64(toF32(g.do[i*p.GOStrideM+d]))
			}

			ds := pij * (t*z - delta[i])
			if g.gbias != nil {
				g.gbias[i*p.GBStrideM+j] = fromF32[T](float32(ds))
			}
			ds *= scale

			for d := 0; d < dimK; d++ {
				dq[i*dimK+d] += ds * float64(toF32(g.k[j*p.KStrideM+d]))
				dk[j*dimK+d] += ds * float64(toF32(g.q[i*p.QStrideM+d]))
			}
		}
	}

	for i := 0; i < mq; i++ {
		for d := 0; d < dimK; d++ {
			g.gq[i*p.gQStrideM()+d] = fromF32[T](float32(dq[i*dimK+d]))
		}
	}
	for j := 0; j < mk; j++ {
		for d := 0; d < dimK; d++ {
			g.gk[j*p.gKStrideM()+d] = fromF32[T](float32(dk[j*dimK+d]))
		}
	}
	for j := 0; j < mk; j++ {
		for d := 0; d < dimV; d++ {
			g.gv[j*p.gVStrideM()+d] = fromF32[T](float32(dv[j*dimV+d]))
		}
	}
}
