package fmha

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/barry-jin/xformers/internal/gemm"
	"github.com/barry-jin/xformers/internal/logger"
	"github.com/barry-jin/xformers/internal/metrics"
)

// Backward computes the gradients of scaled dot-product attention without
// materializing the full query-by-key attention matrix. Attention
// probabilities are recomputed tile by tile from Q, K and the saved
// logsumexp, and the four gradient matmuls accumulate across overlapping
// tile passes into dQ, dK, dV (and dBias when requested).
//
// The tile specialization is selected from the head dimensions and the
// element type; use BackwardWithSpec to pin one explicitly.
func Backward[T Element](p *Params[T]) error {
	s, err := BuildSpec[T](p.HeadDim, p.HeadDimValue, DefaultSpecOptions())
	if err != nil {
		metrics.ValidationErrors.WithLabelValues("backward", "specialization").Inc()
		return err
	}
	return BackwardWithSpec(p, s)
}

// BackwardWithSpec runs the backward kernel under a fixed specialization.
// It validates the launch, fans one compute group out per (batch, head)
// pair, and blocks until every group finishes. There is no cancellation:
// a launched computation runs to completion.
func BackwardWithSpec[T Element](p *Params[T], s Spec) error {
	start := time.Now()
	if err := p.CheckSupported(s); err != nil {
		metrics.ValidationErrors.WithLabelValues("backward", "pre_flight").Inc()
		return err
	}

	logger.Log.Debug("attention backward launch",
		"batches", p.NumBatches, "heads", p.NumHeads,
		"num_queries", p.NumQueries, "num_keys", p.NumKeys,
		"head_dim", p.HeadDim, "head_dim_value", p.HeadDimValue,
		"block_i", s.BlockI, "block_j", s.BlockJ,
		"grad_kv", s.GradKV.String(), "grad_q", s.GradQ.String(),
		"causal", p.Causal, "dropout_prob", p.DropoutProb)
	metrics.BackwardLaunches.Inc()
	metrics.WorkspaceBytes.Set(float64(p.WorkspaceSize(s) * 4))

	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < p.NumBatches; b++ {
		for h := 0; h < p.NumHeads; h++ {
			b, h := b, h
			eg.Go(func() error {
				return processGroup(p, s, b, h)
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	metrics.BackwardDuration.Observe(time.Since(start).Seconds())
	return nil
}

// group is the view of one (batch, head) slice: every tensor advanced to
// the slice base, plus this group's workspace partition and RNG stream.
// Groups never alias, so they run with no communication.
type group[T Element] struct {
	p *Params[T]

	q, k, v, o, do []T
	bias, gbias    []T
	lse, delta     []float32
	gq, gk, gv     []T

	wgk, wgv, wgq []float32

	mask    maskRegen
	dropout bool
}

func newGroup[T Element](p *Params[T], s Spec, batch, head int) *group[T] {
	g := &group[T]{
		p:     p,
		q:     p.Query[batch*p.QStrideB+head*p.QStrideH:],
		k:     p.Key[batch*p.KStrideB+head*p.KStrideH:],
		v:     p.Value[batch*p.VStrideB+head*p.VStrideH:],
		o:     p.Output[batch*p.OStrideB+head*p.OStrideH:],
		do:    p.GradOutput[batch*p.GOStrideB+head*p.GOStrideH:],
		lse:   p.Logsumexp[(batch*p.NumHeads+head)*p.LseStride:],
		delta: p.Delta[(batch*p.NumHeads+head)*p.NumQueries:],
		gq:    p.GradQuery[batch*p.GQStrideB+head*p.GQStrideH:],
		gk:    p.GradKey[batch*p.GKStrideB+head*p.GKStrideH:],
		gv:    p.GradValue[batch*p.GVStrideB+head*p.GVStrideH:],
	}
	if p.Bias != nil {
		g.bias = p.Bias[batch*p.BiasStrideB+head*p.BiasStrideH:]
		if p.GradBias != nil {
			g.gbias = p.GradBias[batch*p.GBStrideB+head*p.GBStrideH:]
		}
	}
	if stride := s.workspaceStrideBH(p.NumQueries, p.NumKeys, p.HeadDim, p.HeadDimValue); stride > 0 {
		ws := p.Workspace[(batch*p.NumHeads+head)*stride:]
		gk := s.workspaceElementsGK(p.NumKeys, p.HeadDim)
		gv := s.workspaceElementsGV(p.NumKeys, p.HeadDimValue)
		gq := s.workspaceElementsGQ(p.NumQueries, p.NumKeys, p.HeadDim)
		g.wgk = ws[:gk]
		g.wgv = ws[gk : gk+gv]
		g.wgq = ws[gk+gv : gk+gv+gq]
	}
	g.dropout = p.DropoutProb > 0
	if g.dropout {
		g.mask = newMaskRegen(p.RNGSeed, p.RNGOffset, batch*p.NumHeads+head,
			p.NumQueries, p.NumKeys, p.DropoutProb)
	}
	return g
}

// queryStartForKey restricts the query range visited for a key tile:
// under causal masking, queries strictly before the key tile's earliest
// visible row contribute nothing and are never entered.
func queryStartForKey(causal bool, s Spec, keyStart int) int {
	if causal {
		return keyStart / s.BlockI * s.BlockI
	}
	return 0
}

// passState carries the accumulator tiles of one compute group across
// tile passes. resK/resV are live for a whole key tile when dK/dV stay
// resident; the *Acc tiles are reused scratch for the spilled and direct
// modes.
type passState struct {
	resK, resV          []float32
	dkAcc, dvAcc, dqAcc []float32
}

func processGroup[T Element](p *Params[T], s Spec, batch, head int) error {
	if !s.covers(p.HeadDim, p.HeadDimValue, elemBits[T]()) {
		// The caller dispatched a kernel built for a different capability
		// class. Not recoverable, not retried.
		panic(fmt.Sprintf("fmha: specialization max_k=%d elem_bits=%d cannot execute head_dim=%d head_dim_value=%d",
			s.MaxK, s.ElemBits, p.HeadDim, p.HeadDimValue))
	}

	g := newGroup(p, s, batch, head)
	ar, err := newArena(s, g.dropout)
	if err != nil {
		return err
	}

	if p.ComputeDelta {
		for qs := 0; qs < p.NumQueries; qs += s.BlockI {
			computeDelta(g, qs, s.BlockI)
		}
	}

	// Causally skipped tile pairs contribute exactly zero bias gradient;
	// their dBias regions are never visited, so settle them up front.
	if p.Causal && g.gbias != nil {
		var zero T
		for r := 0; r < p.NumQueries; r++ {
			row := g.gbias[r*p.GBStrideM : r*p.GBStrideM+p.NumKeys]
			for c := range row {
				row[c] = zero
			}
		}
	}

	st := &passState{
		dkAcc: make([]float32, s.BlockJ*p.HeadDim),
		dvAcc: make([]float32, s.BlockJ*p.HeadDimValue),
		dqAcc: make([]float32, s.BlockI*p.HeadDim),
	}
	if s.GradKV == AccumResident {
		st.resK = make([]float32, s.BlockJ*p.HeadDim)
		st.resV = make([]float32, s.BlockJ*p.HeadDimValue)
	}

	for ks := 0; ks < p.NumKeys; ks += s.BlockJ {
		nk := min(s.BlockJ, p.NumKeys-ks)

		// K and V tiles are reused by every query tile in this pass.
		loadTileF32(ar.kTile, p.HeadDim, g.k[ks*p.KStrideM:], p.KStrideM, nk, p.HeadDim)
		loadTileF32(ar.vTile, p.HeadDimValue, g.v[ks*p.VStrideM:], p.VStrideM, nk, p.HeadDimValue)

		if s.GradKV == AccumResident {
			clearF32(st.resK)
			clearF32(st.resV)
		}

		qs := queryStartForKey(p.Causal, s, ks)
		if skipped := min(qs, alignUp(p.NumQueries, s.BlockI)); skipped > 0 {
			metrics.TilesSkipped.Add(float64(skipped / s.BlockI))
		}
		if qs >= p.NumQueries && s.GradKV != AccumResident {
			// No query attends this key range, so no tile pass will ever
			// write its gradients. They are exactly zero; settle them now.
			clearF32(st.dkAcc)
			clearF32(st.dvAcc)
			storeTile(g.gk[ks*p.gKStrideM():], p.gKStrideM(), st.dkAcc, p.HeadDim, nk, p.HeadDim, true)
			storeTile(g.gv[ks*p.gVStrideM():], p.gVStrideM(), st.dvAcc, p.HeadDimValue, nk, p.HeadDimValue, true)
			continue
		}
		for ; qs < p.NumQueries; qs += s.BlockI {
			processBlockIJ(g, s, ar, st, qs, ks)
			metrics.TilePasses.Inc()
		}

		if s.GradKV == AccumResident {
			// This key range is visited exactly once: fresh store.
			storeTile(g.gk[ks*p.gKStrideM():], p.gKStrideM(), st.resK, p.HeadDim, nk, p.HeadDim, true)
			storeTile(g.gv[ks*p.gVStrideM():], p.gVStrideM(), st.resV, p.HeadDimValue, nk, p.HeadDimValue, true)
		}
	}
	return nil
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// processBlockIJ runs the per-tile-pair algebra for the query tile at
// queryStart against the key tile at keyStart:
//
//	S  = scale*(K·Qᵗ) (+bias, causal mask)       [BlockJ, BlockI]
//	P  = exp(S - logsumexp)                       kept in scratch
//	Z  = regenerated dropout mask                 kept in scratch
//	dV += (P∘Z)ᵗ-oriented · dO
//	T  = dO · Vᵗ
//	dS = P ∘ (T∘Z - delta); dBias = dS; dS *= scale
//	dQ += dS · K        (accumulates across key tiles)
//	dK += dSᵗ · Q       (accumulates across query tiles)
//
// All S/P/Z-shaped tiles live in the transposed (key-major) orientation.
func processBlockIJ[T Element](g *group[T], s Spec, ar *arena, st *passState, queryStart, keyStart int) {
	p := g.p
	dimK := p.HeadDim
	dimV := p.HeadDimValue
	nq := min(s.BlockI, p.NumQueries-queryStart)
	nk := min(s.BlockJ, p.NumKeys-keyStart)

	// First/last bookkeeping drives the fresh-store vs accumulate-add
	// protocol: exactly one first write per destination region.
	isFirstQuery := queryStart == 0 || (p.Causal && queryStart <= keyStart)
	isLastQuery := queryStart+s.BlockI >= p.NumQueries
	dqFirst := keyStart == 0
	nextKey := keyStart + s.BlockJ
	dqLast := nextKey >= p.NumKeys ||
		(p.Causal && queryStartForKey(true, s, nextKey) > queryStart)

	loadTileF32(ar.qTile, dimK, g.q[queryStart*p.QStrideM:], p.QStrideM, nq, dimK)
	loadTileF32(ar.doTile, dimV, g.do[queryStart*p.GOStrideM:], p.GOStrideM, nq, dimV)

	// QK step: transposed scores, then probabilities against the saved
	// log-normalizer. Masked positions become exact zeros so the masked
	// region contributes zero gradient everywhere downstream.
	clearF32(ar.probT)
	gemm.MulAccTB(ar.probT, s.BlockI, ar.kTile, dimK, ar.qTile, dimK, nk, nq, dimK)
	for r := 0; r < nk; r++ {
		row := ar.probT[r*s.BlockI:]
		keyAbs := keyStart + r
		for c := 0; c < nq; c++ {
			if p.Causal && keyAbs > queryStart+c {
				row[c] = 0
				continue
			}
			v := row[c] * p.Scale
			if g.bias != nil {
				v += toF32(g.bias[(queryStart+c)*p.BiasStrideM+keyAbs])
			}
			row[c] = exp32(v - g.lse[queryStart+c])
		}
	}

	// Dropout step: regenerate Z in the same orientation as P; consumed
	// on the fly while P streams into the dV matmul so P∘Z is never
	// materialized as a third tile.
	if g.dropout {
		g.mask.fillTileT(ar.maskT, s.BlockI, queryStart, keyStart, nq, nk)
	}

	// dV accumulation: contributions from every query tile of this key
	// tile.
	dvDst := st.dvAcc
	ldWgv := alignUp(dimV, s.BlockI)
	switch s.GradKV {
	case AccumResident:
		dvDst = st.resV
	case AccumSpilled:
		if isFirstQuery {
			clearF32(st.dvAcc)
		} else {
			reloadTile(st.dvAcc, dimV, g.wgv, ldWgv, keyStart, nk, dimV)
		}
	case AccumDirect:
		clearF32(st.dvAcc)
	}
	if g.dropout {
		gemm.MulAccScaledA(dvDst, dimV, ar.probT, s.BlockI, ar.maskT, s.BlockI, ar.doTile, dimV, nk, dimV, nq)
	} else {
		gemm.MulAcc(dvDst, dimV, ar.probT, s.BlockI, ar.doTile, dimV, nk, dimV, nq)
	}
	switch s.GradKV {
	case AccumSpilled:
		if isLastQuery {
			storeTile(g.gv[keyStart*p.gVStrideM():], p.gVStrideM(), st.dvAcc, dimV, nk, dimV, true)
		} else {
			spillTile(g.wgv, ldWgv, keyStart, st.dvAcc, dimV, nk, dimV)
		}
	case AccumDirect:
		storeTile(g.gv[keyStart*p.gVStrideM():], p.gVStrideM(), st.dvAcc, dimV, nk, dimV, isFirstQuery)
	}

	// dOᵗV step: T matches the (transposed) shape of S, but query-major.
	clearF32(ar.ds)
	gemm.MulAccTB(ar.ds, s.BlockJ, ar.doTile, dimV, ar.vTile, dimV, nq, nk, dimV)

	// dS derivation via the softmax gradient identity. The unscaled value
	// is the bias gradient; the scaled value feeds dQ and dK in both
	// orientations, the transpose overwriting P in place (P is dead once
	// its element has been read).
	for r := 0; r < nq; r++ {
		drow := ar.ds[r*s.BlockJ:]
		di := g.delta[queryStart+r]
		for c := 0; c < nk; c++ {
			t := drow[c]
			if g.dropout {
				t *= ar.maskT[c*s.BlockI+r]
			}
			v := ar.probT[c*s.BlockI+r] * (t - di)
			if g.gbias != nil {
				g.gbias[(queryStart+r)*p.GBStrideM+keyStart+c] = fromF32[T](v)
			}
			v *= p.Scale
			drow[c] = v
			ar.dsT[c*s.BlockI+r] = v
		}
	}

	// dQ accumulation: contributions from every key tile of this query
	// tile, temporally separated by the outer loop, hence spill-prone.
	switch {
	case s.GradQ == AccumDirect:
		clearF32(st.dqAcc)
		gemm.MulAcc(st.dqAcc, dimK, ar.ds, s.BlockJ, ar.kTile, dimK, nq, dimK, nk)
		storeTile(g.gq[queryStart*p.gQStrideM():], p.gQStrideM(), st.dqAcc, dimK, nq, dimK, dqFirst)
	case s.gradQResident(p.NumKeys):
		// Single key tile: no cross-iteration state to carry.
		clearF32(st.dqAcc)
		gemm.MulAcc(st.dqAcc, dimK, ar.ds, s.BlockJ, ar.kTile, dimK, nq, dimK, nk)
		storeTile(g.gq[queryStart*p.gQStrideM():], p.gQStrideM(), st.dqAcc, dimK, nq, dimK, true)
	default:
		ldWgq := alignUp(dimK, s.BlockJ)
		if dqFirst {
			clearF32(st.dqAcc)
		} else {
			reloadTile(st.dqAcc, dimK, g.wgq, ldWgq, queryStart, nq, dimK)
		}
		gemm.MulAcc(st.dqAcc, dimK, ar.ds, s.BlockJ, ar.kTile, dimK, nq, dimK, nk)
		if dqLast {
			storeTile(g.gq[queryStart*p.gQStrideM():], p.gQStrideM(), st.dqAcc, dimK, nq, dimK, true)
		} else {
			spillTile(g.wgq, ldWgq, queryStart, st.dqAcc, dimK, nq, dimK)
		}
	}

	// dK accumulation: same-outer-iteration only, resident-prone.
	ldWgk := alignUp(dimK, s.BlockI)
	switch s.GradKV {
	case AccumResident:
		gemm.MulAcc(st.resK, dimK, ar.dsT, s.BlockI, ar.qTile, dimK, nk, dimK, nq)
	case AccumSpilled:
		if isFirstQuery {
			clearF32(st.dkAcc)
		} else {
			reloadTile(st.dkAcc, dimK, g.wgk, ldWgk, keyStart, nk, dimK)
		}
		gemm.MulAcc(st.dkAcc, dimK, ar.dsT, s.BlockI, ar.qTile, dimK, nk, dimK, nq)
		if isLastQuery {
			storeTile(g.gk[keyStart*p.gKStrideM():], p.gKStrideM(), st.dkAcc, dimK, nk, dimK, true)
		} else {
			spillTile(g.wgk, ldWgk, keyStart, st.dkAcc, dimK, nk, dimK)
		}
	case AccumDirect:
		clearF32(st.dkAcc)
		gemm.MulAcc(st.dkAcc, dimK, ar.dsT, s.BlockI, ar.qTile, dimK, nk, dimK, nq)
		storeTile(g.gk[keyStart*p.gKStrideM():], p.gKStrideM(), st.dkAcc, dimK, nk, dimK, isFirstQuery)
	}
}
