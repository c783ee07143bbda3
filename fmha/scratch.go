package fmha

import "fmt"

// scratchBudgetBytes is the per-group fast-memory budget the arena must
// fit in. The staging regions hold whole operand tiles, so the budget is
// sized for the largest specialization (128x128 tiles, maxK 128).
const scratchBudgetBytes = 640 << 10

// arena is the per-group scratch memory, carved from one allocation into
// named regions. Regions whose live ranges never overlap share bytes:
// dsT aliases probT because the dS derivation consumes each probability
// element exactly once before the transposed dS value lands in its slot.
//
// Live ranges within one tile pass:
//
//	kTile, vTile     whole outer (key tile) iteration
//	qTile, doTile    whole inner (query tile) iteration
//	probT            QK epilogue -> dS derivation (then becomes dsT)
//	maskT            dropout generation -> dS derivation
//	ds               dS derivation -> dQ matmul
//	dsT (=probT)     dS derivation -> dK matmul
type arena struct {
	buf []float32

	kTile  []float32 // [BlockJ, maxK]
	vTile  []float32 // [BlockJ, maxK]
	qTile  []float32 // [BlockI, maxK]
	doTile []float32 // [BlockI, maxK]

	probT []float32 // [BlockJ, BlockI], key-major
	maskT []float32 // [BlockJ, BlockI], key-major; empty without dropout
	ds    []float32 // [BlockI, BlockJ], query-major

	dsT []float32 // aliases probT
}

func arenaBytes(s Spec, dropout bool) int {
	tiles := 2*s.BlockJ*s.MaxK + 2*s.BlockI*s.MaxK // kTile+vTile, qTile+doTile
	n := tiles + 2*s.BlockI*s.BlockJ               // probT + ds
	if dropout {
		n += s.BlockI * s.BlockJ // maskT
	}
	return n * 4
}

// newArena allocates and partitions the scratch for one compute group.
// A budget overflow is a configuration error: it means the specialization
// was built for tiles this host cannot hold.
func newArena(s Spec, dropout bool) (*arena, error) {
	if b := arenaBytes(s, dropout); b > scratchBudgetBytes {
		return nil, fmt.Errorf("%w: scratch needs %d bytes, budget %d", ErrUnsupportedShape, b, scratchBudgetBytes)
	}

	n := arenaBytes(s, dropout) / 4
	a := &arena{buf: make([]float32, n)}
	off := 0
	carve := func(len int) []float32 {
		r := a.buf[off : off+len : off+len]
		off += len
		return r
	}
	a.kTile = carve(s.BlockJ * s.MaxK)
	a.vTile = carve(s.BlockJ * s.MaxK)
	a.qTile = carve(s.BlockI * s.MaxK)
	a.doTile = carve(s.BlockI * s.MaxK)
	a.probT = carve(s.BlockJ * s.BlockI)
	if dropout {
		a.maskT = carve(s.BlockJ * s.BlockI)
	}
	a.ds = carve(s.BlockI * s.BlockJ)
	a.dsT = a.probT
	return a, nil
}

func clearF32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
