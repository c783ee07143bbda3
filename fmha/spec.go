package fmha

import "fmt"

// maxSupportedK is the upper bound on head dimensions the tile
// specializations cover.
const maxSupportedK = 128

// AccumMode says where the partial sums for one gradient output live
// between the tile passes that contribute to it.
type AccumMode int

const (
	// AccumDirect adds straight into the destination tensor: the output
	// element type is wide enough to accumulate in place.
	AccumDirect AccumMode = iota
	// AccumResident keeps the accumulator tile in fast per-lane storage
	// for the whole kernel and writes the destination exactly once.
	AccumResident
	// AccumSpilled round-trips the float32 partials through the caller's
	// workspace between outer-loop iterations.
	AccumSpilled
)

func (m AccumMode) String() string {
	switch m {
	case AccumDirect:
		return "direct"
	case AccumResident:
		return "resident"
	case AccumSpilled:
		return "spilled"
	}
	return fmt.Sprintf("AccumMode(%d)", int(m))
}

// Spec fixes the tile geometry and accumulation strategy for a launch.
// It is selected once from the head dimensions and the element width and
// never changes at run time.
type Spec struct {
	BlockI int // query tile rows
	BlockJ int // key tile rows
	MaxK   int // upper bound on max(headDim, headDimValue)

	ElemBits int

	// GradKV covers dK and dV: they accumulate across the inner query
	// loop for a fixed key tile. GradQ accumulates across the outer key
	// loop for a fixed query tile, so residency additionally needs the
	// whole problem to fit in one key tile.
	GradKV AccumMode
	GradQ  AccumMode
}

// SpecOptions are the capability knobs of the host running the kernel.
type SpecOptions struct {
	// Supports64x128 allows the wide 128-row tiles. Hosts without it fall
	// back to 64-row tiles, which forces dK/dV off the resident path for
	// large head dimensions.
	Supports64x128 bool
}

// DefaultSpecOptions matches current hardware.
func DefaultSpecOptions() SpecOptions {
	return SpecOptions{Supports64x128: true}
}

// BuildSpec selects the tile specialization for the given head dimensions
// and element type T.
func BuildSpec[T Element](headDim, headDimValue int, opts SpecOptions) (Spec, error) {
	maxK := headDim
	if headDimValue > maxK {
		maxK = headDimValue
	}
	if maxK <= 0 {
		return Spec{}, fmt.Errorf("%w: head_dim=%d head_dim_value=%d", ErrUnsupportedShape, headDim, headDimValue)
	}
	if maxK > maxSupportedK {
		return Spec{}, fmt.Errorf("%w: max(head_dim, head_dim_value)=%d exceeds %d", ErrUnsupportedShape, maxK, maxSupportedK)
	}

	bits := elemBits[T]()
	narrow := bits <= 16

	blockI := 64
	if opts.Supports64x128 && maxK > 64 {
		blockI = 128
	}
	// dK/dV can stay in per-lane storage when an entire accumulator tile
	// fits for the kernel's lifetime.
	outputResident := narrow && maxK <= blockI
	blockJ := 64
	if outputResident && maxK > 64 {
		blockJ = 128
	}

	s := Spec{
		BlockI:   blockI,
		BlockJ:   blockJ,
		MaxK:     maxK,
		ElemBits: bits,
		GradKV:   AccumDirect,
		GradQ:    AccumDirect,
	}
	if narrow {
		// Accumulating in the narrow storage type would lose partial
		// sums, so narrow outputs either stay resident or spill.
		if outputResident {
			s.GradKV = AccumResident
		} else {
			s.GradKV = AccumSpilled
		}
		s.GradQ = AccumSpilled
	}
	return s, nil
}

// covers reports whether the specialization can run the given problem.
// A mismatch here means the caller dispatched a kernel compiled for a
// different capability class; that is fatal, not recoverable.
func (s Spec) covers(headDim, headDimValue, bits int) bool {
	maxK := headDim
	if headDimValue > maxK {
		maxK = headDimValue
	}
	return maxK <= s.MaxK && bits == s.ElemBits
}

// gradQResident reports whether dQ can skip the workspace entirely:
// with a single key tile there is no cross-iteration state to carry.
func (s Spec) gradQResident(numKeys int) bool {
	return s.GradQ != AccumSpilled || numKeys <= s.BlockJ
}

func alignUp(n, m int) int {
	return (n + m - 1) / m * m
}

// Workspace region sizes, in float32 elements, for one (batch, head)
// slice. A region is zero when the corresponding output never touches
// the workspace.

func (s Spec) workspaceElementsGK(numKeys, headDim int) int {
	if s.GradKV != AccumSpilled {
		return 0
	}
	return alignUp(numKeys, s.BlockJ) * alignUp(headDim, s.BlockI)
}

func (s Spec) workspaceElementsGV(numKeys, headDimValue int) int {
	if s.GradKV != AccumSpilled {
		return 0
	}
	return alignUp(numKeys, s.BlockJ) * alignUp(headDimValue, s.BlockI)
}

func (s Spec) workspaceElementsGQ(numQueries, numKeys, headDim int) int {
	if s.GradQ != AccumSpilled || numKeys <= s.BlockJ {
		return 0
	}
	return alignUp(numQueries, s.BlockI) * alignUp(headDim, s.BlockJ)
}

// workspaceStrideBH is the per-(batch, head) workspace stride in float32
// elements, aligned to 128 bits.
func (s Spec) workspaceStrideBH(numQueries, numKeys, headDim, headDimValue int) int {
	return alignUp(
		s.workspaceElementsGK(numKeys, headDim)+
			s.workspaceElementsGV(numKeys, headDimValue)+
			s.workspaceElementsGQ(numQueries, numKeys, headDim),
		4)
}
