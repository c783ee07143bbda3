package fmha

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrPointerNotAligned means a tensor base is not aligned to the
	// minimum vector access width.
	ErrPointerNotAligned = errors.New("fmha: pointer not aligned")
	// ErrStrideNotAligned means a stride is not a multiple of the
	// minimum vector access width.
	ErrStrideNotAligned = errors.New("fmha: stride not aligned")
	// ErrUnsupportedShape means no compiled tile specialization covers
	// the head dimension / element type combination.
	ErrUnsupportedShape = errors.New("fmha: unsupported shape")
	// ErrWorkspaceRequired means the accumulation strategy needs a
	// workspace and the caller supplied none or too little.
	ErrWorkspaceRequired = errors.New("fmha: workspace missing or too small")
)

// Params is the invocation contract for one backward launch. Tensors are
// borrowed from the caller and addressed through the strides below; the
// engine never allocates or frees them. All fields are read-only for the
// kernel's lifetime except the gradient outputs, Delta (when ComputeDelta
// is set) and Workspace.
type Params[T Element] struct {
	// Inputs saved from the forward pass.
	Query      []T       // [Mq, K] per (batch, head)
	Key        []T       // [Mk, K]
	Value      []T       // [Mk, Kv]
	Bias       []T       // optional additive bias [Mq, Mk]
	Logsumexp  []float32 // per-row log normalizer [Mq]
	Output     []T       // [Mq, Kv]
	GradOutput []T       // upstream gradient [Mq, Kv]
	Delta      []float32 // [Mq], filled here when ComputeDelta is set

	// Outputs.
	GradQuery []T
	GradKey   []T
	GradValue []T
	GradBias  []T // written only when Bias is present and this is non-nil

	// Workspace holds spilled partial sums; may be nil when the
	// accumulation strategy never spills (WorkspaceSize reports 0).
	Workspace []float32

	Scale float32

	HeadDim      int
	HeadDimValue int
	NumQueries   int
	NumKeys      int
	NumHeads     int
	NumBatches   int
	Causal       bool

	// Row strides (elements between consecutive sequence rows).
	QStrideM    int
	KStrideM    int
	VStrideM    int
	BiasStrideM int
	OStrideM    int
	GOStrideM   int
	GBStrideM   int
	// 3 when dQ/dK/dV live interleaved in one packed buffer, 1 otherwise.
	GradQKVStrideMMultiplier int

	// Per-head and per-batch strides.
	QStrideH, KStrideH, VStrideH, BiasStrideH    int
	QStrideB, KStrideB, VStrideB, BiasStrideB    int
	OStrideH, OStrideB                           int
	GOStrideH, GOStrideB                         int
	GQStrideH, GKStrideH, GVStrideH, GBStrideH   int
	GQStrideB, GKStrideB, GVStrideB, GBStrideB   int
	LseStride                                    int // per (batch, head) slice stride of Logsumexp

	// ComputeDelta makes the kernel fill Delta from Output and
	// GradOutput before the main loop; otherwise Delta is trusted as a
	// precomputed input.
	ComputeDelta bool

	// Dropout.
	DropoutProb float32 // 0 disables dropout
	RNGSeed     uint64
	RNGOffset   uint64 // launch-wide offset into the Philox stream
}

// NewParams builds Params for the standard interleaved layout
// Q/K/V/O/dO[batch, seq, head, dim] with contiguous, unpacked gradients.
// Callers with exotic layouts fill the stride fields directly.
func NewParams[T Element](batches, heads, numQueries, numKeys, headDim, headDimValue int) *Params[T] {
	p := &Params[T]{
		HeadDim:      headDim,
		HeadDimValue: headDimValue,
		NumQueries:   numQueries,
		NumKeys:      numKeys,
		NumHeads:     heads,
		NumBatches:   batches,

		GradQKVStrideMMultiplier: 1,

		QStrideM: heads * headDim,
		KStrideM: heads * headDim,
		VStrideM: heads * headDimValue,
		QStrideH: headDim,
		KStrideH: headDim,
		VStrideH: headDimValue,
		QStrideB: numQueries * heads * headDim,
		KStrideB: numKeys * heads * headDim,
		VStrideB: numKeys * heads * headDimValue,

		OStrideM:  heads * headDimValue,
		OStrideH:  headDimValue,
		OStrideB:  numQueries * heads * headDimValue,
		GOStrideM: heads * headDimValue,
		GOStrideH: headDimValue,
		GOStrideB: numQueries * heads * headDimValue,

		GQStrideH: headDim,
		GKStrideH: headDim,
		GVStrideH: headDimValue,
		GQStrideB: numQueries * heads * headDim,
		GKStrideB: numKeys * heads * headDim,
		GVStrideB: numKeys * heads * headDimValue,

		// Padded so the per-slice stride keeps its alignment for any Mq.
		LseStride: alignUp(numQueries, 8),
	}
	return p
}

// WithBias wires an additive bias (and optionally its gradient output)
// with the standard [batch, head, Mq, Mk] layout.
func (p *Params[T]) WithBias(bias, gradBias []T) *Params[T] {
	p.Bias = bias
	p.GradBias = gradBias
	p.BiasStrideM = p.NumKeys
	p.BiasStrideH = p.NumQueries * p.NumKeys
	p.BiasStrideB = p.NumHeads * p.NumQueries * p.NumKeys
	p.GBStrideM = p.NumKeys
	p.GBStrideH = p.NumQueries * p.NumKeys
	p.GBStrideB = p.NumHeads * p.NumQueries * p.NumKeys
	return p
}

// Derived row strides for the packed-aware gradient tensors.

func (p *Params[T]) gQStrideM() int {
	return p.GradQKVStrideMMultiplier * p.NumHeads * p.HeadDim
}

func (p *Params[T]) gKStrideM() int {
	return p.GradQKVStrideMMultiplier * p.NumHeads * p.HeadDim
}

func (p *Params[T]) gVStrideM() int {
	return p.GradQKVStrideMMultiplier * p.NumHeads * p.HeadDimValue
}

// WorkspaceSize reports the number of float32 elements the caller must
// provide in Workspace for this problem under the given specialization.
// Zero means fully resident accumulation and a nil workspace is fine.
// The contents need no initialization: every region receives a fresh
// store before its first accumulating load.
func (p *Params[T]) WorkspaceSize(s Spec) int {
	return p.NumBatches * p.NumHeads *
		s.workspaceStrideBH(p.NumQueries, p.NumKeys, p.HeadDim, p.HeadDimValue)
}

// AlignedAlloc returns a length-n slice whose base pointer satisfies the
// 16-byte alignment the launch validation requires. The Go allocator
// usually provides this for large slices anyway; AlignedAlloc makes it
// deterministic.
func AlignedAlloc[T Element](n int) []T {
	pad := 16 / (elemBits[T]() / 8)
	buf := make([]T, n+pad)
	for off := 0; off < pad; off++ {
		if basePtrAligned(buf[off:], 16) {
			return buf[off : off+n : off+n]
		}
	}
	return buf[:n:n]
}

func basePtrAligned[T Element](s []T, bytes int) bool {
	if len(s) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&s[0]))%uintptr(bytes) == 0
}

// CheckSupported is the pre-flight validation gate: it fails fast, before
// any computation runs, on misaligned tensors or a specialization that
// cannot cover the problem. No partial work happens after a failure.
func (p *Params[T]) CheckSupported(s Spec) error {
	if !s.covers(p.HeadDim, p.HeadDimValue, elemBits[T]()) {
		return fmt.Errorf("%w: head_dim=%d head_dim_value=%d elem_bits=%d vs spec max_k=%d elem_bits=%d",
			ErrUnsupportedShape, p.HeadDim, p.HeadDimValue, elemBits[T](), s.MaxK, s.ElemBits)
	}

	align := minAlignment[T]()
	alignBytes := 16
	for _, tensor := range []struct {
		name string
		s    []T
	}{
		{"query", p.Query},
		{"key", p.Key},
		{"value", p.Value},
		{"output", p.Output},
		{"grad_output", p.GradOutput},
	} {
		if !basePtrAligned(tensor.s, alignBytes) {
			return fmt.Errorf("%w: %s", ErrPointerNotAligned, tensor.name)
		}
	}
	if p.LseStride%8 != 0 {
		return fmt.Errorf("%w: logsumexp stride %d", ErrStrideNotAligned, p.LseStride)
	}
	if p.QStrideH%align != 0 {
		return fmt.Errorf("%w: query head stride %d", ErrStrideNotAligned, p.QStrideH)
	}
	if p.KStrideH%align != 0 {
		return fmt.Errorf("%w: key head stride %d", ErrStrideNotAligned, p.KStrideH)
	}
	if p.VStrideH%align != 0 {
		return fmt.Errorf("%w: value head stride %d", ErrStrideNotAligned, p.VStrideH)
	}

	if need := p.WorkspaceSize(s); need > 0 && len(p.Workspace) < need {
		return fmt.Errorf("%w: need %d float32 elements, have %d", ErrWorkspaceRequired, need, len(p.Workspace))
	}
	return nil
}
