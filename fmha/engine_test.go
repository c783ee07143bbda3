package fmha

import (
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

func randFill[T Element](rng *rand.Rand, s []T, scale float64) {
	for i := range s {
		s[i] = fromF32[T](float32((rng.Float64()*2 - 1) * scale))
	}
}

type problem struct {
	batches, heads int
	mq, mk         int
	headDim        int
	headDimValue   int
	causal         bool
	bias           bool
	dropout        float32
	seed           uint64
}

// buildProblem allocates every tensor for the standard layout, fills the
// inputs with reproducible random data, and runs the float64 forward so
// Output and Logsumexp are consistent with Q, K, V.
func buildProblem[T Element](t *testing.T, pr problem) *Params[T] {
	t.Helper()
	p := NewParams[T](pr.batches, pr.heads, pr.mq, pr.mk, pr.headDim, pr.headDimValue)
	p.Scale = float32(1 / math.Sqrt(float64(pr.headDim)))
	p.Causal = pr.causal
	p.ComputeDelta = true
	p.DropoutProb = pr.dropout
	p.RNGSeed = pr.seed

	bh := pr.batches * pr.heads
	p.Query = AlignedAlloc[T](pr.batches * pr.mq * pr.heads * pr.headDim)
	p.Key = AlignedAlloc[T](pr.batches * pr.mk * pr.heads * pr.headDim)
	p.Value = AlignedAlloc[T](pr.batches * pr.mk * pr.heads * pr.headDimValue)
	p.Output = AlignedAlloc[T](pr.batches * pr.mq * pr.heads * pr.headDimValue)
	p.GradOutput = AlignedAlloc[T](pr.batches * pr.mq * pr.heads * pr.headDimValue)
	p.Logsumexp = make([]float32, bh*p.LseStride)
	p.Delta = make([]float32, bh*pr.mq)
	p.GradQuery = make([]T, len(p.Query))
	p.GradKey = make([]T, len(p.Key))
	p.GradValue = make([]T, len(p.Value))

	rng := rand.New(rand.NewSource(int64(pr.seed) + 1))
	randFill(rng, p.Query, 0.5)
	randFill(rng, p.Key, 0.5)
	randFill(rng, p.Value, 0.5)
	randFill(rng, p.GradOutput, 0.5)
	if pr.bias {
		bias := make([]T, pr.batches*pr.heads*pr.mq*pr.mk)
		gbias := make([]T, len(bias))
		randFill(rng, bias, 0.2)
		p.WithBias(bias, gbias)
	}

	ReferenceForward(p)
	return p
}

// cloneForReference copies a problem so the oracle writes into its own
// gradient tensors.
func cloneForReference[T Element](p *Params[T]) *Params[T] {
	r := *p
	r.GradQuery = make([]T, len(p.GradQuery))
	r.GradKey = make([]T, len(p.GradKey))
	r.GradValue = make([]T, len(p.GradValue))
	r.Delta = make([]float32, len(p.Delta))
	if p.GradBias != nil {
		r.GradBias = make([]T, len(p.GradBias))
	}
	r.Workspace = nil
	return &r
}

func withinTol(a, b, atol, rtol float64) bool {
	d := math.Abs(a - b)
	m := math.Max(math.Abs(a), math.Abs(b))
	return d <= atol+rtol*m
}

func compareTensor[T Element](t *testing.T, name string, got, want []T, atol, rtol float64) {
	t.Helper()
	worst := 0.0
	bad := 0
	for i := range got {
		a := float64(toF32(got[i]))
		b := float64(toF32(want[i]))
		if !withinTol(a, b, atol, rtol) {
			if bad == 0 {
				t.Errorf("%s[%d]: got %g want %g", name, i, a, b)
			}
			bad++
		}
		if d := math.Abs(a - b); d > worst {
			worst = d
		}
	}
	if bad > 0 {
		t.Errorf("%s: %d/%d elements out of tolerance, worst abs diff %g", name, bad, len(got), worst)
	} else {
		t.Logf("%s: max abs diff %g", name, worst)
	}
}

func checkAgainstReference[T Element](t *testing.T, p *Params[T], atol, rtol float64) {
	t.Helper()
	s, err := BuildSpec[T](p.HeadDim, p.HeadDimValue, DefaultSpecOptions())
	if err != nil {
		t.Fatalf("BuildSpec: %v", err)
	}
	if n := p.WorkspaceSize(s); n > 0 {
		p.Workspace = make([]float32, n)
	}
	ref := cloneForReference(p)
	ReferenceBackward(ref)
	if err := BackwardWithSpec(p, s); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	compareF32(t, "delta", p.Delta, ref.Delta, atol, rtol)
	compareTensor(t, "grad_query", p.GradQuery, ref.GradQuery, atol, rtol)
	compareTensor(t, "grad_key", p.GradKey, ref.GradKey, atol, rtol)
	compareTensor(t, "grad_value", p.GradValue, ref.GradValue, atol, rtol)
	if p.GradBias != nil {
		compareTensor(t, "grad_bias", p.GradBias, ref.GradBias, atol, rtol)
	}
}

func compareF32(t *testing.T, name string, got, want []float32, atol, rtol float64) {
	t.Helper()
	for i := range got {
		if !withinTol(float64(got[i]), float64(want[i]), atol, rtol) {
			t.Fatalf("%s[%d]: got %g want %g", name, i, got[i], want[i])
		}
	}
}

func TestBackwardMatchesReferenceF32(t *testing.T) {
	cases := []struct {
		name string
		pr   problem
	}{
		{"single_tile", problem{batches: 1, heads: 1, mq: 32, mk: 32, headDim: 16, headDimValue: 16, seed: 7}},
		{"multi_tile", problem{batches: 1, heads: 1, mq: 128, mk: 128, headDim: 64, headDimValue: 64, seed: 11}},
		{"ragged_rows", problem{batches: 1, heads: 1, mq: 130, mk: 67, headDim: 24, headDimValue: 24, seed: 13}},
		{"tiny", problem{batches: 1, heads: 1, mq: 13, mk: 9, headDim: 8, headDimValue: 8, seed: 17}},
		{"batched_heads", problem{batches: 2, heads: 3, mq: 65, mk: 80, headDim: 32, headDimValue: 48, seed: 19}},
		{"wide_head", problem{batches: 1, heads: 2, mq: 96, mk: 96, headDim: 128, headDimValue: 128, seed: 23}},
		{"asymmetric_dims", problem{batches: 1, heads: 1, mq: 70, mk: 70, headDim: 40, headDimValue: 72, seed: 29}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := buildProblem[float32](t, tc.pr)
			checkAgainstReference(t, p, 1e-3, 2e-3)
		})
	}
}

func TestBackwardCausal(t *testing.T) {
	cases := []struct {
		name string
		pr   problem
	}{
		{"square", problem{batches: 1, heads: 2, mq: 128, mk: 128, headDim: 32, headDimValue: 32, causal: true, seed: 31}},
		{"ragged", problem{batches: 1, heads: 1, mq: 130, mk: 130, headDim: 16, headDimValue: 16, causal: true, seed: 37}},
		{"more_queries", problem{batches: 1, heads: 1, mq: 192, mk: 64, headDim: 16, headDimValue: 16, causal: true, seed: 41}},
		{"more_keys", problem{batches: 1, heads: 1, mq: 64, mk: 192, headDim: 16, headDimValue: 16, causal: true, seed: 43}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := buildProblem[float32](t, tc.pr)
			checkAgainstReference(t, p, 1e-3, 2e-3)
		})
	}
}

// Keys past the causal horizon receive no gradient at all; the engine
// must still write their dK/dV rows (as zeros) rather than leave them
// untouched.
func TestBackwardCausalZeroFillsUnreachedKeys(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 40, mk: 200, headDim: 16, headDimValue: 16, causal: true, seed: 47}
	p := buildProblem[float32](t, pr)
	poison := float32(math.NaN())
	for i := range p.GradKey {
		p.GradKey[i] = poison
		p.GradValue[i] = poison
	}
	checkAgainstReference(t, p, 1e-3, 2e-3)
	for j := pr.mq; j < pr.mk; j++ {
		for d := 0; d < pr.headDim; d++ {
			if v := p.GradKey[j*p.gKStrideM()+d]; v != 0 {
				t.Fatalf("grad_key[%d,%d] = %g, want explicit zero", j, d, v)
			}
		}
	}
}

// Query row 0 under causal masking attends exactly one key. Checked
// separately because it exercises the single-visible-element softmax
// gradient.
func TestBackwardCausalRowZero(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 16, mk: 16, headDim: 8, headDimValue: 8, causal: true, seed: 53}
	p := buildProblem[float32](t, pr)
	ref := cloneForReference(p)
	ReferenceBackward(ref)
	if err := Backward(p); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	// Row 0's probability on its only visible key is exactly 1, so its
	// dS row must be exactly zero and dQ row 0 with it.
	for d := 0; d < pr.headDim; d++ {
		if got := p.GradQuery[d]; math.Abs(float64(got)) > 1e-5 {
			t.Fatalf("grad_query[0,%d] = %g, want ~0", d, got)
		}
	}
	compareTensor(t, "grad_value", p.GradValue, ref.GradValue, 1e-4, 1e-3)
	compareTensor(t, "grad_query", p.GradQuery, ref.GradQuery, 1e-4, 1e-3)
}

func TestBackwardWithBias(t *testing.T) {
	for _, causal := range []bool{false, true} {
		name := "plain"
		if causal {
			name = "causal"
		}
		t.Run(name, func(t *testing.T) {
			pr := problem{batches: 1, heads: 2, mq: 70, mk: 70, headDim: 32, headDimValue: 32, bias: true, causal: causal, seed: 59}
			p := buildProblem[float32](t, pr)
			checkAgainstReference(t, p, 1e-3, 2e-3)
		})
	}
}

func TestBackwardDropout(t *testing.T) {
	cases := []struct {
		name string
		pr   problem
	}{
		{"p0.2", problem{batches: 1, heads: 1, mq: 96, mk: 96, headDim: 32, headDimValue: 32, dropout: 0.2, seed: 61}},
		{"p0.5_causal", problem{batches: 1, heads: 2, mq: 80, mk: 80, headDim: 16, headDimValue: 16, dropout: 0.5, causal: true, seed: 67}},
		{"p0.2_bias", problem{batches: 1, heads: 1, mq: 48, mk: 72, headDim: 24, headDimValue: 24, dropout: 0.2, bias: true, seed: 71}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := buildProblem[float32](t, tc.pr)
			checkAgainstReference(t, p, 2e-3, 4e-3)
		})
	}
}

// Same seed must give bit-identical gradients no matter how many times
// the kernel runs; a different seed must give a different mask.
func TestBackwardDropoutDeterminism(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 64, mk: 64, headDim: 16, headDimValue: 16, dropout: 0.3, seed: 73}
	p := buildProblem[float32](t, pr)
	if err := Backward(p); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	first := append([]float32(nil), p.GradQuery...)

	if err := Backward(p); err != nil {
		t.Fatalf("Backward rerun: %v", err)
	}
	for i := range first {
		if p.GradQuery[i] != first[i] {
			t.Fatalf("rerun grad_query[%d] = %g, want bit-identical %g", i, p.GradQuery[i], first[i])
		}
	}

	pr.seed = 74
	q := buildProblem[float32](t, pr)
	copy(q.Query, p.Query)
	copy(q.Key, p.Key)
	copy(q.Value, p.Value)
	copy(q.GradOutput, p.GradOutput)
	ReferenceForward(q)
	if err := Backward(q); err != nil {
		t.Fatalf("Backward other seed: %v", err)
	}
	same := true
	for i := range first {
		if q.GradQuery[i] != first[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("gradients identical across different RNG seeds")
	}
}

// Different tile geometries visit and accumulate in a different order but
// must land within numerical noise of each other and of the oracle.
func TestBackwardRetiling(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 200, mk: 144, headDim: 96, headDimValue: 96, seed: 79}
	p64 := buildProblem[float32](t, pr)
	p128 := buildProblem[float32](t, pr)

	s64, err := BuildSpec[float32](pr.headDim, pr.headDimValue, SpecOptions{Supports64x128: false})
	if err != nil {
		t.Fatalf("BuildSpec 64: %v", err)
	}
	s128, err := BuildSpec[float32](pr.headDim, pr.headDimValue, DefaultSpecOptions())
	if err != nil {
		t.Fatalf("BuildSpec 128: %v", err)
	}
	if s64.BlockI != 64 || s128.BlockI != 128 {
		t.Fatalf("tile selection: got BlockI %d and %d, want 64 and 128", s64.BlockI, s128.BlockI)
	}
	if err := BackwardWithSpec(p64, s64); err != nil {
		t.Fatalf("Backward 64: %v", err)
	}
	if err := BackwardWithSpec(p128, s128); err != nil {
		t.Fatalf("Backward 128: %v", err)
	}
	compareTensor(t, "grad_query", p64.GradQuery, p128.GradQuery, 1e-4, 1e-3)
	compareTensor(t, "grad_key", p64.GradKey, p128.GradKey, 1e-4, 1e-3)
	compareTensor(t, "grad_value", p64.GradValue, p128.GradValue, 1e-4, 1e-3)
}

func TestBackwardPrecomputedDelta(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 64, mk: 64, headDim: 16, headDimValue: 16, seed: 83}
	p := buildProblem[float32](t, pr)
	ref := cloneForReference(p)
	ReferenceBackward(ref)

	// Hand the engine the oracle's delta instead of letting it compute
	// its own.
	p.ComputeDelta = false
	copy(p.Delta, ref.Delta)
	if err := Backward(p); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	compareTensor(t, "grad_query", p.GradQuery, ref.GradQuery, 1e-4, 1e-3)
	compareTensor(t, "grad_key", p.GradKey, ref.GradKey, 1e-4, 1e-3)
	compareTensor(t, "grad_value", p.GradValue, ref.GradValue, 1e-4, 1e-3)
}

func TestBackwardF16(t *testing.T) {
	cases := []struct {
		name string
		pr   problem
		opts SpecOptions
		mode AccumMode
	}{
		{
			"resident_kv",
			problem{batches: 1, heads: 1, mq: 128, mk: 128, headDim: 64, headDimValue: 64, seed: 89},
			DefaultSpecOptions(),
			AccumResident,
		},
		{
			"resident_wide",
			problem{batches: 1, heads: 2, mq: 128, mk: 128, headDim: 128, headDimValue: 128, seed: 97},
			DefaultSpecOptions(),
			AccumResident,
		},
		{
			"spilled_kv",
			problem{batches: 1, heads: 1, mq: 160, mk: 160, headDim: 128, headDimValue: 128, seed: 101},
			SpecOptions{Supports64x128: false},
			AccumSpilled,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := BuildSpec[float16.Float16](tc.pr.headDim, tc.pr.headDimValue, tc.opts)
			if err != nil {
				t.Fatalf("BuildSpec: %v", err)
			}
			if s.GradKV != tc.mode {
				t.Fatalf("GradKV mode = %v, want %v", s.GradKV, tc.mode)
			}
			p := buildProblem[float16.Float16](t, tc.pr)
			if n := p.WorkspaceSize(s); n > 0 {
				p.Workspace = make([]float32, n)
			}
			ref := cloneForReference(p)
			ReferenceBackward(ref)
			if err := BackwardWithSpec(p, s); err != nil {
				t.Fatalf("Backward: %v", err)
			}
			compareTensor(t, "grad_query", p.GradQuery, ref.GradQuery, 2e-2, 2e-2)
			compareTensor(t, "grad_key", p.GradKey, ref.GradKey, 2e-2, 2e-2)
			compareTensor(t, "grad_value", p.GradValue, ref.GradValue, 2e-2, 2e-2)
		})
	}
}

func TestBackwardSpecMismatchPanics(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 16, mk: 16, headDim: 96, headDimValue: 96, seed: 103}
	p := buildProblem[float32](t, pr)
	s, err := BuildSpec[float32](32, 32, DefaultSpecOptions())
	if err != nil {
		t.Fatalf("BuildSpec: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on specialization mismatch")
		}
	}()
	processGroup(p, s, 0, 0)
}

func TestBackwardPaddedOutputStride(t *testing.T) {
	pr := problem{batches: 1, heads: 1, mq: 48, mk: 48, headDim: 32, headDimValue: 32, seed: 11}
	p := buildProblem[float32](t, pr)
	ref := cloneForReference(p)
	ReferenceBackward(ref)

	// Repack Output with a wider row stride. The pad lanes are poisoned
	// so a consumer that ignores OStrideM corrupts the comparison.
	rowStride := p.OStrideM + 8
	padded := AlignedAlloc[float32](pr.mq * rowStride)
	for i := 0; i < pr.mq; i++ {
		copy(padded[i*rowStride:i*rowStride+p.OStrideM], p.Output[i*p.OStrideM:(i+1)*p.OStrideM])
		for d := p.OStrideM; d < rowStride; d++ {
			padded[i*rowStride+d] = float32(math.NaN())
		}
	}
	p.Output = padded
	p.OStrideM = rowStride

	s, err := BuildSpec[float32](p.HeadDim, p.HeadDimValue, DefaultSpecOptions())
	if err != nil {
		t.Fatalf("BuildSpec: %v", err)
	}
	if err := BackwardWithSpec(p, s); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	compareF32(t, "delta", p.Delta, ref.Delta, 1e-3, 1e-3)
	compareTensor(t, "grad_query", p.GradQuery, ref.GradQuery, 1e-3, 1e-3)
	compareTensor(t, "grad_key", p.GradKey, ref.GradKey, 1e-3, 1e-3)
	compareTensor(t, "grad_value", p.GradValue, ref.GradValue, 1e-3, 1e-3)
}
