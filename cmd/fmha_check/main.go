// fmha_check runs the tiled attention backward kernel against the direct
// reference on a randomly generated problem and reports the worst
// gradient disagreement.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/x448/float16"

	"github.com/barry-jin/xformers/fmha"
	"github.com/barry-jin/xformers/internal/config"
	"github.com/barry-jin/xformers/internal/logger"
)

var (
	batches      = flag.Int("batches", 1, "Number of batches")
	heads        = flag.Int("heads", 2, "Number of attention heads")
	numQueries   = flag.Int("queries", 128, "Query sequence length")
	numKeys      = flag.Int("keys", 128, "Key sequence length")
	headDim      = flag.Int("head-dim", 64, "Head dimension of Q and K")
	headDimValue = flag.Int("head-dim-value", 0, "Head dimension of V (defaults to head-dim)")
	precision    = flag.String("precision", "f32", "Element type: f32 or f16")
	causal       = flag.Bool("causal", false, "Apply causal masking")
	bias         = flag.Bool("bias", false, "Add an attention bias and check its gradient")
	dropoutProb  = flag.Float64("dropout", 0, "Dropout probability")
	seed         = flag.Uint64("seed", 1, "RNG seed for inputs and dropout")
	tolerance    = flag.Float64("tol", 0, "Max relative error allowed (0 picks a per-precision default)")
	logLevel     = flag.String("log-level", "info", "Log level")
	logFormat    = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := &config.Config{
		Batches:      *batches,
		Heads:        *heads,
		NumQueries:   *numQueries,
		NumKeys:      *numKeys,
		HeadDim:      *headDim,
		HeadDimValue: *headDimValue,
		Causal:       *causal,
		Bias:         *bias,
		DropoutProb:  *dropoutProb,
		Seed:         *seed,
	}
	if cfg.HeadDimValue == 0 {
		cfg.HeadDimValue = cfg.HeadDim
	}
	var err error
	if cfg.Precision, err = config.ParsePrecision(*precision); err != nil {
		logger.Log.Fatal("invalid precision", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err)
	}

	tol := *tolerance
	if tol == 0 {
		tol = 5e-3
		if cfg.Precision == config.PrecisionF16 {
			tol = 5e-2
		}
	}

	var worst float64
	switch cfg.Precision {
	case config.PrecisionF16:
		worst, err = runCheck[float16.Float16](cfg)
	default:
		worst, err = runCheck[float32](cfg)
	}
	if err != nil {
		logger.Log.Fatal("check failed", "error", err)
	}

	fmt.Printf("worst relative error: %.3e (tolerance %.1e)\n", worst, tol)
	if worst > tol {
		fmt.Println("FAIL")
		os.Exit(1)
	}
	fmt.Println("OK")
}

func runCheck[T fmha.Element](cfg *config.Config) (float64, error) {
	p := buildProblem[T](cfg)
	ref := *p
	ref.GradQuery = make([]T, len(p.GradQuery))
	ref.GradKey = make([]T, len(p.GradKey))
	ref.GradValue = make([]T, len(p.GradValue))
	ref.Delta = make([]float32, len(p.Delta))
	if p.GradBias != nil {
		ref.GradBias = make([]T, len(p.GradBias))
	}

	s, err := fmha.BuildSpec[T](cfg.HeadDim, cfg.HeadDimValue, fmha.DefaultSpecOptions())
	if err != nil {
		return 0, err
	}
	if n := p.WorkspaceSize(s); n > 0 {
		p.Workspace = make([]float32, n)
	}
	logger.Log.Info("running check",
		"precision", cfg.Precision.String(),
		"block_i", s.BlockI, "block_j", s.BlockJ,
		"grad_kv", s.GradKV.String(), "grad_q", s.GradQ.String(),
		"workspace_f32", p.WorkspaceSize(s))

	fmha.ReferenceBackward(&ref)
	if err := fmha.BackwardWithSpec(p, s); err != nil {
		return 0, err
	}

	worst := relErr(p.GradQuery, ref.GradQuery)
	worst = math.Max(worst, relErr(p.GradKey, ref.GradKey))
	worst = math.Max(worst, relErr(p.GradValue, ref.GradValue))
	if p.GradBias != nil {
		worst = math.Max(worst, relErr(p.GradBias, ref.GradBias))
	}
	return worst, nil
}

func buildProblem[T fmha.Element](cfg *config.Config) *fmha.Params[T] {
	p := fmha.NewParams[T](cfg.Batches, cfg.Heads, cfg.NumQueries, cfg.NumKeys, cfg.HeadDim, cfg.HeadDimValue)
	p.Scale = float32(1 / math.Sqrt(float64(cfg.HeadDim)))
	p.Causal = cfg.Causal
	p.ComputeDelta = true
	p.DropoutProb = float32(cfg.DropoutProb)
	p.RNGSeed = cfg.Seed

	bh := cfg.Batches * cfg.Heads
	p.Query = fmha.AlignedAlloc[T](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDim)
	p.Key = fmha.AlignedAlloc[T](cfg.Batches * cfg.NumKeys * cfg.Heads * cfg.HeadDim)
	p.Value = fmha.AlignedAlloc[T](cfg.Batches * cfg.NumKeys * cfg.Heads * cfg.HeadDimValue)
	p.Output = fmha.AlignedAlloc[T](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDimValue)
	p.GradOutput = fmha.AlignedAlloc[T](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDimValue)
	p.Logsumexp = make([]float32, bh*p.LseStride)
	p.Delta = make([]float32, bh*cfg.NumQueries)
	p.GradQuery = make([]T, len(p.Query))
	p.GradKey = make([]T, len(p.Key))
	p.GradValue = make([]T, len(p.Value))

	rng := rand.New(rand.NewSource(int64(cfg.Seed)))
	fill := func(s []T, scale float64) {
		for i := range s {
			s[i] = roundTo[T](float32((rng.Float64()*2 - 1) * scale))
		}
	}
	fill(p.Query, 0.5)
	fill(p.Key, 0.5)
	fill(p.Value, 0.5)
	fill(p.GradOutput, 0.5)
	if cfg.Bias {
		b := make([]T, cfg.Batches*cfg.Heads*cfg.NumQueries*cfg.NumKeys)
		gb := make([]T, len(b))
		fill(b, 0.2)
		p.WithBias(b, gb)
	}

	fmha.ReferenceForward(p)
	return p
}

func roundTo[T fmha.Element](f float32) T {
	switch any(*new(T)).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(f)).(T)
	default:
		return any(f).(T)
	}
}

func toFloat[T fmha.Element](v T) float64 {
	switch x := any(v).(type) {
	case float16.Float16:
		return float64(x.Float32())
	case float32:
		return float64(x)
	}
	return 0
}

func relErr[T fmha.Element](got, want []T) float64 {
	var worst float64
	for i := range got {
		g, w := toFloat(got[i]), toFloat(want[i])
		d := math.Abs(g - w)
		if m := math.Max(math.Abs(g), math.Abs(w)); m > 1e-3 {
			d /= m
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}
