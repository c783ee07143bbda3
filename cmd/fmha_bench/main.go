// fmha_bench times the attention backward kernel over repeated launches
// and reports throughput. With -metrics-addr it also exposes the
// Prometheus counters the engine maintains.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/x448/float16"

	"github.com/barry-jin/xformers/fmha"
	"github.com/barry-jin/xformers/internal/config"
	"github.com/barry-jin/xformers/internal/logger"
)

var (
	batches      = flag.Int("batches", 2, "Number of batches")
	heads        = flag.Int("heads", 8, "Number of attention heads")
	numQueries   = flag.Int("queries", 512, "Query sequence length")
	numKeys      = flag.Int("keys", 512, "Key sequence length")
	headDim      = flag.Int("head-dim", 64, "Head dimension of Q and K")
	headDimValue = flag.Int("head-dim-value", 0, "Head dimension of V (defaults to head-dim)")
	precision    = flag.String("precision", "f32", "Element type: f32 or f16")
	causal       = flag.Bool("causal", false, "Apply causal masking")
	dropoutProb  = flag.Float64("dropout", 0, "Dropout probability")
	iterations   = flag.Int("n", 10, "Timed iterations")
	warmup       = flag.Int("warmup", 2, "Warmup iterations")
	metricsAddr  = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
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
		DropoutProb:  *dropoutProb,
		Seed:         1,
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

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Log.Info("serving metrics", "addr", *metricsAddr)
	}

	switch cfg.Precision {
	case config.PrecisionF16:
		err = runBench[float16.Float16](cfg)
	default:
		err = runBench[float32](cfg)
	}
	if err != nil {
		logger.Log.Fatal("benchmark failed", "error", err)
	}
}

func runBench[T fmha.Element](cfg *config.Config) error {
	p := buildProblem[T](cfg)
	s, err := fmha.BuildSpec[T](cfg.HeadDim, cfg.HeadDimValue, fmha.DefaultSpecOptions())
	if err != nil {
		return err
	}
	if n := p.WorkspaceSize(s); n > 0 {
		p.Workspace = make([]float32, n)
	}

	fmt.Printf("backward %dx%d q=%d k=%d hd=%d/%d %s tiles=%dx%d grad_kv=%s\n",
		cfg.Batches, cfg.Heads, cfg.NumQueries, cfg.NumKeys,
		cfg.HeadDim, cfg.HeadDimValue, cfg.Precision.String(),
		s.BlockI, s.BlockJ, s.GradKV.String())

	for i := 0; i < *warmup; i++ {
		if err := fmha.BackwardWithSpec(p, s); err != nil {
			return err
		}
	}

	start := time.Now()
	for i := 0; i < *iterations; i++ {
		if err := fmha.BackwardWithSpec(p, s); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	perIter := elapsed / time.Duration(*iterations)
	// Five tile matmuls: three over head_dim, two over head_dim_value.
	flops := 2 * float64(cfg.Batches) * float64(cfg.Heads) *
		float64(cfg.NumQueries) * float64(cfg.NumKeys) *
		float64(3*cfg.HeadDim+2*cfg.HeadDimValue)
	if cfg.Causal {
		flops /= 2
	}
	fmt.Printf("%d iterations: %v total, %v/iter, %.2f GFLOP/s\n",
		*iterations, elapsed.Round(time.Millisecond), perIter.Round(time.Microsecond),
		flops/perIter.Seconds()/1e9)
	return nil
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
	fill := func(s []T) {
		for i := range s {
			f := float32(rng.Float64() - 0.5)
			switch any(s).(type) {
			case []float16.Float16:
				s[i] = any(float16.Fromfloat32(f)).(T)
			default:
				s[i] = any(f).(T)
			}
		}
	}
	fill(p.Query)
	fill(p.Key)
	fill(p.Value)
	fill(p.GradOutput)

	// Setup cost, not timed.
	fmha.ReferenceForward(p)
	return p
}
