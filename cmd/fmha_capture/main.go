// fmha_capture runs one attention backward launch and captures its
// gradient tensors as Arrow record batches, written to an IPC file
// and/or uploaded to an Arrow Flight collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/barry-jin/xformers/fmha"
	"github.com/barry-jin/xformers/internal/capture"
	"github.com/barry-jin/xformers/internal/config"
	"github.com/barry-jin/xformers/internal/logger"
)

var (
	batches     = flag.Int("batches", 1, "Number of batches")
	heads       = flag.Int("heads", 2, "Number of attention heads")
	numQueries  = flag.Int("queries", 128, "Query sequence length")
	numKeys     = flag.Int("keys", 128, "Key sequence length")
	headDim     = flag.Int("head-dim", 64, "Head dimension")
	causal      = flag.Bool("causal", false, "Apply causal masking")
	dropoutProb = flag.Float64("dropout", 0, "Dropout probability")
	seed        = flag.Uint64("seed", 1, "RNG seed")
	outPath     = flag.String("o", "", "Write gradients to this Arrow IPC file")
	flightAddr  = flag.String("flight", "", "Upload gradients to this Flight address (host:port)")
	dataset     = flag.String("dataset", "attention_backward", "Flight dataset path")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *outPath == "" && *flightAddr == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [-o <file>] [-flight <addr>] [shape flags]\n", os.Args[0])
		os.Exit(1)
	}

	cfg := &config.Config{
		Batches:      *batches,
		Heads:        *heads,
		NumQueries:   *numQueries,
		NumKeys:      *numKeys,
		HeadDim:      *headDim,
		HeadDimValue: *headDim,
		Causal:       *causal,
		DropoutProb:  *dropoutProb,
		Seed:         *seed,
		FlightAddr:   *flightAddr,
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err)
	}

	tensors, err := run(cfg)
	if err != nil {
		logger.Log.Fatal("backward failed", "error", err)
	}

	if *outPath != "" {
		if err := capture.WriteFile(*outPath, tensors); err != nil {
			logger.Log.Fatal("capture file failed", "error", err)
		}
		logger.Log.Info("wrote capture file", "path", *outPath, "tensors", len(tensors))
	}
	if cfg.FlightAddr != "" {
		uploader, err := capture.Dial(cfg.FlightAddr)
		if err != nil {
			logger.Log.Fatal("flight dial failed", "error", err)
		}
		defer uploader.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := uploader.Put(ctx, *dataset, tensors); err != nil {
			logger.Log.Fatal("flight upload failed", "error", err)
		}
		logger.Log.Info("uploaded capture", "addr", cfg.FlightAddr, "dataset", *dataset)
	}
}

func run(cfg *config.Config) ([]capture.Tensor, error) {
	p := fmha.NewParams[float32](cfg.Batches, cfg.Heads, cfg.NumQueries, cfg.NumKeys, cfg.HeadDim, cfg.HeadDimValue)
	p.Scale = float32(1 / math.Sqrt(float64(cfg.HeadDim)))
	p.Causal = cfg.Causal
	p.ComputeDelta = true
	p.DropoutProb = float32(cfg.DropoutProb)
	p.RNGSeed = cfg.Seed

	bh := cfg.Batches * cfg.Heads
	p.Query = fmha.AlignedAlloc[float32](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDim)
	p.Key = fmha.AlignedAlloc[float32](cfg.Batches * cfg.NumKeys * cfg.Heads * cfg.HeadDim)
	p.Value = fmha.AlignedAlloc[float32](cfg.Batches * cfg.NumKeys * cfg.Heads * cfg.HeadDim)
	p.Output = fmha.AlignedAlloc[float32](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDim)
	p.GradOutput = fmha.AlignedAlloc[float32](cfg.Batches * cfg.NumQueries * cfg.Heads * cfg.HeadDim)
	p.Logsumexp = make([]float32, bh*p.LseStride)
	p.Delta = make([]float32, bh*cfg.NumQueries)
	p.GradQuery = make([]float32, len(p.Query))
	p.GradKey = make([]float32, len(p.Key))
	p.GradValue = make([]float32, len(p.Value))

	rng := rand.New(rand.NewSource(int64(cfg.Seed)))
	for _, s := range [][]float32{p.Query, p.Key, p.Value, p.GradOutput} {
		for i := range s {
			s[i] = float32(rng.Float64() - 0.5)
		}
	}
	fmha.ReferenceForward(p)

	if err := fmha.Backward(p); err != nil {
		return nil, err
	}

	dimsQ := []int64{int64(cfg.Batches), int64(cfg.NumQueries), int64(cfg.Heads), int64(cfg.HeadDim)}
	dimsK := []int64{int64(cfg.Batches), int64(cfg.NumKeys), int64(cfg.Heads), int64(cfg.HeadDim)}
	return []capture.Tensor{
		{Name: "grad_query", Dims: dimsQ, Values: p.GradQuery},
		{Name: "grad_key", Dims: dimsK, Values: p.GradKey},
		{Name: "grad_value", Dims: dimsK, Values: p.GradValue},
		{Name: "logsumexp", Dims: []int64{int64(bh), int64(p.LseStride)}, Values: p.Logsumexp},
		{Name: "delta", Dims: []int64{int64(bh), int64(cfg.NumQueries)}, Values: p.Delta},
	}, nil
}
