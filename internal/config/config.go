package config

import (
	"fmt"
	"strings"
)

type Precision int

const (
	PrecisionF32 Precision = iota
	PrecisionF16
)

func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return PrecisionF32, nil
	case "f16", "fp16", "float16":
		return PrecisionF16, nil
	}
	return PrecisionF32, fmt.Errorf("unknown precision: %q (want f32 or f16)", s)
}

func (p Precision) String() string {
	if p == PrecisionF16 {
		return "f16"
	}
	return "f32"
}

// Config describes one attention backward problem for the command-line
// tools: the tensor shapes, the attention options and where to send
// captured tensors.
type Config struct {
	Batches      int
	Heads        int
	NumQueries   int
	NumKeys      int
	HeadDim      int
	HeadDimValue int

	Precision Precision
	Causal    bool
	Bias      bool

	DropoutProb float64
	Seed        uint64

	// Flight endpoint for tensor capture; empty disables upload.
	FlightAddr string

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.Batches <= 0 {
		return fmt.Errorf("invalid batches: %d (must be positive)", c.Batches)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.NumQueries <= 0 {
		return fmt.Errorf("invalid num_queries: %d (must be positive)", c.NumQueries)
	}
	if c.NumKeys <= 0 {
		return fmt.Errorf("invalid num_keys: %d (must be positive)", c.NumKeys)
	}
	if c.HeadDim <= 0 || c.HeadDim > 128 {
		return fmt.Errorf("invalid head_dim: %d (must be in 1..128)", c.HeadDim)
	}
	if c.HeadDimValue <= 0 || c.HeadDimValue > 128 {
		return fmt.Errorf("invalid head_dim_value: %d (must be in 1..128)", c.HeadDimValue)
	}
	if c.DropoutProb < 0 || c.DropoutProb >= 1 {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", c.DropoutProb)
	}
	return nil
}
