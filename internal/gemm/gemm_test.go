package gemm

import (
	"math"
	"math/rand"
	"testing"
)

func naiveMul(a []float32, lda int, b []float32, ldb int, m, n, k int, bT bool) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				var bv float32
				if bT {
					bv = b[j*ldb+p]
				} else {
					bv = b[p*ldb+j]
				}
				sum += float64(a[i*lda+p]) * float64(bv)
			}
			c[i*n+j] = float32(sum)
		}
	}
	return c
}

func randMat(rng *rand.Rand, rows, ld, cols int) []float32 {
	m := make([]float32, rows*ld)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m[r*ld+c] = float32(rng.Float64()*2 - 1)
		}
	}
	return m
}

func TestMulAcc(t *testing.T) {
	cases := []struct{ m, n, k, lda, ldb, ldc int }{
		{4, 4, 4, 4, 4, 4},
		{7, 5, 9, 16, 8, 5},
		{64, 32, 128, 128, 32, 40}, // spans multiple k panels
		{1, 1, 1, 4, 4, 4},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tc := range cases {
		a := randMat(rng, tc.m, tc.lda, tc.k)
		b := randMat(rng, tc.k, tc.ldb, tc.n)
		c := make([]float32, tc.m*tc.ldc)
		MulAcc(c, tc.ldc, a, tc.lda, b, tc.ldb, tc.m, tc.n, tc.k)
		want := naiveMul(a, tc.lda, b, tc.ldb, tc.m, tc.n, tc.k, false)
		checkMat(t, c, tc.ldc, want, tc.m, tc.n)

		// Second call accumulates on top.
		MulAcc(c, tc.ldc, a, tc.lda, b, tc.ldb, tc.m, tc.n, tc.k)
		for i := 0; i < tc.m; i++ {
			for j := 0; j < tc.n; j++ {
				if d := math.Abs(float64(c[i*tc.ldc+j] - 2*want[i*tc.n+j])); d > 1e-4 {
					t.Fatalf("accumulate (%d,%d): diff %g", i, j, d)
				}
			}
		}
	}
}

func TestMulAccTB(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, tc := range []struct{ m, n, k, lda, ldb, ldc int }{
		{4, 4, 4, 4, 4, 4},
		{9, 13, 24, 32, 32, 13},
		{64, 64, 65, 72, 72, 64},
	} {
		a := randMat(rng, tc.m, tc.lda, tc.k)
		b := randMat(rng, tc.n, tc.ldb, tc.k)
		c := make([]float32, tc.m*tc.ldc)
		MulAccTB(c, tc.ldc, a, tc.lda, b, tc.ldb, tc.m, tc.n, tc.k)
		want := naiveMul(a, tc.lda, b, tc.ldb, tc.m, tc.n, tc.k, true)
		checkMat(t, c, tc.ldc, want, tc.m, tc.n)
	}
}

func TestMulAccScaledA(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, n, k := 12, 10, 17
	lda, lds, ldb, ldc := 20, 20, 10, 10
	a := randMat(rng, m, lda, k)
	b := randMat(rng, k, ldb, n)
	s := make([]float32, m*lds)
	for i := range s {
		// Mask-like scale: mostly a fixed factor, some zeros.
		if rng.Float64() < 0.3 {
			s[i] = 0
		} else {
			s[i] = 1.25
		}
	}
	c := make([]float32, m*ldc)
	MulAccScaledA(c, ldc, a, lda, s, lds, b, ldb, m, n, k)

	scaled := make([]float32, len(a))
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			scaled[i*lda+p] = a[i*lda+p] * s[i*lds+p]
		}
	}
	want := naiveMul(scaled, lda, b, ldb, m, n, k, false)
	checkMat(t, c, ldc, want, m, n)
}

func checkMat(t *testing.T, got []float32, ldGot int, want []float32, m, n int) {
	t.Helper()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			g := float64(got[i*ldGot+j])
			w := float64(want[i*n+j])
			if math.Abs(g-w) > 1e-4*(1+math.Abs(w)) {
				t.Fatalf("(%d,%d): got %g want %g", i, j, g, w)
			}
		}
	}
}
