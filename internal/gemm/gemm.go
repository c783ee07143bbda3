// Package gemm is the tile matmul primitive behind the attention backward
// engine: it multiplies an A-tile by a B-tile, accumulating into a C-tile
// of float32 partial sums. Operands are row-major slices with explicit
// leading dimensions, so tiles can come from scratch memory or from a
// staged copy of a strided tensor.
package gemm

// blockK is the k-panel width; panels keep the B operand hot while the
// accumulator row is live.
const blockK = 64

// MulAcc computes C[m,n] += A[m,k] * B[k,n].
func MulAcc(c []float32, ldc int, a []float32, lda int, b []float32, ldb int, m, n, k int) {
	for k0 := 0; k0 < k; k0 += blockK {
		kEnd := k0 + blockK
		if kEnd > k {
			kEnd = k
		}
		for i := 0; i < m; i++ {
			arow := a[i*lda:]
			crow := c[i*ldc : i*ldc+n]
			for p := k0; p < kEnd; p++ {
				av := arow[p]
				if av == 0 {
					continue
				}
				brow := b[p*ldb : p*ldb+n]
				for j, bv := range brow {
					crow[j] += av * bv
				}
			}
		}
	}
}

// MulAccTB computes C[m,n] += A[m,k] * B[n,k]ᵀ, i.e. rows of B are dotted
// against rows of A.
func MulAccTB(c []float32, ldc int, a []float32, lda int, b []float32, ldb int, m, n, k int) {
	for i := 0; i < m; i++ {
		arow := a[i*lda : i*lda+k]
		crow := c[i*ldc : i*ldc+n]
		for j := 0; j < n; j++ {
			brow := b[j*ldb : j*ldb+k]
			var sum float32
			for p, av := range arow {
				sum += av * brow[p]
			}
			crow[j] += sum
		}
	}
}

// MulAccScaledA computes C[m,n] += (A ∘ S)[m,k] * B[k,n], where S scales A
// elementwise as it streams in. Used for applying the dropout mask to the
// probability tile without materializing the product.
func MulAccScaledA(c []float32, ldc int, a []float32, lda int, scale []float32, lds int, b []float32, ldb int, m, n, k int) {
	for i := 0; i < m; i++ {
		arow := a[i*lda:]
		srow := scale[i*lds:]
		crow := c[i*ldc : i*ldc+n]
		for p := 0; p < k; p++ {
			av := arow[p] * srow[p]
			if av == 0 {
				continue
			}
			brow := b[p*ldb : p*ldb+n]
			for j, bv := range brow {
				crow[j] += av * bv
			}
		}
	}
}
