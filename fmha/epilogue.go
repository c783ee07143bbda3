package fmha

// Epilogue: conversion and store of a float32 accumulator tile into a
// destination tensor in the storage type. The first write to a region is
// a fresh store; later contributions add in place. Ragged tiles are
// bounded by rows/cols, never by masking inside the accumulator.

// storeTile writes acc[rows, cols] (leading dimension lda) into dst at
// dst[r*ldDst + c].
func storeTile[T Element](dst []T, ldDst int, acc []float32, lda int, rows, cols int, first bool) {
	for r := 0; r < rows; r++ {
		arow := acc[r*lda : r*lda+cols]
		drow := dst[r*ldDst : r*ldDst+cols]
		if first {
			for c, v := range arow {
				drow[c] = fromF32[T](v)
			}
		} else {
			for c, v := range arow {
				drow[c] = fromF32[T](toF32(drow[c]) + v)
			}
		}
	}
}

// Workspace spill/reload for accumulators that cannot stay resident
// between outer-loop iterations. Regions are full-matrix float32 layouts
// with an aligned leading dimension; rowOff selects the tile.

func spillTile(ws []float32, ldWs, rowOff int, acc []float32, lda int, rows, cols int) {
	for r := 0; r < rows; r++ {
		copy(ws[(rowOff+r)*ldWs:(rowOff+r)*ldWs+cols], acc[r*lda:r*lda+cols])
	}
}

func reloadTile(acc []float32, lda int, ws []float32, ldWs, rowOff int, rows, cols int) {
	for r := 0; r < rows; r++ {
		copy(acc[r*lda:r*lda+cols], ws[(rowOff+r)*ldWs:(rowOff+r)*ldWs+cols])
	}
}

// loadTileF32 stages a strided storage-typed tile into a float32 scratch
// tile. Only the valid rows/cols are written; callers bound their
// matmuls by the same shape so the stale remainder is never read.
func loadTileF32[T Element](dst []float32, ldDst int, src []T, ldSrc int, rows, cols int) {
	for r := 0; r < rows; r++ {
		srow := src[r*ldSrc : r*ldSrc+cols]
		drow := dst[r*ldDst : r*ldDst+cols]
		for c, v := range srow {
			drow[c] = toF32(v)
		}
	}
}
