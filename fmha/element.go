package fmha

import "github.com/x448/float16"

// Element is the storage type of the attention tensors. Arithmetic always
// happens in float32; Element only controls how tensors are laid out in
// memory and how accumulated results are rounded on the way out.
type Element interface {
	float32 | float16.Float16
}

func toF32[T Element](v T) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case float16.Float16:
		return x.Float32()
	}
	panic("fmha: unreachable element type")
}

func fromF32[T Element](f float32) T {
	var out T
	switch any(out).(type) {
	case float32:
		return any(f).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(f)).(T)
	}
	panic("fmha: unreachable element type")
}

// elemBits reports the storage width of T in bits.
func elemBits[T Element]() int {
	var v T
	switch any(v).(type) {
	case float32:
		return 32
	case float16.Float16:
		return 16
	}
	panic("fmha: unreachable element type")
}

// minAlignment is the minimum vector access width in elements: 128 bits
// divided by the element size.
func minAlignment[T Element]() int {
	return 128 / elemBits[T]()
}
