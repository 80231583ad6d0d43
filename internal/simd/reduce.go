// Package simd holds the float32 vector loops used by the group norm kernel.
// The implementation is picked once at init by architecture; every variant
// is deterministic for a given input length.
package simd

var (
	sumImpl        func(x []float32) float32
	sumSqDiffImpl  func(x []float32, c float32) float32
	scaleShiftImpl func(dst, src []float32, s, shift float32)
)

func init() {
	sumImpl = sumFallback
	sumSqDiffImpl = sumSqDiffFallback
	scaleShiftImpl = scaleShiftFallback
}

// Sum returns the float32 sum of x.
func Sum(x []float32) float32 {
	return sumImpl(x)
}

// SumSqDiff returns sum((x[i]-c)^2) accumulated in float32.
func SumSqDiff(x []float32, c float32) float32 {
	return sumSqDiffImpl(x, c)
}

// ScaleShift writes dst[i] = src[i]*s + shift. dst must be at least as long
// as src.
func ScaleShift(dst, src []float32, s, shift float32) {
	if len(dst) < len(src) {
		panic("simd: ScaleShift dst shorter than src")
	}
	scaleShiftImpl(dst, src, s, shift)
}

func sumFallback(x []float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v
	}
	return sum
}

func sumSqDiffFallback(x []float32, c float32) float32 {
	var sq float32
	for _, v := range x {
		d := v - c
		sq += d * d
	}
	return sq
}

func scaleShiftFallback(dst, src []float32, s, shift float32) {
	for i, v := range src {
		dst[i] = v*s + shift
	}
}
