//go:build (amd64 || arm64) && !noasm

package simd

func init() {
	sumImpl = sumUnrolled
	sumSqDiffImpl = sumSqDiffUnrolled
	scaleShiftImpl = scaleShiftUnrolled
}

// Four independent accumulators let the compiler keep the adds in flight on
// wide cores. Lanes are combined in a fixed order.
func sumUnrolled(x []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(x); i += 4 {
		s0 += x[i]
		s1 += x[i+1]
		s2 += x[i+2]
		s3 += x[i+3]
	}
	for ; i < len(x); i++ {
		s0 += x[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func sumSqDiffUnrolled(x []float32, c float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(x); i += 4 {
		d0 := x[i] - c
		d1 := x[i+1] - c
		d2 := x[i+2] - c
		d3 := x[i+3] - c
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < len(x); i++ {
		d := x[i] - c
		s0 += d * d
	}
	return (s0 + s1) + (s2 + s3)
}

func scaleShiftUnrolled(dst, src []float32, s, shift float32) {
	n := len(src)
	dst = dst[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = src[i]*s + shift
		dst[i+1] = src[i+1]*s + shift
		dst[i+2] = src[i+2]*s + shift
		dst[i+3] = src[i+3]*s + shift
	}
	for ; i < n; i++ {
		dst[i] = src[i]*s + shift
	}
}
