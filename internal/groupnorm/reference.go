package groupnorm

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reference computes the same transform as Kernel.Compute in float64, with
// the same scale/bias slot selection. It is used to bound the float32
// kernel's accumulated rounding error.
func Reference(x []float32, shape []int64, numGroups float32, scale, bias []float32, eps float64) ([]float64, error) {
	l, err := resolveLayout(shape, numGroups, len(x), len(scale), len(bias), len(x))
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	group := make([]float64, l.sampleSize)
	for i := 0; i < l.totalGroups(); i++ {
		off := i * l.sampleSize
		for j := range group {
			group[j] = float64(x[off+j])
		}
		mean, variance := stat.PopMeanVariance(group, nil)
		invStd := 1 / math.Sqrt(variance+eps)

		s := invStd * float64(scale[i%l.channels])
		shift := float64(bias[i%l.channels]) - mean*s
		dst := out[off : off+l.sampleSize]
		floats.ScaleTo(dst, s, group)
		floats.AddConst(shift, dst)
	}
	return out, nil
}

// MaxAbsDiff returns the largest |got[i]-want[i]|, or +Inf when the lengths
// differ.
func MaxAbsDiff(got []float32, want []float64) float64 {
	if len(got) != len(want) {
		return math.Inf(1)
	}
	diff := make([]float64, len(got))
	for i, v := range got {
		diff[i] = float64(v)
	}
	floats.Sub(diff, want)
	if len(diff) == 0 {
		return 0
	}
	return floats.Norm(diff, math.Inf(1))
}
