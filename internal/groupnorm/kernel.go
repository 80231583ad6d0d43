// Package groupnorm implements the group normalization kernel over host
// float32 buffers laid out as [N, C, *spatial] in row-major order.
package groupnorm

import (
	"math"
	"runtime"
	"time"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-groupnorm/internal/logger"
	"github.com/23skdu/longbow-groupnorm/internal/metrics"
	"github.com/23skdu/longbow-groupnorm/internal/simd"
)

// DefaultMinParallelElements is the element count below which a call runs on
// the calling goroutine.
const DefaultMinParallelElements = 1 << 15

// Config is the kernel's construction-time configuration.
type Config struct {
	// Epsilon is added to the variance before the square root. Required.
	Epsilon float32
	// Workers bounds the goroutines used per call. Zero means runtime.NumCPU().
	Workers int
	// MinParallelElements disables the worker split for small inputs. Zero
	// means DefaultMinParallelElements; negative always splits.
	MinParallelElements int
}

// Kernel normalizes groups of channels and applies a per-slot affine pair.
// It holds no state across calls besides its configuration and is safe for
// concurrent use as long as every call gets its own output buffer.
type Kernel struct {
	eps         float32
	workers     int
	minParallel int
}

// NewKernel validates cfg and returns a kernel bound to its epsilon. A zero
// epsilon is treated as missing.
func NewKernel(cfg Config) (*Kernel, error) {
	switch {
	case cfg.Epsilon == 0:
		return nil, &ConfigurationError{Field: "epsilon", Msg: "required attribute is missing"}
	case math32.IsNaN(cfg.Epsilon) || math32.IsInf(cfg.Epsilon, 0):
		return nil, &ConfigurationError{Field: "epsilon", Msg: "must be finite"}
	case cfg.Epsilon < 0:
		return nil, &ConfigurationError{Field: "epsilon", Msg: "must be positive"}
	case cfg.Workers < 0:
		return nil, &ConfigurationError{Field: "workers", Msg: "must be non-negative"}
	}

	k := &Kernel{
		eps:         cfg.Epsilon,
		workers:     cfg.Workers,
		minParallel: cfg.MinParallelElements,
	}
	if k.workers == 0 {
		k.workers = runtime.NumCPU()
	}
	if k.minParallel == 0 {
		k.minParallel = DefaultMinParallelElements
	}

	logger.Log.Info("group norm kernel created", "epsilon", k.eps, "workers", k.workers)
	return k, nil
}

// Epsilon returns the variance epsilon fixed at construction.
func (k *Kernel) Epsilon() float32 { return k.eps }

// Workers returns the resolved worker bound.
func (k *Kernel) Workers() int { return k.workers }

// Descriptor returns the kernel's static capability declaration.
func (k *Kernel) Descriptor() Descriptor { return KernelDescriptor() }

// layout is the resolved geometry of one call.
type layout struct {
	batch            int
	groups           int
	channels         int // total channels, channelsPerGroup * groups
	channelsPerGroup int
	spatial          int
	sampleSize       int
}

func (l layout) totalGroups() int { return l.batch * l.groups }

// resolveLayout validates every length and shape before anything is written.
func resolveLayout(shape []int64, numGroups float32, lenX, lenScale, lenBias, lenY int) (layout, error) {
	var l layout
	if len(shape) < 2 {
		return l, shapeErrorf("input rank %d, need at least [N, C]", len(shape))
	}
	total := int64(1)
	for i, d := range shape {
		if d <= 0 {
			return l, shapeErrorf("dimension %d is %d, must be positive", i, d)
		}
		if total > math.MaxInt/d {
			return l, shapeErrorf("shape %v overflows the addressable element count", shape)
		}
		total *= d
	}
	if total != int64(lenX) {
		return l, shapeErrorf("shape %v describes %d elements, X has %d", shape, total, lenX)
	}
	if lenY != lenX {
		return l, shapeErrorf("output has %d elements, X has %d", lenY, lenX)
	}

	if math32.IsNaN(numGroups) || math32.IsInf(numGroups, 0) || numGroups <= 0 {
		return l, shapeErrorf("num_groups %v must be a positive integer", numGroups)
	}
	c := shape[1]
	if numGroups > float32(c) {
		return l, shapeErrorf("num_groups %v exceeds channels %d", numGroups, c)
	}
	g := int64(numGroups)
	if float32(g) != numGroups {
		return l, shapeErrorf("num_groups %v is not integral", numGroups)
	}
	if c%g != 0 {
		return l, shapeErrorf("channels %d not divisible by num_groups %d", c, g)
	}

	l.batch = int(shape[0])
	l.groups = int(g)
	l.channels = int(c)
	l.channelsPerGroup = int(c / g)
	l.spatial = 1
	for _, d := range shape[2:] {
		l.spatial *= int(d)
	}
	l.sampleSize = l.channelsPerGroup * l.spatial

	if l.totalGroups()*l.sampleSize != lenX {
		return l, shapeErrorf("N*G*sample_size = %d*%d*%d does not cover %d elements",
			l.batch, l.groups, l.sampleSize, lenX)
	}
	if lenScale < l.channels {
		return l, shapeErrorf("scale has %d elements, need at least %d", lenScale, l.channels)
	}
	if lenBias < l.channels {
		return l, shapeErrorf("bias has %d elements, need at least %d", lenBias, l.channels)
	}
	return l, nil
}

// Compute normalizes x into y. shape is X's shape [N, C, *spatial] and
// numGroups is the group count as transmitted (a float holding an integer).
// On error y is left untouched.
func (k *Kernel) Compute(x []float32, shape []int64, numGroups float32, scale, bias, y []float32) error {
	start := time.Now()

	l, err := resolveLayout(shape, numGroups, len(x), len(scale), len(bias), len(y))
	if err != nil {
		metrics.RecordValidationError(OpName, "shape_mismatch")
		metrics.RecordInvocation(OpName, "error")
		logger.Log.Warn("group norm rejected", "shape", shape, "num_groups", numGroups, "error", err)
		return err
	}

	n := l.totalGroups()
	if k.workers <= 1 || n < 2 || (k.minParallel > 0 && len(x) < k.minParallel) {
		k.normalizeRange(l, x, scale, bias, y, 0, n)
	} else {
		k.parallel(l, x, scale, bias, y)
	}

	d := time.Since(start)
	metrics.RecordKernelDuration(OpName, d)
	metrics.RecordInvocation(OpName, "ok")
	metrics.RecordWork(n, l.sampleSize)
	logger.Log.Debug("group norm done", "groups", n, "sample_size", l.sampleSize, "duration", d)
	return nil
}

// parallel splits the N*G groups into contiguous ranges, one task per range.
// Ranges never overlap, so every output element is written by exactly one task.
func (k *Kernel) parallel(l layout, x, scale, bias, y []float32) {
	n := l.totalGroups()
	workers := k.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			k.normalizeRange(l, x, scale, bias, y, lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (k *Kernel) normalizeRange(l layout, x, scale, bias, y []float32, lo, hi int) {
	slots := l.channels
	for i := lo; i < hi; i++ {
		off := i * l.sampleSize
		xi := x[off : off+l.sampleSize]
		yi := y[off : off+l.sampleSize]

		mean, invStd := GroupStats(xi, k.eps)
		// The affine slot is picked by the linear group index modulo the channel
		// count, and the whole group shares one scale/shift pair.
		s := invStd * scale[i%slots]
		shift := bias[i%slots] - mean*s
		simd.ScaleShift(yi, xi, s, shift)
	}
}

// GroupStats returns the mean of xs and 1/sqrt(var+eps), where var is the
// population variance. Accumulation stays in float32.
func GroupStats(xs []float32, eps float32) (mean, invStd float32) {
	n := float32(len(xs))
	mean = simd.Sum(xs) / n
	sq := simd.SumSqDiff(xs, mean)
	invStd = 1 / math32.Sqrt(sq/n+eps)
	return mean, invStd
}
