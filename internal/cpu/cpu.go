package cpu

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-groupnorm/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordHostMemory(newVal)
}

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Tensor is a dense float32 host buffer with an N-dimensional row-major shape.
type Tensor struct {
	shape  []int64
	data   []float32
	pooled bool
}

// Elements returns the product of shape, rejecting negative extents and
// products that do not fit in an int.
func Elements(shape []int64) (int, error) {
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("dimension %d is negative: %d", i, d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("shape %v overflows the addressable element count", shape)
		}
		n *= d
	}
	return int(n), nil
}

// FromData wraps data without copying. len(data) must match shape.
func FromData(shape []int64, data []float32) (*Tensor, error) {
	n, err := Elements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{shape: append([]int64(nil), shape...), data: data}, nil
}

// Scalar returns a single-element tensor of shape [1].
func Scalar(v float32) *Tensor {
	return &Tensor{shape: []int64{1}, data: []float32{v}}
}

func (t *Tensor) Shape() []int64 { return t.shape }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) Rank() int { return len(t.shape) }

// SameShape reports whether t and o have identical rank and extents.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Context owns a pool of host buffers reused across invocations.
type Context struct {
	mu   sync.Mutex
	pool map[string][]*Tensor
}

func NewContext() *Context {
	return &Context{
		pool: make(map[string][]*Tensor),
	}
}

// Free drops every pooled buffer.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			traceAlloc(-int64(cap(t.data) * 4))
		}
	}
	c.pool = make(map[string][]*Tensor)
}

// NewTensor returns a buffer of exactly shape, reusing a pooled one when
// available. Contents of a reused buffer are unspecified.
func (c *Context) NewTensor(shape []int64) (*Tensor, error) {
	n, err := Elements(shape)
	if err != nil {
		return nil, err
	}
	key := shapeKey(shape)

	c.mu.Lock()
	pool := c.pool[key]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[key] = pool[:len(pool)-1]
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	traceAlloc(int64(n * 4))
	return &Tensor{
		shape:  append([]int64(nil), shape...),
		data:   make([]float32, n),
		pooled: true,
	}, nil
}

// PutTensor returns a buffer obtained from NewTensor to the pool. Tensors
// created with FromData are ignored.
func (c *Context) PutTensor(t *Tensor) {
	if t == nil || !t.pooled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := shapeKey(t.shape)
	c.pool[key] = append(c.pool[key], t)
}

// Pooled returns the number of idle buffers held.
func (c *Context) Pooled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pool {
		n += len(p)
	}
	return n
}

func shapeKey(shape []int64) string {
	var b strings.Builder
	for i, d := range shape {
		if i > 0 {
			b.WriteByte('x')
		}
		b.WriteString(strconv.FormatInt(d, 10))
	}
	return b.String()
}
