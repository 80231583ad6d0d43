package cpu

import (
	"math"
	"testing"
)

func TestTensorPool(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	tensor, err := ctx.NewTensor([]int64{3, 2, 1, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	if tensor.Len() != 12 || tensor.Rank() != 4 {
		t.Fatalf("got len %d rank %d, want 12 and 4", tensor.Len(), tensor.Rank())
	}

	ctx.PutTensor(tensor)
	if ctx.Pooled() != 1 {
		t.Fatalf("expected 1 pooled tensor, got %d", ctx.Pooled())
	}

	tensor2, err := ctx.NewTensor([]int64{3, 2, 1, 2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	if tensor2 != tensor {
		t.Error("expected pooled tensor to be reused")
	}
	if ctx.Pooled() != 0 {
		t.Errorf("expected empty pool, got %d", ctx.Pooled())
	}
	ctx.PutTensor(tensor2)
}

func TestTensorPoolKeysByShape(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	a, _ := ctx.NewTensor([]int64{2, 6})
	ctx.PutTensor(a)

	// Same element count, different shape: must not be reused.
	b, err := ctx.NewTensor([]int64{3, 4})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	if b == a {
		t.Error("tensor of shape [2 6] reused for [3 4]")
	}
	if got := b.Shape(); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("shape = %v, want [3 4]", got)
	}
}

func TestAllocationTracking(t *testing.T) {
	ctx := NewContext()
	before := AllocatedBytes()

	tensor, _ := ctx.NewTensor([]int64{4, 4})
	if got := AllocatedBytes() - before; got != 64 {
		t.Errorf("allocated delta = %d, want 64", got)
	}
	ctx.PutTensor(tensor)
	ctx.Free()
	if got := AllocatedBytes(); got != before {
		t.Errorf("after Free allocated = %d, want %d", got, before)
	}
}

func TestFromData(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tensor, err := FromData([]int64{1, 3, 2}, data)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	if &tensor.Data()[0] != &data[0] {
		t.Error("FromData should not copy")
	}

	if _, err := FromData([]int64{2, 2}, data); err == nil {
		t.Error("expected element count mismatch error")
	}
	if _, err := FromData([]int64{-1, 6}, data); err == nil {
		t.Error("expected negative dimension error")
	}

	// Tensors not allocated by a Context are never pooled.
	ctx := NewContext()
	ctx.PutTensor(tensor)
	if ctx.Pooled() != 0 {
		t.Error("FromData tensor must not enter the pool")
	}
}

func TestElementsOverflow(t *testing.T) {
	if _, err := Elements([]int64{1 << 32, 1, 1 << 32}); err == nil {
		t.Error("expected overflow error for [2^32 1 2^32]")
	}
	if _, err := FromData([]int64{1 << 32, 1, 1 << 32}, nil); err == nil {
		t.Error("FromData accepted a shape whose product wraps to zero")
	}
	if n, err := Elements([]int64{0, 1 << 62, 1 << 62}); err != nil || n != 0 {
		t.Errorf("zero extent: got %d, %v", n, err)
	}
}

func TestSameShape(t *testing.T) {
	a, _ := FromData([]int64{2, 3}, make([]float32, 6))
	b, _ := FromData([]int64{2, 3}, make([]float32, 6))
	c, _ := FromData([]int64{3, 2}, make([]float32, 6))
	d, _ := FromData([]int64{6}, make([]float32, 6))

	if !a.SameShape(b) {
		t.Error("[2 3] should match [2 3]")
	}
	if a.SameShape(c) || a.SameShape(d) {
		t.Error("different shapes reported equal")
	}
}

func TestScalar(t *testing.T) {
	s := Scalar(2)
	if s.Len() != 1 || s.Data()[0] != 2 || s.Rank() != 1 {
		t.Errorf("Scalar(2) = %v %v", s.Shape(), s.Data())
	}
}

func TestNumericalStability(t *testing.T) {
	data := []float32{1, float32(math.NaN()), float32(math.Inf(1)), 2, float32(math.NaN()), float32(math.Inf(-1))}

	nan, inf := CheckNumericalStability(data)
	if nan != 2 || inf != 2 {
		t.Errorf("CheckNumericalStability = %d NaN %d Inf, want 2 and 2", nan, inf)
	}

	info := DetectNaN(data, 1)
	if !info.HasNaN() || info.IsValid() {
		t.Error("expected invalid data with NaN")
	}
	if info.Count != 2 || len(info.Positions) != 1 || info.Positions[0] != 1 {
		t.Errorf("DetectNaN = %+v", info)
	}
	if !info.HasInf || info.InfCount != 2 {
		t.Errorf("expected 2 Inf, got %+v", info)
	}

	clean := DetectNaN([]float32{0, 1, -1}, 4)
	if !clean.IsValid() {
		t.Error("finite data reported invalid")
	}
}
