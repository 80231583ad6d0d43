// Package tensorio encodes named host tensors as Arrow record batches, one
// row per tensor, for Flight transport and IPC files.
package tensorio

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
)

const (
	colName  = 0
	colShape = 1
	colData  = 2
)

var ErrSchema = errors.New("tensorio: unexpected record layout")

// Schema is the fixed layout of a tensor record: name, shape and flat
// row-major float32 values.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Encode builds a record with one row per tensor, sorted by name. The caller
// must Release the record.
func Encode(mem memory.Allocator, tensors map[string]*cpu.Tensor) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	names := make([]string, 0, len(tensors))
	for n, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensorio: tensor %q is nil", n)
		}
		names = append(names, n)
	}
	sort.Strings(names)

	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	nameB := b.Field(colName).(*array.StringBuilder)
	shapeB := b.Field(colShape).(*array.ListBuilder)
	shapeV := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := b.Field(colData).(*array.ListBuilder)
	dataV := dataB.ValueBuilder().(*array.Float32Builder)

	for _, n := range names {
		t := tensors[n]
		nameB.Append(n)
		shapeB.Append(true)
		shapeV.AppendValues(t.Shape(), nil)
		dataB.Append(true)
		dataV.AppendValues(t.Data(), nil)
	}
	return b.NewRecord(), nil
}

// Decode copies every row of rec into a host tensor keyed by name.
func Decode(rec arrow.Record) (map[string]*cpu.Tensor, error) {
	if rec.NumCols() != 3 {
		return nil, fmt.Errorf("%w: %d columns", ErrSchema, rec.NumCols())
	}
	names, ok := rec.Column(colName).(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: name column is %s", ErrSchema, rec.Column(colName).DataType())
	}
	shapes, ok := rec.Column(colShape).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: shape column is %s", ErrSchema, rec.Column(colShape).DataType())
	}
	data, ok := rec.Column(colData).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: data column is %s", ErrSchema, rec.Column(colData).DataType())
	}
	shapeVals, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("%w: shape values are %s", ErrSchema, shapes.ListValues().DataType())
	}
	dataVals, ok := data.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: data values are %s", ErrSchema, data.ListValues().DataType())
	}
	dims := shapeVals.Int64Values()
	vals := dataVals.Float32Values()

	out := make(map[string]*cpu.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		if names.IsNull(i) || shapes.IsNull(i) || data.IsNull(i) {
			return nil, fmt.Errorf("tensorio: row %d has null fields", i)
		}
		name := names.Value(i)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("tensorio: duplicate tensor %q", name)
		}
		s0, s1 := shapes.ValueOffsets(i)
		d0, d1 := data.ValueOffsets(i)

		shape := append([]int64(nil), dims[s0:s1]...)
		buf := append([]float32(nil), vals[d0:d1]...)
		t, err := cpu.FromData(shape, buf)
		if err != nil {
			return nil, fmt.Errorf("tensorio: tensor %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// WriteStream writes tensors to w as a single-batch Arrow IPC stream.
func WriteStream(w io.Writer, mem memory.Allocator, tensors map[string]*cpu.Tensor) error {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rec, err := Encode(mem, tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("tensorio: write stream: %w", err)
	}
	return iw.Close()
}

// ReadStream reads every batch of an Arrow IPC stream into one tensor map.
func ReadStream(r io.Reader, mem memory.Allocator) (map[string]*cpu.Tensor, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("tensorio: open stream: %w", err)
	}
	defer rdr.Release()

	out := make(map[string]*cpu.Tensor)
	for rdr.Next() {
		batch, err := Decode(rdr.Record())
		if err != nil {
			return nil, err
		}
		for n, t := range batch {
			if _, dup := out[n]; dup {
				return nil, fmt.Errorf("tensorio: duplicate tensor %q", n)
			}
			out[n] = t
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("tensorio: read stream: %w", err)
	}
	return out, nil
}
