package flightengine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Field and schema metadata keys.
const (
	metaShape  = "quiver.shape"
	metaDType  = "quiver.dtype"
	metaHandle = "quiver.handle"
	metaState  = "quiver.state"
)

func elementType(d tensor.DType) (arrow.DataType, error) {
	switch d {
	case tensor.Int32:
		return arrow.PrimitiveTypes.Int32, nil
	case tensor.Float16:
		return arrow.FixedWidthTypes.Float16, nil
	case tensor.Float32:
		return arrow.PrimitiveTypes.Float32, nil
	}
	return nil, fmt.Errorf("no arrow type for dtype %s", d)
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty shape")
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

// EncodeTensors packs m into a one-row record: each tensor is a list column
// carrying its shape and dtype in field metadata. meta becomes the schema
// metadata. Columns are ordered by name.
func EncodeTensors(mem memory.Allocator, m tensor.Map, meta map[string]string) (arrow.Record, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, 0, len(names))
	cols := make([]arrow.Array, 0, len(names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, name := range names {
		t := m[name]
		if err := t.Validate(); err != nil {
			return nil, err
		}
		et, err := elementType(t.DType)
		if err != nil {
			return nil, err
		}
		lb := array.NewListBuilder(mem, et)
		lb.Append(true)
		switch vb := lb.ValueBuilder().(type) {
		case *array.Int32Builder:
			vb.AppendValues(t.Int32, nil)
		case *array.Float16Builder:
			vals := make([]float16.Num, len(t.Float))
			for i, v := range t.Float {
				vals[i] = float16.New(v)
			}
			vb.AppendValues(vals, nil)
		case *array.Float32Builder:
			vb.AppendValues(t.Float, nil)
		}
		cols = append(cols, lb.NewArray())
		lb.Release()

		md := arrow.NewMetadata([]string{metaShape, metaDType}, []string{formatShape(t.Shape), t.DType.String()})
		fields = append(fields, arrow.Field{Name: name, Type: arrow.ListOf(et), Nullable: false, Metadata: md})
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = meta[k]
	}
	md := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(fields, &md)
	return array.NewRecord(schema, cols, 1), nil
}

// DecodeTensors unpacks a record written by EncodeTensors.
func DecodeTensors(rec arrow.Record) (tensor.Map, error) {
	if rec.NumRows() != 1 {
		return nil, fmt.Errorf("tensor record has %d rows, want 1", rec.NumRows())
	}
	out := make(tensor.Map, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		shapeIdx := f.Metadata.FindKey(metaShape)
		dtypeIdx := f.Metadata.FindKey(metaDType)
		if shapeIdx < 0 || dtypeIdx < 0 {
			return nil, fmt.Errorf("column %q: missing shape or dtype metadata", f.Name)
		}
		shape, err := parseShape(f.Metadata.Values()[shapeIdx])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		dtype, err := tensor.ParseDType(f.Metadata.Values()[dtypeIdx])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		lst, ok := rec.Column(i).(*array.List)
		if !ok {
			return nil, fmt.Errorf("column %q: %s is not a list", f.Name, rec.Column(i).DataType())
		}
		beg, end := lst.ValueOffsets(0)

		var t *tensor.Tensor
		switch vals := lst.ListValues().(type) {
		case *array.Int32:
			data := append([]int32(nil), vals.Int32Values()[beg:end]...)
			t, err = tensor.FromInt32(f.Name, shape, data)
		case *array.Float16:
			raw := vals.Values()[beg:end]
			data := make([]float32, len(raw))
			for j, v := range raw {
				data[j] = v.Float32()
			}
			t, err = tensor.FromFloat32(f.Name, dtype, shape, data)
		case *array.Float32:
			data := append([]float32(nil), vals.Float32Values()[beg:end]...)
			t, err = tensor.FromFloat32(f.Name, dtype, shape, data)
		default:
			err = fmt.Errorf("unsupported element type %s", vals.DataType())
		}
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		if t.DType != dtype {
			return nil, fmt.Errorf("column %q: elements are %s, metadata says %s", f.Name, t.DType, dtype)
		}
		out[f.Name] = t
	}
	return out, nil
}

// schemaMeta reads one schema metadata value.
func schemaMeta(s *arrow.Schema, key string) string {
	md := s.Metadata()
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}
