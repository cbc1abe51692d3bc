package tensor

import (
	"fmt"
	"slices"

	"github.com/x448/float16"
)

// Tensor is a dense row-major host tensor. Integer tensors keep their data in
// Int32; float tensors keep theirs in Float, already rounded to the precision
// of DType.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Int32 []int32
	Float []float32
}

// Map holds named tensors passed to or returned from a component.
type Map map[string]*Tensor

func FromInt32(name string, shape []int, data []int32) (*Tensor, error) {
	if product(shape) != len(data) {
		return nil, fmt.Errorf("tensor %q: %d values do not fill shape %v", name, len(data), shape)
	}
	return &Tensor{Name: name, DType: Int32, Shape: slices.Clone(shape), Int32: data}, nil
}

// FromFloat32 builds a float tensor of the given dtype. Float16 values are
// rounded to half precision in place.
func FromFloat32(name string, dtype DType, shape []int, data []float32) (*Tensor, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("tensor %q: %s is not a float dtype", name, dtype)
	}
	if product(shape) != len(data) {
		return nil, fmt.Errorf("tensor %q: %d values do not fill shape %v", name, len(data), shape)
	}
	if dtype == Float16 {
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	}
	return &Tensor{Name: name, DType: dtype, Shape: slices.Clone(shape), Float: data}, nil
}

// Full returns a tensor matching spec with every element set to v.
func Full(spec Spec, v float32) *Tensor {
	n := spec.Size()
	t := &Tensor{Name: spec.Name, DType: spec.DType, Shape: slices.Clone(spec.Shape)}
	if spec.DType == Int32 {
		t.Int32 = make([]int32, n)
		if v != 0 {
			for i := range t.Int32 {
				t.Int32[i] = int32(v)
			}
		}
		return t
	}
	t.Float = make([]float32, n)
	if v != 0 {
		r := spec.DType.Round(v)
		for i := range t.Float {
			t.Float[i] = r
		}
	}
	return t
}

func (t *Tensor) Spec() Spec {
	return Spec{Name: t.Name, Shape: slices.Clone(t.Shape), DType: t.DType}
}

func (t *Tensor) Len() int {
	if t.DType == Int32 {
		return len(t.Int32)
	}
	return len(t.Float)
}

// Validate checks that the backing slice matches the shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if t.DType == DTypeInvalid {
		return fmt.Errorf("tensor %q: invalid dtype", t.Name)
	}
	if want := product(t.Shape); t.Len() != want {
		return fmt.Errorf("tensor %q: %d values for shape %v (want %d)", t.Name, t.Len(), t.Shape, want)
	}
	return nil
}

// Float16Bits returns the raw IEEE half bits of a float tensor.
func (t *Tensor) Float16Bits() []uint16 {
	out := make([]uint16, len(t.Float))
	for i, v := range t.Float {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// Rows views a [1, S, H] (or [S, H]) float tensor as S rows of H values.
func (t *Tensor) Rows() [][]float32 {
	if len(t.Shape) == 0 || t.DType == Int32 {
		return nil
	}
	h := t.Shape[len(t.Shape)-1]
	if h == 0 {
		return nil
	}
	n := len(t.Float) / h
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = t.Float[i*h : (i+1)*h]
	}
	return rows
}

// Row returns row i of a hidden-state tensor as a new [1, 1, H] tensor.
func (t *Tensor) Row(i int) (*Tensor, error) {
	rows := t.Rows()
	if i < 0 || i >= len(rows) {
		return nil, fmt.Errorf("tensor %q: row %d out of range (%d rows)", t.Name, i, len(rows))
	}
	return &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: []int{1, 1, len(rows[i])},
		Float: slices.Clone(rows[i]),
	}, nil
}

// Concat joins float tensors of shape [..., N] along the last axis, keeping
// the leading axes of the first tensor. Used to stitch head shards.
func Concat(name string, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat %q: no parts", name)
	}
	lead := parts[0].Shape[:len(parts[0].Shape)-1]
	rows := product(lead)
	total := 0
	for _, p := range parts {
		if p.DType == Int32 {
			return nil, fmt.Errorf("concat %q: part %q is int32", name, p.Name)
		}
		if !slices.Equal(p.Shape[:len(p.Shape)-1], lead) {
			return nil, fmt.Errorf("concat %q: part %q shape %v does not share leading axes %v", name, p.Name, p.Shape, lead)
		}
		total += p.Shape[len(p.Shape)-1]
	}
	out := make([]float32, 0, rows*total)
	for r := 0; r < rows; r++ {
		for _, p := range parts {
			w := p.Shape[len(p.Shape)-1]
			out = append(out, p.Float[r*w:(r+1)*w]...)
		}
	}
	shape := append(slices.Clone(lead), total)
	return &Tensor{Name: name, DType: Float32, Shape: shape, Float: out}, nil
}
