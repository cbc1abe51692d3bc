package tensor

import (
	"fmt"
	"slices"
)

// ShapeMismatchError reports a tensor that cannot be brought to a declared
// shape under the pad/truncate policy.
type ShapeMismatchError struct {
	Tensor   string
	Expected []int
	Actual   []int
	Reason   string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %q: expected %v, got %v: %s", e.Tensor, e.Expected, e.Actual, e.Reason)
}

// Adjustment records what Fit did to a tensor.
type Adjustment struct {
	Padded    bool
	Truncated bool
}

func (a Adjustment) Changed() bool { return a.Padded || a.Truncated }

// Fit brings t to want's shape and dtype. Along the listed axes a shorter
// tensor is right-padded with fill and a longer one is right-truncated; every
// other axis must already match. Float16 and float32 convert freely; int and
// float never do.
func Fit(t *Tensor, want Spec, fill float32, axes ...int) (*Tensor, Adjustment, error) {
	var adj Adjustment
	if err := t.Validate(); err != nil {
		return nil, adj, err
	}
	if len(t.Shape) != len(want.Shape) {
		return nil, adj, &ShapeMismatchError{
			Tensor: want.Name, Expected: want.Shape, Actual: t.Shape,
			Reason: fmt.Sprintf("rank %d cannot be adapted to rank %d", len(t.Shape), len(want.Shape)),
		}
	}
	if (t.DType == Int32) != (want.DType == Int32) {
		return nil, adj, &ShapeMismatchError{
			Tensor: want.Name, Expected: want.Shape, Actual: t.Shape,
			Reason: fmt.Sprintf("dtype %s cannot be adapted to %s", t.DType, want.DType),
		}
	}

	rank := len(want.Shape)
	adaptable := make([]bool, rank)
	for _, a := range axes {
		if a < 0 {
			a += rank
		}
		if a >= 0 && a < rank {
			adaptable[a] = true
		}
	}
	for i := range rank {
		switch {
		case t.Shape[i] == want.Shape[i]:
		case !adaptable[i]:
			return nil, adj, &ShapeMismatchError{
				Tensor: want.Name, Expected: want.Shape, Actual: t.Shape,
				Reason: fmt.Sprintf("axis %d is not a sequence axis", i),
			}
		case t.Shape[i] < want.Shape[i]:
			adj.Padded = true
		default:
			adj.Truncated = true
		}
	}

	if !adj.Changed() {
		out := *t
		out.Name = want.Name
		if t.DType != want.DType {
			out.Float = make([]float32, len(t.Float))
			for i, v := range t.Float {
				out.Float[i] = want.DType.Round(v)
			}
			out.DType = want.DType
		}
		return &out, adj, nil
	}

	out := Full(want, fill)
	copyOverlap(t, out)
	return out, adj, nil
}

// copyOverlap copies the elements of src whose coordinates exist in dst.
func copyOverlap(src, dst *Tensor) {
	rank := len(dst.Shape)
	span := make([]int, rank)
	for i := range rank {
		span[i] = min(src.Shape[i], dst.Shape[i])
		if span[i] == 0 {
			return
		}
	}
	srcStride := strides(src.Shape)
	dstStride := strides(dst.Shape)
	idx := make([]int, rank)
	for {
		so, do := 0, 0
		for i, v := range idx {
			so += v * srcStride[i]
			do += v * dstStride[i]
		}
		if dst.DType == Int32 {
			dst.Int32[do] = src.Int32[so]
		} else {
			dst.Float[do] = dst.DType.Round(src.Float[so])
		}

		i := rank - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < span[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Reshape returns t viewed with a new shape of the same element count.
func Reshape(t *Tensor, shape ...int) (*Tensor, error) {
	if product(shape) != t.Len() {
		return nil, &ShapeMismatchError{Tensor: t.Name, Expected: shape, Actual: t.Shape, Reason: "element count differs"}
	}
	out := *t
	out.Shape = slices.Clone(shape)
	return &out, nil
}
