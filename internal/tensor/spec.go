package tensor

import (
	"fmt"
	"slices"
)

const MaxRank = 4

// Spec is a declared tensor contract: name, dimensions and element type.
type Spec struct {
	Name  string
	Shape []int
	DType DType
}

// NewSpec validates rank 1-4 and strictly positive dimensions.
func NewSpec(name string, dtype DType, shape ...int) (Spec, error) {
	s := Spec{Name: name, Shape: slices.Clone(shape), DType: dtype}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func (s Spec) Validate() error {
	if s.DType == DTypeInvalid {
		return fmt.Errorf("tensor %q: invalid dtype", s.Name)
	}
	if len(s.Shape) < 1 || len(s.Shape) > MaxRank {
		return fmt.Errorf("tensor %q: rank %d out of range [1,%d]", s.Name, len(s.Shape), MaxRank)
	}
	for i, d := range s.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor %q: dimension %d is %d (must be positive)", s.Name, i, d)
		}
	}
	return nil
}

func (s Spec) Rank() int { return len(s.Shape) }

// Dim returns the size of axis; negative axes count from the end.
// Out-of-range axes report 0.
func (s Spec) Dim(axis int) int {
	if axis < 0 {
		axis += len(s.Shape)
	}
	if axis < 0 || axis >= len(s.Shape) {
		return 0
	}
	return s.Shape[axis]
}

// Size is the element count.
func (s Spec) Size() int {
	return product(s.Shape)
}

func (s Spec) Equal(o Spec) bool {
	return s.DType == o.DType && slices.Equal(s.Shape, o.Shape)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%s)%v", s.Name, s.DType, s.Shape)
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
