package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type a compiled graph declares for a tensor.
type DType int

const (
	DTypeInvalid DType = iota
	Int32
	Float16
	Float32
)

func (d DType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	default:
		return "invalid"
	}
}

// ParseDType accepts the spellings found in converter sidecars.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int32", "i32":
		return Int32, nil
	case "float16", "fp16", "f16", "half":
		return Float16, nil
	case "float32", "fp32", "f32", "float":
		return Float32, nil
	}
	return DTypeInvalid, fmt.Errorf("unsupported dtype %q (want int32, float16 or float32)", s)
}

func (d DType) MarshalText() ([]byte, error) {
	if d == DTypeInvalid {
		return nil, fmt.Errorf("cannot marshal invalid dtype")
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Int32, Float32:
		return 4
	case Float16:
		return 2
	}
	return 0
}

// MinValue is the most negative finite value the dtype can hold.
func (d DType) MinValue() float32 {
	switch d {
	case Float16:
		// 0xfbff is -65504, the largest finite half magnitude.
		return float16.Frombits(0xfbff).Float32()
	case Float32:
		return -math.MaxFloat32
	case Int32:
		return math.MinInt32
	}
	return 0
}

// Round returns v as it will be represented after storage in d.
func (d DType) Round(v float32) float32 {
	if d == Float16 {
		return float16.Fromfloat32(v).Float32()
	}
	return v
}
