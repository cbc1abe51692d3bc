// Package oracle derives the position-id, current-position and causal-mask
// tensors a component needs for the cursor it is about to advance.
//
// Prefill covers the pending tokens of the cursor in one window: positions
// start..start+n-1 right-padded to the declared window with a sentinel, and a
// [1, 1, window, state] mask where row q attends to keys 0..start+q. Infer
// covers exactly one pending token: position ids are always length 1 and the
// mask is a single row over the history written so far.
package oracle

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type Mode int

const (
	ModePrefill Mode = iota
	ModeInfer
)

func (m Mode) String() string {
	if m == ModeInfer {
		return "infer"
	}
	return "prefill"
}

// FillPolicy selects the additive value of masked mask cells.
type FillPolicy int

const (
	FillNegInf FillPolicy = iota
	FillMin
)

func ParseFillPolicy(s string) (FillPolicy, error) {
	switch s {
	case "", "-inf", "neg_inf", "inf":
		return FillNegInf, nil
	case "min", "dtype_min":
		return FillMin, nil
	}
	return 0, fmt.Errorf("unknown mask fill %q", s)
}

// DefaultPadPosition marks padded slots of a prefill window.
const DefaultPadPosition int32 = -1

type Options struct {
	PadPosition int32
	Fill        FillPolicy
	// ExcludeSelf masks the newest position in infer mode.
	ExcludeSelf bool
}

func DefaultOptions() Options {
	return Options{PadPosition: DefaultPadPosition, Fill: FillNegInf}
}

// ErrNoPending is returned when the cursor has nothing to process.
var ErrNoPending = errors.New("cursor has no pending tokens")

type Oracle struct {
	profile model.ShapeProfile
	names   model.TensorNames
	opts    Options
}

func New(profile model.ShapeProfile, names model.TensorNames, opts Options) *Oracle {
	return &Oracle{profile: profile, names: names, opts: opts}
}

// Fill returns the masked-cell value for dtype.
func (o *Oracle) Fill(dtype tensor.DType) float32 {
	if o.opts.Fill == FillMin {
		return dtype.MinValue()
	}
	return float32(math.Inf(-1))
}

// span is the slice of the cursor a mode processes.
func (o *Oracle) span(c model.Cursor, mode Mode) (start, n int, err error) {
	n = len(c.Pending())
	if n == 0 {
		return 0, 0, ErrNoPending
	}
	if mode == ModeInfer {
		n = 1
	}
	return c.Processed, n, nil
}

// PositionSpec is the layout used when a component does not declare
// position_ids.
func (o *Oracle) PositionSpec(mode Mode) tensor.Spec {
	n := o.profile.BatchSize
	if mode == ModeInfer {
		n = 1
	}
	return tensor.Spec{Name: o.names.PositionIDs, Shape: []int{n}, DType: tensor.Int32}
}

// MaskSpec is the layout used when a component does not declare a mask.
func (o *Oracle) MaskSpec(mode Mode) tensor.Spec {
	q := o.profile.BatchSize
	if mode == ModeInfer {
		q = 1
	}
	return tensor.Spec{Name: o.names.CausalMask, Shape: []int{1, 1, q, o.profile.StateLength}, DType: tensor.Float16}
}

// PositionIDs builds the position ids for the cursor. In prefill mode the
// result follows the declared layout under the pad/truncate policy; in infer
// mode it is always [1] holding the absolute index of the pending token,
// whatever length the declaration advertises.
func (o *Oracle) PositionIDs(c model.Cursor, mode Mode, declared tensor.Spec) (*tensor.Tensor, error) {
	start, n, err := o.span(c, mode)
	if err != nil {
		return nil, err
	}
	if mode == ModeInfer {
		return tensor.FromInt32(declared.Name, []int{1}, []int32{int32(start)})
	}

	if declared.Rank() != 1 {
		return nil, &tensor.ShapeMismatchError{
			Tensor: declared.Name, Expected: declared.Shape, Actual: []int{n},
			Reason: "prefill position ids must be a vector",
		}
	}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = int32(start + i)
	}
	t, err := tensor.FromInt32(declared.Name, []int{n}, ids)
	if err != nil {
		return nil, err
	}
	return o.fit(t, declared, float32(o.opts.PadPosition), 0)
}

// CurrentPos is the [1] tensor holding the first position the call writes.
func (o *Oracle) CurrentPos(c model.Cursor, mode Mode) (*tensor.Tensor, error) {
	start, _, err := o.span(c, mode)
	if err != nil {
		return nil, err
	}
	return tensor.FromInt32(o.names.CurrentPos, []int{1}, []int32{int32(start)})
}

// CausalMask builds the additive mask for the cursor. Masked cells, padded
// query rows and keys past the history take the fill value.
func (o *Oracle) CausalMask(c model.Cursor, mode Mode, declared tensor.Spec) (*tensor.Tensor, error) {
	start, n, err := o.span(c, mode)
	if err != nil {
		return nil, err
	}
	if declared.Rank() != 4 {
		return nil, &tensor.ShapeMismatchError{
			Tensor: declared.Name, Expected: declared.Shape, Actual: []int{1, 1, n, start + n},
			Reason: "causal mask must be [1, 1, query, key]",
		}
	}
	keys := start + n
	if keys > declared.Dim(3) {
		metrics.RecordShapeMismatch(declared.Name)
		return nil, &tensor.ShapeMismatchError{
			Tensor: declared.Name, Expected: declared.Shape, Actual: []int{1, 1, n, keys},
			Reason: fmt.Sprintf("context exhausted: position %d beyond key length %d", keys-1, declared.Dim(3)),
		}
	}

	fill := o.Fill(declared.DType)
	data := make([]float32, n*keys)
	for q := range n {
		row := data[q*keys : (q+1)*keys]
		for k := range row {
			if k > start+q {
				row[k] = fill
			}
		}
	}
	if mode == ModeInfer && o.opts.ExcludeSelf && keys > 1 {
		data[keys-1] = fill
	}
	t, err := tensor.FromFloat32(declared.Name, declared.DType, []int{1, 1, n, keys}, data)
	if err != nil {
		return nil, err
	}
	return o.fit(t, declared, fill, 2, 3)
}

func (o *Oracle) fit(t *tensor.Tensor, declared tensor.Spec, fill float32, axes ...int) (*tensor.Tensor, error) {
	out, adj, err := tensor.Fit(t, declared, fill, axes...)
	if err != nil {
		metrics.RecordShapeMismatch(declared.Name)
		return nil, err
	}
	metrics.RecordAdaptation(declared.Name, adj.Padded, adj.Truncated)
	return out, nil
}

// Window is a view of the cursor whose pending tokens are
// tokens[start : start+length]. Chunked prefill walks a long prompt with it.
func Window(c model.Cursor, start, length int) model.Cursor {
	end := min(start+length, len(c.Tokens))
	return model.Cursor{Processed: start, Tokens: c.Tokens[:end]}
}
