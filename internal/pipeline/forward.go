package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// run executes one component. FFN roles receive the leased state.
func (p *Pipeline) run(ctx context.Context, role model.Role, idx int, inputs tensor.Map) (tensor.Map, error) {
	comp := p.reg.Components(role)[idx]
	var st engine.State
	if role == model.RoleFFNPrefill || role == model.RoleFFNInfer {
		var err error
		if st, err = p.lease.State(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	out, err := p.reg.Engine().Run(ctx, comp, inputs, st)
	metrics.RecordComponentRun(role.String(), time.Since(start))
	if err != nil {
		metrics.RecordEngineError(role.String(), "run")
		return nil, &EngineExecutionError{Role: role, Path: comp.Path(), Err: err}
	}
	return out, nil
}

// advance writes every pending token to the state and returns the [1, 1, H]
// hidden state of the last one.
func (p *Pipeline) advance(ctx context.Context) (*tensor.Tensor, error) {
	if len(p.cursor.Pending()) == 0 {
		return nil, oracle.ErrNoPending
	}
	if total, limit := len(p.cursor.Tokens), p.cfg.Profile.StateLength; total > limit {
		metrics.RecordShapeMismatch(p.cfg.Names.CausalMask)
		return nil, &tensor.ShapeMismatchError{
			Tensor: p.cfg.Names.CausalMask, Expected: []int{limit}, Actual: []int{total},
			Reason: fmt.Sprintf("context exhausted: %d tokens exceed state length %d", total, limit),
		}
	}
	if p.cursor.Processed == 0 && p.cfg.HasPrefill() {
		return p.prefill(ctx)
	}
	p.phase = PhaseInferring
	return p.infer(ctx, p.cursor.Processed, len(p.cursor.Tokens))
}

// prefillWindow is the number of tokens one prefill call covers.
func (p *Pipeline) prefillWindow() int {
	spec := p.reg.Specs(model.RoleFFNPrefill)[0]
	window := p.cfg.Profile.BatchSize
	if pos, ok := spec.Input(p.cfg.Names.PositionIDs); ok && pos.Rank() == 1 {
		window = pos.Dim(0)
	}
	if h, ok := spec.Input(p.cfg.Names.HiddenStates); ok && h.Rank() >= 2 {
		window = min(window, h.Dim(-2))
	}
	return max(window, 1)
}

// prefill walks the prompt in windows. When the last chunk emits one row per
// position, the row of the final token feeds the head; otherwise that token
// is run again through infer at its own position, rewriting the same slot.
func (p *Pipeline) prefill(ctx context.Context) (*tensor.Tensor, error) {
	p.phase = PhasePrefilling
	n := len(p.cursor.Tokens)
	window := p.prefillWindow()

	var last *tensor.Tensor
	lastRow := 0
	for start := 0; start < n; start += window {
		c := oracle.Window(p.cursor, start, window)
		emb, err := p.embed(ctx, c.Pending())
		if err != nil {
			return nil, err
		}
		out, err := p.ffn(ctx, model.RoleFFNPrefill, c, oracle.ModePrefill, emb)
		if err != nil {
			return nil, err
		}
		p.cursor.Processed = len(c.Tokens)
		last, lastRow = out, len(c.Pending())-1
	}
	metrics.RecordPrefill(n)
	p.log.Debug("prefill complete", "tokens", n, "window", window)

	if rows := len(last.Rows()); rows >= window && lastRow < rows {
		return last.Row(lastRow)
	}
	p.phase = PhaseInferring
	return p.infer(ctx, n-1, n)
}

// infer runs positions [from, to) one token at a time.
func (p *Pipeline) infer(ctx context.Context, from, to int) (*tensor.Tensor, error) {
	emb, err := p.embed(ctx, p.cursor.Tokens[from:to])
	if err != nil {
		return nil, err
	}
	var out *tensor.Tensor
	for i := range to - from {
		pos := from + i
		row, err := emb.Row(i)
		if err != nil {
			return nil, err
		}
		c := model.Cursor{Processed: pos, Tokens: p.cursor.Tokens[:pos+1]}
		if out, err = p.ffn(ctx, model.RoleFFNInfer, c, oracle.ModeInfer, row); err != nil {
			return nil, err
		}
		p.cursor.Processed = max(p.cursor.Processed, pos+1)
	}
	return out.Row(0)
}

// embed looks up ids in slabs of the declared input length and returns the
// [1, len(ids), H] hidden states.
func (p *Pipeline) embed(ctx context.Context, ids []int) (*tensor.Tensor, error) {
	names := p.cfg.Names
	spec := p.reg.Specs(model.RoleEmbeddings)[0]
	decl, ok := spec.Input(names.InputIDs)
	if !ok {
		return nil, &LoadError{Role: model.RoleEmbeddings, Path: spec.Path, Err: fmt.Errorf("no %q input declared", names.InputIDs)}
	}
	axis := 0
	if decl.Rank() >= 2 {
		axis = 1
	}
	slab := decl.Dim(axis)

	var rows [][]float32
	dtype := tensor.Float16
	for off := 0; off < len(ids); off += slab {
		part := ids[off:min(off+slab, len(ids))]
		shape := slices.Clone(decl.Shape)
		shape[axis] = len(part)
		data := make([]int32, len(part))
		for i, id := range part {
			data[i] = int32(id)
		}
		t, err := tensor.FromInt32(decl.Name, shape, data)
		if err != nil {
			return nil, err
		}
		in, err := fitInput(t, decl, 0, axis)
		if err != nil {
			return nil, err
		}
		out, err := p.run(ctx, model.RoleEmbeddings, 0, tensor.Map{decl.Name: in})
		if err != nil {
			return nil, err
		}
		h, ok := out[names.HiddenStates]
		if !ok {
			return nil, &EngineExecutionError{Role: model.RoleEmbeddings, Path: spec.Path, Err: fmt.Errorf("missing output %q", names.HiddenStates)}
		}
		got := h.Rows()
		if len(got) < len(part) {
			return nil, &tensor.ShapeMismatchError{
				Tensor: names.HiddenStates, Expected: []int{1, len(part), p.cfg.Profile.HiddenSize}, Actual: h.Shape,
				Reason: "embedding output covers fewer rows than tokens",
			}
		}
		rows = append(rows, got[:len(part)]...)
		dtype = h.DType
	}

	hidden := p.cfg.Profile.HiddenSize
	flat := make([]float32, 0, len(rows)*hidden)
	for _, r := range rows {
		if len(r) != hidden {
			return nil, &tensor.ShapeMismatchError{
				Tensor: names.HiddenStates, Expected: []int{hidden}, Actual: []int{len(r)},
				Reason: "embedding width differs from hidden size",
			}
		}
		flat = append(flat, r...)
	}
	return tensor.FromFloat32(names.HiddenStates, dtype, []int{1, len(rows), hidden}, flat)
}

// ffn runs hidden through every chunk of role against the shared state.
func (p *Pipeline) ffn(ctx context.Context, role model.Role, c model.Cursor, mode oracle.Mode, hidden *tensor.Tensor) (*tensor.Tensor, error) {
	names := p.cfg.Names
	live := len(c.Pending())
	if mode == oracle.ModeInfer {
		live = 1
	}
	for i, spec := range p.reg.Specs(role) {
		inputs, err := p.ffnInputs(spec, c, mode, hidden, live)
		if err != nil {
			return nil, err
		}
		out, err := p.run(ctx, role, i, inputs)
		if err != nil {
			return nil, err
		}
		h, ok := out[names.OutputHidden]
		if !ok {
			h, ok = out[names.HiddenStates]
		}
		if !ok {
			return nil, &EngineExecutionError{Role: role, Path: spec.Path, Err: fmt.Errorf("missing output %q", names.OutputHidden)}
		}
		hidden = h
	}
	return hidden, nil
}

func (p *Pipeline) ffnInputs(spec model.ComponentSpec, c model.Cursor, mode oracle.Mode, hidden *tensor.Tensor, live int) (tensor.Map, error) {
	names := p.cfg.Names
	inputs := make(tensor.Map, len(spec.Inputs))
	for name, decl := range spec.Inputs {
		var (
			t   *tensor.Tensor
			err error
		)
		switch name {
		case names.HiddenStates:
			t, err = adaptHidden(hidden, decl, live)
		case names.PositionIDs:
			t, err = p.oracle.PositionIDs(c, mode, decl)
		case names.CausalMask:
			t, err = p.oracle.CausalMask(c, mode, decl)
		case names.CurrentPos:
			if t, err = p.oracle.CurrentPos(c, mode); err == nil {
				t, err = fitInput(t, decl, 0, 0)
			}
		default:
			err = fmt.Errorf("%s: no source for declared input %q", spec, name)
		}
		if err != nil {
			return nil, err
		}
		inputs[name] = t
	}
	return inputs, nil
}

// adaptHidden brings a [1, S, H] hidden state to the declared layout. Only
// the sequence axis may change, and never below the live rows.
func adaptHidden(h *tensor.Tensor, decl tensor.Spec, live int) (*tensor.Tensor, error) {
	rows := len(h.Rows())
	if rows < live {
		metrics.RecordShapeMismatch(decl.Name)
		return nil, &tensor.ShapeMismatchError{
			Tensor: decl.Name, Expected: decl.Shape, Actual: h.Shape,
			Reason: fmt.Sprintf("%d rows cannot carry %d tokens", rows, live),
		}
	}
	if decl.Rank() < 2 {
		return nil, &tensor.ShapeMismatchError{Tensor: decl.Name, Expected: decl.Shape, Actual: h.Shape, Reason: "hidden states need a sequence axis"}
	}
	if len(h.Shape) != decl.Rank() {
		shape := make([]int, decl.Rank())
		for i := range shape {
			shape[i] = 1
		}
		shape[len(shape)-2] = rows
		shape[len(shape)-1] = h.Shape[len(h.Shape)-1]
		var err error
		if h, err = tensor.Reshape(h, shape...); err != nil {
			return nil, err
		}
	}
	return fitInput(h, decl, 0, decl.Rank()-2)
}

func fitInput(t *tensor.Tensor, decl tensor.Spec, fill float32, axes ...int) (*tensor.Tensor, error) {
	out, adj, err := tensor.Fit(t, decl, fill, axes...)
	if err != nil {
		metrics.RecordShapeMismatch(decl.Name)
		return nil, err
	}
	metrics.RecordAdaptation(decl.Name, adj.Padded, adj.Truncated)
	return out, nil
}

// head runs every head artifact on hidden and concatenates the logits of
// row 0 in shard order. adaptHidden right-pads, so any later rows are fill.
func (p *Pipeline) head(ctx context.Context, hidden *tensor.Tensor) ([]float32, error) {
	names := p.cfg.Names
	var (
		logits []float32
		shards int
	)
	for i, spec := range p.reg.Specs(model.RoleLMHead) {
		decl, ok := spec.Input(names.HiddenStates)
		if !ok {
			return nil, &LoadError{Role: model.RoleLMHead, Path: spec.Path, Err: fmt.Errorf("no %q input declared", names.HiddenStates)}
		}
		in, err := adaptHidden(hidden, decl, 1)
		if err != nil {
			return nil, err
		}
		out, err := p.run(ctx, model.RoleLMHead, i, tensor.Map{decl.Name: in})
		if err != nil {
			return nil, err
		}
		for _, s := range spec.LogitOutputs(names.LogitsPrefix) {
			t, ok := out[s.Name]
			if !ok {
				return nil, &EngineExecutionError{Role: model.RoleLMHead, Path: spec.Path, Err: fmt.Errorf("missing output %q", s.Name)}
			}
			rows := t.Rows()
			if len(rows) == 0 {
				return nil, &EngineExecutionError{Role: model.RoleLMHead, Path: spec.Path, Err: errors.New("empty logits")}
			}
			logits = append(logits, rows[0]...)
			shards++
		}
	}
	if len(logits) != p.cfg.Profile.VocabSize {
		metrics.RecordShapeMismatch(names.LogitsPrefix)
		return nil, &tensor.ShapeMismatchError{
			Tensor: names.LogitsPrefix, Expected: []int{p.cfg.Profile.VocabSize}, Actual: []int{len(logits)},
			Reason: "head shards do not cover the vocabulary",
		}
	}

	peak := float32(math.Inf(-1))
	hasNaN := false
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			hasNaN = true
			continue
		}
		peak = max(peak, v)
	}
	metrics.RecordLogits(shards, peak, hasNaN)
	return logits, nil
}
