// Package shapes reconciles the tensor shapes each compiled component
// declares into one immutable model.ShapeProfile.
//
// Declarations legitimately disagree: a prefill graph declares its window as the
// batch axis while an infer graph always declares 1. The batch size is the
// largest full-sequence declaration; infer graphs never lower it.
package shapes

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// InferenceError is a configuration error found while reconciling shapes.
type InferenceError struct {
	Field  string
	Reason string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("shape inference failed for %s: %s", e.Field, e.Reason)
}

// Components maps each role to its artifacts in execution order (FFN chunks,
// head shards).
type Components map[model.Role][]model.ComponentSpec

// Infer derives the ShapeProfile. It reads nothing but its arguments.
func Infer(components Components, names model.TensorNames) (model.ShapeProfile, error) {
	var p model.ShapeProfile

	batch, err := batchSize(components, names)
	if err != nil {
		return p, err
	}
	p.BatchSize = batch

	ctx, err := contextLength(components, names)
	if err != nil {
		return p, err
	}
	p.ContextLength = ctx

	if p.HiddenSize, err = hiddenSize(components, names); err != nil {
		return p, err
	}
	if p.VocabSize, err = vocabSize(components, names); err != nil {
		return p, err
	}
	if p.StateLength, err = stateLength(components, names, p.ContextLength); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, &InferenceError{Field: "profile", Reason: err.Error()}
	}
	return p, nil
}

// sequenceAxis is the token axis of a primary input: axis 1 for [1, S, ...]
// and [1, S] tensors, axis 0 for rank-1 vectors.
func sequenceAxis(s tensor.Spec) int {
	if s.Rank() >= 2 {
		return 1
	}
	return 0
}

// primaryInput is the tensor that carries tokens into a component.
func primaryInput(c model.ComponentSpec, names model.TensorNames) (tensor.Spec, bool) {
	if c.Role == model.RoleEmbeddings {
		return c.Input(names.InputIDs)
	}
	return c.Input(names.HiddenStates)
}

// batchSize is the max batch over full-sequence roles. Infer components are
// batch 1 by definition and are not consulted.
func batchSize(components Components, names model.TensorNames) (int, error) {
	best := 0
	for _, role := range []model.Role{model.RoleEmbeddings, model.RoleFFNPrefill} {
		for _, c := range components[role] {
			if s, ok := primaryInput(c, names); ok {
				best = max(best, s.Dim(sequenceAxis(s)))
			}
			if role == model.RoleFFNPrefill {
				if s, ok := c.Input(names.PositionIDs); ok {
					best = max(best, s.Dim(0))
				}
			}
		}
	}
	if best == 0 {
		return 0, &InferenceError{Field: "batch_size", Reason: "no embeddings or prefill component declares a batch dimension"}
	}
	return best, nil
}

// contextLength reads the prefill hidden-state sequence axis, falling back to
// the embeddings input length when there is no prefill component.
func contextLength(components Components, names model.TensorNames) (int, error) {
	length := 0
	for _, c := range components[model.RoleFFNPrefill] {
		s, ok := c.Input(names.HiddenStates)
		if !ok {
			continue
		}
		n := s.Dim(sequenceAxis(s))
		if length != 0 && n != length {
			return 0, &InferenceError{
				Field:  "context_length",
				Reason: fmt.Sprintf("prefill chunks disagree: %d vs %d (%s)", length, n, c.Path),
			}
		}
		length = n
	}
	if length > 0 {
		return length, nil
	}
	for _, c := range components[model.RoleEmbeddings] {
		if s, ok := c.Input(names.InputIDs); ok {
			length = max(length, s.Dim(sequenceAxis(s)))
		}
	}
	if length == 0 {
		return 0, &InferenceError{Field: "context_length", Reason: "neither prefill hidden states nor embeddings input ids are declared"}
	}
	return length, nil
}

// hiddenSize is the last axis of every hidden-state tensor; all declarations
// must agree.
func hiddenSize(components Components, names model.TensorNames) (int, error) {
	size := 0
	var first string
	check := func(c model.ComponentSpec, s tensor.Spec, ok bool) error {
		if !ok {
			return nil
		}
		h := s.Dim(-1)
		if size == 0 {
			size, first = h, c.String()+" "+s.Name
			return nil
		}
		if h != size {
			return &InferenceError{
				Field:  "hidden_size",
				Reason: fmt.Sprintf("%s declares %d but %s declares %d", first, size, c.String()+" "+s.Name, h),
			}
		}
		return nil
	}
	for _, role := range model.Roles {
		for _, c := range components[role] {
			for _, name := range []string{names.HiddenStates, names.OutputHidden} {
				s, ok := c.Input(name)
				if err := check(c, s, ok); err != nil {
					return 0, err
				}
				s, ok = c.Output(name)
				if err := check(c, s, ok); err != nil {
					return 0, err
				}
			}
		}
	}
	if size == 0 {
		return 0, &InferenceError{Field: "hidden_size", Reason: "no hidden-state tensor declared"}
	}
	return size, nil
}

// vocabSize sums the last axis of every logits shard across head artifacts.
func vocabSize(components Components, names model.TensorNames) (int, error) {
	total := 0
	for _, c := range components[model.RoleLMHead] {
		shards := c.LogitOutputs(names.LogitsPrefix)
		if len(shards) == 0 {
			return 0, &InferenceError{Field: "vocab_size", Reason: fmt.Sprintf("%s declares no %q outputs", c.Path, names.LogitsPrefix)}
		}
		for _, s := range shards {
			total += s.Dim(-1)
		}
	}
	if total == 0 {
		return 0, &InferenceError{Field: "vocab_size", Reason: "no lm_head component"}
	}
	return total, nil
}

// stateLength is the key axis of the causal masks. Every FFN component that
// declares a mask must agree; absent any mask it equals the context length.
func stateLength(components Components, names model.TensorNames, contextLen int) (int, error) {
	length := 0
	for _, role := range []model.Role{model.RoleFFNPrefill, model.RoleFFNInfer} {
		for _, c := range components[role] {
			s, ok := c.Input(names.CausalMask)
			if !ok {
				continue
			}
			k := s.Dim(-1)
			if length != 0 && k != length {
				return 0, &InferenceError{
					Field:  "state_length",
					Reason: fmt.Sprintf("causal masks disagree: %d vs %d (%s)", length, k, c.String()),
				}
			}
			length = k
		}
	}
	if length == 0 {
		return contextLen, nil
	}
	return length, nil
}

// Mode derives the execution mode from the resolved FFN components.
func Mode(components Components) model.ExecutionMode {
	pre, inf := components[model.RoleFFNPrefill], components[model.RoleFFNInfer]
	if len(pre) == 0 || len(inf) == 0 {
		return model.ModeSplit
	}
	if pre[0].Path == inf[0].Path {
		return model.ModeUnified
	}
	return model.ModeSplit
}
