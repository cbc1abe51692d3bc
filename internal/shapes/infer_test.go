package shapes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

var names = model.DefaultTensorNames()

func spec(t *testing.T, name string, dtype tensor.DType, shape ...int) tensor.Spec {
	t.Helper()
	s, err := tensor.NewSpec(name, dtype, shape...)
	require.NoError(t, err)
	return s
}

func component(role model.Role, path string, inputs, outputs []tensor.Spec) model.ComponentSpec {
	c := model.ComponentSpec{
		Role:    role,
		Path:    path,
		Inputs:  map[string]tensor.Spec{},
		Outputs: map[string]tensor.Spec{},
	}
	for _, s := range inputs {
		c.Inputs[s.Name] = s
	}
	for _, s := range outputs {
		c.Outputs[s.Name] = s
	}
	return c
}

// fixture builds a split model: prefill window batch, infer batch 1.
func fixture(t *testing.T, batch, hidden, vocab, state int) Components {
	emb := component(model.RoleEmbeddings, "emb",
		[]tensor.Spec{spec(t, "input_ids", tensor.Int32, 1, batch)},
		[]tensor.Spec{spec(t, "hidden_states", tensor.Float16, 1, batch, hidden)})
	pre := component(model.RoleFFNPrefill, "ffn_pf",
		[]tensor.Spec{
			spec(t, "hidden_states", tensor.Float16, 1, batch, hidden),
			spec(t, "position_ids", tensor.Int32, batch),
			spec(t, "causal_mask", tensor.Float16, 1, 1, batch, state),
		},
		[]tensor.Spec{spec(t, "output_hidden_states", tensor.Float16, 1, 1, hidden)})
	inf := component(model.RoleFFNInfer, "ffn",
		[]tensor.Spec{
			spec(t, "hidden_states", tensor.Float16, 1, 1, hidden),
			spec(t, "position_ids", tensor.Int32, 1),
			spec(t, "causal_mask", tensor.Float16, 1, 1, 1, state),
		},
		[]tensor.Spec{spec(t, "output_hidden_states", tensor.Float16, 1, 1, hidden)})
	head := component(model.RoleLMHead, "head",
		[]tensor.Spec{spec(t, "hidden_states", tensor.Float16, 1, 1, hidden)},
		[]tensor.Spec{
			spec(t, "logits1", tensor.Float16, 1, 1, vocab/2),
			spec(t, "logits2", tensor.Float16, 1, 1, vocab-vocab/2),
		})
	return Components{
		model.RoleEmbeddings: {emb},
		model.RoleFFNPrefill: {pre},
		model.RoleFFNInfer:   {inf},
		model.RoleLMHead:     {head},
	}
}

func TestInferPrefersPrefillBatch(t *testing.T) {
	p, err := Infer(fixture(t, 128, 1024, 32000, 512), names)
	require.NoError(t, err)

	assert.Equal(t, 128, p.BatchSize, "infer batch 1 must not override the prefill batch")
	assert.Equal(t, 1024, p.HiddenSize)
	assert.Equal(t, 32000, p.VocabSize)
	assert.Equal(t, 128, p.ContextLength)
	assert.Equal(t, 512, p.StateLength)
}

func TestInferBatchIsMaxOfFullSequenceRoles(t *testing.T) {
	c := fixture(t, 64, 256, 1000, 256)
	// Embeddings declare a wider window than prefill.
	c[model.RoleEmbeddings][0].Inputs["input_ids"] = spec(t, "input_ids", tensor.Int32, 1, 96)

	p, err := Infer(c, names)
	require.NoError(t, err)
	assert.Equal(t, 96, p.BatchSize)
	assert.Equal(t, 64, p.ContextLength, "context comes from the prefill hidden state")
}

func TestInferIgnoresInferBatch(t *testing.T) {
	c := fixture(t, 32, 256, 1000, 256)
	// A converter bug advertises a 64-long window on the infer graph.
	c[model.RoleFFNInfer][0].Inputs["position_ids"] = spec(t, "position_ids", tensor.Int32, 64)

	p, err := Infer(c, names)
	require.NoError(t, err)
	assert.Equal(t, 32, p.BatchSize)
}

func TestInferContextFallsBackToEmbeddings(t *testing.T) {
	c := fixture(t, 16, 256, 1000, 256)
	delete(c, model.RoleFFNPrefill)

	p, err := Infer(c, names)
	require.NoError(t, err)
	assert.Equal(t, 16, p.ContextLength)
	assert.Equal(t, 16, p.BatchSize)
}

func TestInferHiddenMismatchIsFatal(t *testing.T) {
	c := fixture(t, 64, 1024, 32000, 512)
	c[model.RoleLMHead][0].Inputs["hidden_states"] = spec(t, "hidden_states", tensor.Float16, 1, 1, 2048)

	_, err := Infer(c, names)
	var ie *InferenceError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, "hidden_size", ie.Field)
}

func TestInferStateLengthMismatchIsFatal(t *testing.T) {
	c := fixture(t, 64, 1024, 32000, 512)
	c[model.RoleFFNInfer][0].Inputs["causal_mask"] = spec(t, "causal_mask", tensor.Float16, 1, 1, 1, 1024)

	_, err := Infer(c, names)
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "state_length", ie.Field)
}

func TestInferNoBatchSource(t *testing.T) {
	c := fixture(t, 64, 1024, 32000, 512)
	delete(c, model.RoleEmbeddings)
	delete(c, model.RoleFFNPrefill)

	_, err := Infer(c, names)
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "batch_size", ie.Field)
}

func TestInferNoLogits(t *testing.T) {
	c := fixture(t, 64, 1024, 32000, 512)
	c[model.RoleLMHead][0].Outputs = map[string]tensor.Spec{
		"scores": spec(t, "scores", tensor.Float16, 1, 1, 32000),
	}
	_, err := Infer(c, names)
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "vocab_size", ie.Field)
}

func TestInferIsPure(t *testing.T) {
	c := fixture(t, 64, 1024, 32000, 512)
	a, err := Infer(c, names)
	require.NoError(t, err)
	b, err := Infer(c, names)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMode(t *testing.T) {
	c := fixture(t, 8, 16, 32, 32)
	assert.Equal(t, model.ModeSplit, Mode(c))

	c[model.RoleFFNInfer][0].Path = c[model.RoleFFNPrefill][0].Path
	assert.Equal(t, model.ModeUnified, Mode(c))

	delete(c, model.RoleFFNPrefill)
	assert.Equal(t, model.ModeSplit, Mode(c))
}
