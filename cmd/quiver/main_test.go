package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

const shapesJSON = `{"components": {
  "llama_embeddings.mlmodelc": {
    "inputs":  {"input_ids": {"shape": [1, 8], "dtype": "int32"}},
    "outputs": {"hidden_states": {"shape": [1, 8, 4], "dtype": "float16"}}
  },
  "llama_FFN_PF.mlmodelc": {"functions": {
    "prefill": {
      "inputs": {
        "hidden_states": {"shape": [1, 8, 4], "dtype": "float16"},
        "position_ids":  {"shape": [8], "dtype": "int32"},
        "causal_mask":   {"shape": [1, 1, 8, 32], "dtype": "float16"}
      },
      "outputs": {"output_hidden_states": {"shape": [1, 8, 4], "dtype": "float16"}}
    },
    "infer": {
      "inputs": {
        "hidden_states": {"shape": [1, 1, 4], "dtype": "float16"},
        "position_ids":  {"shape": [1], "dtype": "int32"},
        "causal_mask":   {"shape": [1, 1, 1, 32], "dtype": "float16"}
      },
      "outputs": {"output_hidden_states": {"shape": [1, 1, 4], "dtype": "float16"}}
    }
  }},
  "llama_lm_head.mlmodelc": {
    "inputs":  {"hidden_states": {"shape": [1, 1, 4], "dtype": "float16"}},
    "outputs": {"logits": {"shape": [1, 1, 256], "dtype": "float16"}}
  }
}}`

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, catalog.ShapesFile), []byte(shapesJSON), 0o644))
	for _, name := range []string{"llama_embeddings.mlmodelc", "llama_FFN_PF.mlmodelc", "llama_lm_head.mlmodelc"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	return dir
}

func TestInspectTable(t *testing.T) {
	dir := modelDir(t)
	cfg := config.Default()
	opts, err := cfg.PipelineOptions()
	require.NoError(t, err)
	mc, err := pipeline.Configure(dir, opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	printModel(&buf, mc, true)
	out := buf.String()
	assert.Contains(t, out, "mode:     unified")
	assert.Contains(t, out, "batch=8 context=8 hidden=4 vocab=256 state=32")
	assert.Contains(t, out, "ffn_prefill")
	assert.Contains(t, out, "llama_lm_head.mlmodelc")
	assert.Contains(t, out, "logits(float16)[1 1 256]")
}

func TestRunGenerateWithMockEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Model = modelDir(t)
	require.NoError(t, runGenerate(context.Background(), cfg, "AB", 2))
}

func TestRunGenerateNeedsModel(t *testing.T) {
	err := runGenerate(context.Background(), config.Default(), "AB", 2)
	assert.ErrorContains(t, err, "no model")
}

func TestPrintTokens(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTokens(&buf, tokenizer.NewByteLevel(0), []string{"Hi", " is"}))
	assert.Equal(t, "\"Hi\" -> [72 105] (ok)\n\" is\" -> [32 105 115] (ok)\n", buf.String())
}
