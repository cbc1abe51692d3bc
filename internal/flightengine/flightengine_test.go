package flightengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

const sidecar = `{"components": {
  "r_embeddings.mlmodelc": {
    "inputs":  {"input_ids": {"shape": [1, 2], "dtype": "int32"}},
    "outputs": {"hidden_states": {"shape": [1, 2, 2], "dtype": "float16"}}
  },
  "r_FFN.mlmodelc": {
    "inputs": {
      "hidden_states": {"shape": [1, 1, 2], "dtype": "float16"},
      "position_ids":  {"shape": [1], "dtype": "int32"},
      "causal_mask":   {"shape": [1, 1, 1, 4], "dtype": "float16"}
    },
    "outputs": {"output_hidden_states": {"shape": [1, 1, 2], "dtype": "float16"}}
  }
}}`

func TestCodecCarriesShapeAndDType(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	ids, err := tensor.FromInt32("input_ids", []int{1, 3}, []int32{4, 5, 6})
	require.NoError(t, err)
	half, err := tensor.FromFloat32("mask", tensor.Float16, []int{1, 1, 1, 2}, []float32{0, -65504})
	require.NoError(t, err)
	full, err := tensor.FromFloat32("logits", tensor.Float32, []int{2, 2}, []float32{0.125, -3, 7.5, 1e6})
	require.NoError(t, err)

	rec, err := EncodeTensors(mem, tensor.Map{"input_ids": ids, "mask": half, "logits": full}, map[string]string{metaHandle: "h1"})
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, "h1", schemaMeta(rec.Schema(), metaHandle))
	assert.Equal(t, "input_ids", rec.ColumnName(0))

	got, err := DecodeTensors(rec)
	require.NoError(t, err)
	assert.Equal(t, ids, got["input_ids"])
	assert.Equal(t, half, got["mask"])
	assert.Equal(t, full, got["logits"])
}

func TestDecodeRejectsBareColumns(t *testing.T) {
	mem := memory.DefaultAllocator
	lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer lb.Release()
	lb.Append(true)
	lb.ValueBuilder().(*array.Int32Builder).AppendValues([]int32{1}, nil)
	col := lb.NewArray()
	defer col.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, 1)
	defer rec.Release()

	_, err := DecodeTensors(rec)
	assert.ErrorContains(t, err, "metadata")
}

func TestClientNotConnected(t *testing.T) {
	c := New("localhost:1", time.Second)
	ctx := context.Background()

	_, err := c.LoadComponent(ctx, "/m/r_FFN.mlmodelc", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Run(ctx, &remoteComponent{c: c}, tensor.Map{}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close())
}

func serve(t *testing.T) (*Client, *engine.MockEngine) {
	t.Helper()
	cat, err := catalog.Parse([]byte(sidecar))
	require.NoError(t, err)
	mock := engine.NewMock(cat, model.DefaultTensorNames())

	srv, err := NewServer("localhost:0", mock)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	c := New(srv.Addr().String(), 5*time.Second)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func TestRemoteRun(t *testing.T) {
	c, mock := serve(t)
	ctx := context.Background()

	emb, err := c.LoadComponent(ctx, "/m/r_embeddings.mlmodelc", "")
	require.NoError(t, err)
	ids, _ := tensor.FromInt32("input_ids", []int{1, 2}, []int32{9, 3})
	out, err := c.Run(ctx, emb, tensor.Map{"input_ids": ids}, nil)
	require.NoError(t, err)
	rows := out["hidden_states"].Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, float32(9), rows[0][0])
	assert.Equal(t, float32(3), rows[1][0])

	ffn, err := c.LoadComponent(ctx, "/m/r_FFN.mlmodelc", "")
	require.NoError(t, err)
	st, err := c.CreateState(ctx, ffn)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.LiveStates())

	h, _ := tensor.FromFloat32("hidden_states", tensor.Float16, []int{1, 1, 2}, []float32{5, 0})
	pos, _ := tensor.FromInt32("position_ids", []int{1}, []int32{0})
	mask, _ := tensor.FromFloat32("causal_mask", tensor.Float16, []int{1, 1, 1, 4}, []float32{0, -65504, -65504, -65504})
	out, err = c.Run(ctx, ffn, tensor.Map{"hidden_states": h, "position_ids": pos, "causal_mask": mask}, st)
	require.NoError(t, err)
	assert.Equal(t, float32(5), out["output_hidden_states"].Float[0])

	require.NoError(t, c.ReleaseState(ctx, st))
	assert.Equal(t, 0, mock.LiveStates())
	assert.NoError(t, ffn.Close())
	assert.Error(t, ffn.Close(), "second close of a handle")
}

func TestRemoteErrors(t *testing.T) {
	c, mock := serve(t)
	ctx := context.Background()

	_, err := c.LoadComponent(ctx, "/m/r_lm_head.mlmodelc", "")
	assert.Error(t, err, "undeclared artifact")

	ffn, err := c.LoadComponent(ctx, "/m/r_FFN.mlmodelc", "")
	require.NoError(t, err)
	// Running a stateful component without a state fails on the server.
	h, _ := tensor.FromFloat32("hidden_states", tensor.Float16, []int{1, 1, 2}, []float32{1, 0})
	pos, _ := tensor.FromInt32("position_ids", []int{1}, []int32{0})
	mask, _ := tensor.FromFloat32("causal_mask", tensor.Float16, []int{1, 1, 1, 4}, []float32{0, 0, 0, 0})
	_, err = c.Run(ctx, ffn, tensor.Map{"hidden_states": h, "position_ids": pos, "causal_mask": mask}, nil)
	assert.Error(t, err)

	mock.FailCreateState(errors.New("no memory"))
	_, err = c.CreateState(ctx, ffn)
	var sce *engine.StateCreationError
	assert.ErrorAs(t, err, &sce)

	assert.Error(t, c.ReleaseState(ctx, remoteState{id: "missing"}))
}

func TestWithDefaultPort(t *testing.T) {
	tests := []struct{ in, want string }{
		{"localhost", "localhost:3100"},
		{"localhost:9000", "localhost:9000"},
		{":3200", ":3200"},
		{"::1", "[::1]:3100"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WithDefaultPort(tt.in), tt.in)
	}
}
