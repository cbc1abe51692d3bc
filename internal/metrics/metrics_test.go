package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGenerationAccumulates(t *testing.T) {
	before := TotalTokens()
	RecordGeneration(5, 50*time.Millisecond)
	RecordGeneration(3, 30*time.Millisecond)
	if got := TotalTokens() - before; got != 8 {
		t.Errorf("expected 8 tokens recorded, got %d", got)
	}
}

func TestRecordAdaptation(t *testing.T) {
	pad := testutil.ToFloat64(TensorAdaptations.WithLabelValues("position_ids", "pad"))
	trunc := testutil.ToFloat64(TensorAdaptations.WithLabelValues("position_ids", "truncate"))

	RecordAdaptation("position_ids", true, false)
	RecordAdaptation("position_ids", false, false)

	if got := testutil.ToFloat64(TensorAdaptations.WithLabelValues("position_ids", "pad")); got != pad+1 {
		t.Errorf("pad counter = %v, want %v", got, pad+1)
	}
	if got := testutil.ToFloat64(TensorAdaptations.WithLabelValues("position_ids", "truncate")); got != trunc {
		t.Errorf("truncate counter moved: %v", got)
	}
}

func TestRecordEngineError(t *testing.T) {
	before := testutil.ToFloat64(EngineErrors.WithLabelValues("lm_head", "run"))
	RecordEngineError("lm_head", "run")
	if got := testutil.ToFloat64(EngineErrors.WithLabelValues("lm_head", "run")); got != before+1 {
		t.Errorf("engine errors = %v", got)
	}
}

func TestRecordProfile(t *testing.T) {
	RecordProfile(64, 64, 1024, 32000, 512)
	if got := testutil.ToFloat64(ProfileDims.WithLabelValues("state_length")); got != 512 {
		t.Errorf("state_length gauge = %v", got)
	}
	if got := testutil.ToFloat64(ProfileDims.WithLabelValues("batch_size")); got != 64 {
		t.Errorf("batch_size gauge = %v", got)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordPrefill(12)
	RecordComponentRun("ffn_infer", 2*time.Millisecond)
	RecordShapeMismatch("causal_mask")
	RecordContextLength(300)
	RecordStateReset()
	RecordLease("acquired")
	RecordLogits(2, 12.5, false)
	RecordSampling(0.7, 40)
	RecordTokenizerEncode(9, 1)
}
