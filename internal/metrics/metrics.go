package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tokens_generated_total",
		Help: "The total number of tokens sampled from the LM head",
	})

	TokensPrefilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tokens_prefilled_total",
		Help: "The total number of prompt tokens written to state by prefill",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "quiver_generation_duration_seconds",
		Help: "Duration of generate calls",
	})

	ComponentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_component_duration_seconds",
		Help:    "Histogram of engine run times per component role",
		Buckets: prometheus.DefBuckets,
	}, []string{"role"})

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_engine_errors_total",
		Help: "Total number of failed engine calls",
	}, []string{"role", "operation"})

	TensorAdaptations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_tensor_adaptations_total",
		Help: "Inputs padded or truncated to a declared shape",
	}, []string{"tensor", "kind"})

	ShapeMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_shape_mismatch_total",
		Help: "Inputs that could not be adapted to a declared shape",
	}, []string{"tensor"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_context_length_tokens",
		Help:    "Distribution of context lengths at the end of a generation",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	StateResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_state_resets_total",
		Help: "Recurrent state resets (initialize_state calls)",
	})

	StateLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_state_lease_total",
		Help: "State lease events",
	}, []string{"event"})

	HeadShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_lm_head_shards",
		Help: "Number of logits shards concatenated per head evaluation",
	})

	ProfileDims = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_shape_profile",
		Help: "Reconciled shape profile of the loaded model",
	}, []string{"dim"})

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_logit_max_value",
		Help:    "Maximum logit value observed",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 500, 1000},
	})

	LogitNaNCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_logit_nan_total",
		Help: "Head evaluations whose logits contained NaN",
	})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_sampling_temperature",
		Help:    "Temperature used per sample",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 0.9, 1.0, 1.5, 2.0},
	})

	SamplingTopK = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_sampling_top_k",
		Help:    "Top-k restriction used per sample (0 = none)",
		Buckets: []float64{0, 1, 5, 10, 20, 40, 50, 100},
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_tokenizer_encode_length",
		Help:    "Number of tokens produced per encode call",
		Buckets: []float64{1, 8, 32, 128, 512, 2048},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tokenizer_unknown_tokens_total",
		Help: "Bytes or pieces that fell back to the unknown token",
	})
)

func RecordGeneration(tokens int, duration time.Duration) {
	TokensGeneratedTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	GenerationDuration.Observe(duration.Seconds())
}

// TotalTokens returns the tokens generated by this process.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPrefill(tokens int) {
	TokensPrefilledTotal.Add(float64(tokens))
}

func RecordComponentRun(role string, duration time.Duration) {
	ComponentDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func RecordEngineError(role, operation string) {
	EngineErrors.WithLabelValues(role, operation).Inc()
}

// RecordAdaptation counts a pad or truncate applied to an input tensor.
func RecordAdaptation(tensor string, padded, truncated bool) {
	if padded {
		TensorAdaptations.WithLabelValues(tensor, "pad").Inc()
	}
	if truncated {
		TensorAdaptations.WithLabelValues(tensor, "truncate").Inc()
	}
}

func RecordShapeMismatch(tensor string) {
	ShapeMismatches.WithLabelValues(tensor).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordStateReset() {
	StateResets.Inc()
}

// RecordLease records "acquired", "busy" or "released".
func RecordLease(event string) {
	StateLeases.WithLabelValues(event).Inc()
}

func RecordProfile(batch, context, hidden, vocab, state int) {
	ProfileDims.WithLabelValues("batch_size").Set(float64(batch))
	ProfileDims.WithLabelValues("context_length").Set(float64(context))
	ProfileDims.WithLabelValues("hidden_size").Set(float64(hidden))
	ProfileDims.WithLabelValues("vocab_size").Set(float64(vocab))
	ProfileDims.WithLabelValues("state_length").Set(float64(state))
}

// RecordLogits records the head output range for one evaluation.
func RecordLogits(shards int, max float32, hasNaN bool) {
	HeadShards.Set(float64(shards))
	LogitMaxValue.Observe(float64(max))
	if hasNaN {
		LogitNaNCount.Inc()
	}
}

func RecordSampling(temperature float64, topK int) {
	SamplingTemperature.Observe(temperature)
	SamplingTopK.Observe(float64(topK))
}

func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}
