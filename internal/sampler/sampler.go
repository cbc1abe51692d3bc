package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

type Config struct {
	Temperature float64
	TopK        int     // 0 = no restriction
	TopP        float64 // 0 or 1 = no restriction
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64   // 0 = seeded from the clock
}

// Greedy is strict argmax sampling.
func Greedy() Config {
	return Config{Temperature: 0, RepPenalty: 1.0}
}

// InvalidParamsError rejects sampling parameters; they are never clamped.
type InvalidParamsError struct {
	Param string
	Value float64
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid sampling parameter %s: %v", e.Param, e.Value)
}

func (c Config) Validate() error {
	switch {
	case c.Temperature < 0 || math.IsNaN(c.Temperature):
		return &InvalidParamsError{Param: "temperature", Value: c.Temperature}
	case c.TopK < 0:
		return &InvalidParamsError{Param: "top_k", Value: float64(c.TopK)}
	case c.TopP < 0 || c.TopP > 1:
		return &InvalidParamsError{Param: "top_p", Value: c.TopP}
	case c.RepPenalty < 0:
		return &InvalidParamsError{Param: "rep_penalty", Value: c.RepPenalty}
	}
	return nil
}

type Sampler struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample picks the next token. history feeds the repetition penalty; the
// caller's logits are never modified.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sample: empty logits")
	}
	metrics.RecordSampling(s.cfg.Temperature, s.cfg.TopK)

	if s.cfg.RepPenalty > 1.0 && len(history) > 0 {
		logits = slices.Clone(logits)
		applyRepetitionPenalty(logits, history, s.cfg.RepPenalty)
	}
	if s.cfg.Temperature == 0 {
		return argMax(logits), nil
	}

	candidates := softmax(logits, s.cfg.Temperature)
	if len(candidates) == 0 {
		return argMax(logits), nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopK(candidates, s.cfg.TopK)
	candidates = applyTopP(candidates, s.cfg.TopP)
	return s.draw(candidates), nil
}

// Sample is the one-shot form: greedy at temperature 0, otherwise a draw
// from the tempered softmax restricted to the topK highest logits.
func Sample(logits []float32, temperature float64, topK int, seed int64) (int, error) {
	s, err := New(Config{Temperature: temperature, TopK: topK, Seed: seed})
	if err != nil {
		return 0, err
	}
	return s.Sample(logits, nil)
}

type tokenProb struct {
	id   int
	prob float64
}

// softmax of logits/temperature. NaN and -inf logits get probability zero
// and are dropped.
func softmax(logits []float32, temperature float64) []tokenProb {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if f := float64(v); !math.IsNaN(f) && f > maxVal {
			maxVal = f
		}
	}
	if math.IsInf(maxVal, 0) {
		return nil
	}
	out := make([]tokenProb, 0, len(logits))
	sum := 0.0
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, -1) {
			continue
		}
		p := math.Exp((f - maxVal) / temperature)
		if p <= 0 {
			continue
		}
		out = append(out, tokenProb{id: i, prob: p})
		sum += p
	}
	for i := range out {
		out[i].prob /= sum
	}
	return out
}

func (s *Sampler) draw(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func applyRepetitionPenalty(logits []float32, history []int, penalty float64) {
	seen := make(map[int]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= float32(penalty)
		} else {
			logits[id] *= float32(penalty)
		}
	}
}

// argMax returns the index of the largest logit, the lowest index on ties.
// NaN entries are skipped; all-NaN logits yield 0.
func argMax(logits []float32) int {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return 0
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
