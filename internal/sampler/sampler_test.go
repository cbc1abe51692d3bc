package sampler

import (
	"errors"
	"math"
	"slices"
	"testing"
)

func mustNew(t *testing.T, cfg Config) *Sampler {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSampler_Greedy(t *testing.T) {
	s := mustNew(t, Greedy())
	logits := []float32{1.0, 5.0, 2.0, 0.5}
	got, err := s.Sample(logits, nil)
	if err != nil || got != 1 {
		t.Errorf("greedy = %d, %v; want 1", got, err)
	}
}

func TestSampler_GreedyTiesLowestIndex(t *testing.T) {
	s := mustNew(t, Greedy())
	got, _ := s.Sample([]float32{0, 3, 1, 3, 3}, nil)
	if got != 1 {
		t.Errorf("tie broken to %d, want 1", got)
	}
}

func TestSampler_GreedySkipsNaN(t *testing.T) {
	nan := float32(math.NaN())
	got, _ := mustNew(t, Greedy()).Sample([]float32{nan, -1, nan, 2}, nil)
	if got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 behaves as greedy at any temperature.
	s := mustNew(t, Config{Temperature: 1.0, TopK: 1, Seed: 7})
	got, _ := s.Sample([]float32{2.0, 10.0, 5.0, 1.0}, nil)
	if got != 1 {
		t.Errorf("TopK=1 = %d, want 1", got)
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	s := mustNew(t, Config{Temperature: 5.0, TopK: 2, Seed: 1})
	logits := []float32{2.0, 10.0, 5.0, 1.0}
	for i := 0; i < 200; i++ {
		val, _ := s.Sample(logits, nil)
		if val == 0 || val == 3 {
			t.Fatalf("TopK=2 produced excluded token %d", val)
		}
	}
}

func TestSampler_TopP(t *testing.T) {
	// Probabilities ~0.4, 0.3, 0.2, 0.1: p=0.5 keeps tokens 0 and 1.
	logits := []float32{-0.91, -1.20, -1.61, -2.30}
	s := mustNew(t, Config{Temperature: 1.0, TopP: 0.5, Seed: 3})
	for i := 0; i < 200; i++ {
		val, _ := s.Sample(logits, nil)
		if val == 2 || val == 3 {
			t.Fatalf("TopP=0.5 produced excluded token %d", val)
		}
	}
}

func TestSampler_SeedIsDeterministic(t *testing.T) {
	logits := []float32{1, 1.1, 0.9, 1.05, 0.7}
	a := mustNew(t, Config{Temperature: 1.0, Seed: 42})
	b := mustNew(t, Config{Temperature: 1.0, Seed: 42})
	for i := 0; i < 50; i++ {
		x, _ := a.Sample(logits, nil)
		y, _ := b.Sample(logits, nil)
		if x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestSampler_RepetitionPenaltyDoesNotMutate(t *testing.T) {
	s := mustNew(t, Config{Temperature: 0, RepPenalty: 10})
	logits := []float32{1.0, 2.0, 1.5}
	orig := slices.Clone(logits)
	got, _ := s.Sample(logits, []int{1})
	if got != 2 {
		t.Errorf("penalised greedy = %d, want 2", got)
	}
	if !slices.Equal(logits, orig) {
		t.Errorf("logits mutated: %v", logits)
	}
}

func TestSampler_NegInfNeverDrawn(t *testing.T) {
	ninf := float32(math.Inf(-1))
	s := mustNew(t, Config{Temperature: 1.0, Seed: 9})
	for i := 0; i < 100; i++ {
		val, _ := s.Sample([]float32{ninf, 0, ninf, 0}, nil)
		if val != 1 && val != 3 {
			t.Fatalf("drew masked token %d", val)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		param string
	}{
		{"negative temperature", Config{Temperature: -0.1}, "temperature"},
		{"negative top_k", Config{TopK: -1}, "top_k"},
		{"top_p above one", Config{TopP: 1.5}, "top_p"},
		{"negative penalty", Config{RepPenalty: -1}, "rep_penalty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var ip *InvalidParamsError
			if !errors.As(err, &ip) {
				t.Fatalf("expected InvalidParamsError, got %v", err)
			}
			if ip.Param != tt.param {
				t.Errorf("param = %s, want %s", ip.Param, tt.param)
			}
		})
	}
}

func TestSampleOneShot(t *testing.T) {
	got, err := Sample([]float32{0.1, 0.2, 3}, 0, 0, 0)
	if err != nil || got != 2 {
		t.Errorf("Sample = %d, %v", got, err)
	}
	if _, err := Sample([]float32{1}, -1, 0, 0); err == nil {
		t.Error("expected error for negative temperature")
	}
	if _, err := Sample(nil, 0, 0, 0); err == nil {
		t.Error("expected error for empty logits")
	}
}
