package model

import (
	"testing"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func TestRoleStrings(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(r.String())
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseRole("decoder"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestFullSequence(t *testing.T) {
	if !RoleEmbeddings.FullSequence() || !RoleFFNPrefill.FullSequence() {
		t.Error("embeddings and prefill consume full sequences")
	}
	if RoleFFNInfer.FullSequence() || RoleLMHead.FullSequence() {
		t.Error("infer and head are single-step")
	}
}

func TestLogitOutputsOrder(t *testing.T) {
	mk := func(name string, n int) tensor.Spec {
		s, _ := tensor.NewSpec(name, tensor.Float16, 1, 1, n)
		return s
	}
	c := ComponentSpec{Outputs: map[string]tensor.Spec{
		"logits10": mk("logits10", 1),
		"logits2":  mk("logits2", 2),
		"logits1":  mk("logits1", 3),
		"other":    mk("other", 4),
		"logitsX":  mk("logitsX", 5),
	}}
	got := c.LogitOutputs("logits")
	want := []string{"logits1", "logits2", "logits10"}
	if len(got) != len(want) {
		t.Fatalf("got %d shards, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Errorf("shard %d = %s, want %s", i, got[i].Name, want[i])
		}
	}
}

func TestShapeProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       ShapeProfile
		wantErr bool
	}{
		{"valid", ShapeProfile{BatchSize: 64, ContextLength: 64, HiddenSize: 1024, VocabSize: 32000, StateLength: 512}, false},
		{"zero batch", ShapeProfile{ContextLength: 64, HiddenSize: 1024, VocabSize: 32000, StateLength: 64}, true},
		{"zero vocab", ShapeProfile{BatchSize: 1, ContextLength: 64, HiddenSize: 1024, StateLength: 64}, true},
		{"short state", ShapeProfile{BatchSize: 1, ContextLength: 64, HiddenSize: 8, VocabSize: 8, StateLength: 32}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCursorPending(t *testing.T) {
	c := Cursor{Processed: 2, Tokens: []int{5, 6, 7, 8}}
	if p := c.Pending(); len(p) != 2 || p[0] != 7 {
		t.Errorf("Pending() = %v", p)
	}
	c.Processed = 4
	if p := c.Pending(); p != nil {
		t.Errorf("Pending() = %v, want nil", p)
	}
	cl := c.Clone()
	cl.Tokens[0] = 99
	if c.Tokens[0] == 99 {
		t.Error("Clone shares the token buffer")
	}
}
