// Package model holds the descriptions shared by every stage of the split
// model: component roles, declared component contracts, the reconciled shape
// profile and the generation cursor.
package model

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Role is the logical job a compiled graph performs in the pipeline.
type Role int

const (
	RoleEmbeddings Role = iota
	RoleFFNPrefill
	RoleFFNInfer
	RoleLMHead
)

// Roles lists every role in pipeline order.
var Roles = []Role{RoleEmbeddings, RoleFFNPrefill, RoleFFNInfer, RoleLMHead}

func (r Role) String() string {
	switch r {
	case RoleEmbeddings:
		return "embeddings"
	case RoleFFNPrefill:
		return "ffn_prefill"
	case RoleFFNInfer:
		return "ffn_infer"
	case RoleLMHead:
		return "lm_head"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// FullSequence reports whether the role consumes a whole prompt window per call.
func (r Role) FullSequence() bool {
	return r == RoleEmbeddings || r == RoleFFNPrefill
}

// Function names a component exposes when one artifact serves several roles.
const (
	FunctionPrefill = "prefill"
	FunctionInfer   = "infer"
)

// ExecutionMode tells whether prefill and infer live in one artifact.
type ExecutionMode int

const (
	ModeSplit ExecutionMode = iota
	ModeUnified
)

func (m ExecutionMode) String() string {
	if m == ModeUnified {
		return "unified"
	}
	return "split"
}

// TensorNames are the tensor names the pipeline reads and writes.
type TensorNames struct {
	InputIDs     string
	HiddenStates string
	OutputHidden string
	PositionIDs  string
	CausalMask   string
	CurrentPos   string
	LogitsPrefix string
}

func DefaultTensorNames() TensorNames {
	return TensorNames{
		InputIDs:     "input_ids",
		HiddenStates: "hidden_states",
		OutputHidden: "output_hidden_states",
		PositionIDs:  "position_ids",
		CausalMask:   "causal_mask",
		CurrentPos:   "current_pos",
		LogitsPrefix: "logits",
	}
}

// ComponentSpec is one compiled graph (or one function of it) as declared on disk.
type ComponentSpec struct {
	Role       Role
	Path       string
	Function   string
	Chunk      int
	Inputs     map[string]tensor.Spec
	Outputs    map[string]tensor.Spec
	Functions  []string
	InputOrder []string
}

func (c ComponentSpec) Input(name string) (tensor.Spec, bool) {
	s, ok := c.Inputs[name]
	return s, ok
}

func (c ComponentSpec) Output(name string) (tensor.Spec, bool) {
	s, ok := c.Outputs[name]
	return s, ok
}

// Declares reports whether the artifact exposes the named function.
func (c ComponentSpec) Declares(fn string) bool {
	return slices.Contains(c.Functions, fn)
}

// LogitOutputs returns the logits outputs in shard order: "logits" alone, or
// "logits1".."logitsN" sorted by their numeric suffix.
func (c ComponentSpec) LogitOutputs(prefix string) []tensor.Spec {
	type shard struct {
		idx  int
		spec tensor.Spec
	}
	var shards []shard
	for name, s := range c.Outputs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(name, prefix), "_")
		if rest == "" {
			shards = append(shards, shard{idx: 0, spec: s})
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		shards = append(shards, shard{idx: n, spec: s})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].idx < shards[j].idx })
	out := make([]tensor.Spec, len(shards))
	for i, s := range shards {
		out[i] = s.spec
	}
	return out
}

func (c ComponentSpec) String() string {
	if c.Function != "" {
		return fmt.Sprintf("%s[%s:%s]", c.Role, c.Path, c.Function)
	}
	return fmt.Sprintf("%s[%s]", c.Role, c.Path)
}

// ShapeProfile is the single reconciled shape contract for the whole model.
// StateLength is the key axis of the recurrent state (the causal mask width).
type ShapeProfile struct {
	BatchSize     int
	ContextLength int
	HiddenSize    int
	VocabSize     int
	StateLength   int
}

func (p ShapeProfile) Validate() error {
	switch {
	case p.BatchSize <= 0:
		return fmt.Errorf("invalid batch_size: %d (must be positive)", p.BatchSize)
	case p.ContextLength <= 0:
		return fmt.Errorf("invalid context_length: %d (must be positive)", p.ContextLength)
	case p.HiddenSize <= 0:
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", p.HiddenSize)
	case p.VocabSize <= 0:
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", p.VocabSize)
	case p.StateLength < p.ContextLength:
		return fmt.Errorf("state_length %d shorter than context_length %d", p.StateLength, p.ContextLength)
	}
	return nil
}

// ModelInfo is identity and provenance read from meta.yaml.
type ModelInfo struct {
	Name          string
	Version       string
	Architecture  string
	Prefix        string
	ContextLength int
	BatchSize     int
	NumChunks     int
	SplitLMHead   int
	Source        string
}

// Cursor is the generation position: Processed tokens have been written to
// the recurrent state, Tokens is the whole sequence buffer.
type Cursor struct {
	Processed int
	Tokens    []int
}

// Pending returns the buffered tokens not yet written to the state.
func (c Cursor) Pending() []int {
	if c.Processed >= len(c.Tokens) {
		return nil
	}
	return c.Tokens[c.Processed:]
}

func (c Cursor) Clone() Cursor {
	return Cursor{Processed: c.Processed, Tokens: slices.Clone(c.Tokens)}
}
