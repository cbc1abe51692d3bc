package pipeline

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/shapes"
)

// Options are the caller's choices for one pipeline.
type Options struct {
	Naming   naming.Config
	Names    model.TensorNames
	Oracle   oracle.Options
	Sampling sampler.Config
	// StopTokens end generation; empty means the tokenizer's own.
	StopTokens []int
	// StrictTokenizer rejects plain-ASCII prompts that do not survive a
	// tokenizer round trip.
	StrictTokenizer bool
}

func DefaultOptions() Options {
	return Options{
		Naming:   naming.DefaultConfig(),
		Names:    model.DefaultTensorNames(),
		Oracle:   oracle.DefaultOptions(),
		Sampling: sampler.Greedy(),
	}
}

func (o Options) Validate() error {
	if err := o.Naming.Validate(); err != nil {
		return err
	}
	if err := o.Sampling.Validate(); err != nil {
		return err
	}
	if o.Names.InputIDs == "" || o.Names.HiddenStates == "" || o.Names.LogitsPrefix == "" {
		return fmt.Errorf("tensor names: input_ids, hidden_states and logits prefix are required")
	}
	return nil
}

// ModelConfig is everything derived from a model directory at load time. It
// is built once and never mutated; reloading replaces it.
type ModelConfig struct {
	Dir        string
	Info       model.ModelInfo
	Profile    model.ShapeProfile
	Components shapes.Components
	Naming     naming.Config
	Names      model.TensorNames
	Mode       model.ExecutionMode
}

// HasPrefill reports whether a full-sequence FFN function exists.
func (c ModelConfig) HasPrefill() bool {
	return len(c.Components[model.RoleFFNPrefill]) > 0
}
