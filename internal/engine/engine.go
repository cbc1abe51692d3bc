// Package engine defines the capability surface of the external runtime that
// executes compiled graphs, and a deterministic in-process implementation of
// it used by tests and by `quiver --engine mock`.
package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Component is a loaded, executable graph function.
type Component interface {
	Path() string
	Function() string
	Close() error
}

// State is an engine-owned recurrent state (KV cache) handle. A State must
// not be used by more than one caller at a time.
type State interface {
	ID() string
}

// Engine executes components. Every call blocks until the runtime returns.
type Engine interface {
	// LoadComponent opens function of the artifact at path. An empty
	// function selects the artifact's only function.
	LoadComponent(ctx context.Context, path, function string) (Component, error)
	// CreateState allocates a fresh state compatible with c.
	CreateState(ctx context.Context, c Component) (State, error)
	ReleaseState(ctx context.Context, s State) error
	// Run executes c on inputs. Stateless components accept a nil state.
	Run(ctx context.Context, c Component, inputs tensor.Map, s State) (tensor.Map, error)
	Close() error
}

// StateCreationError reports a failure to allocate a recurrent state.
type StateCreationError struct {
	Path string
	Err  error
}

func (e *StateCreationError) Error() string {
	return fmt.Sprintf("create state for %s: %v", e.Path, e.Err)
}

func (e *StateCreationError) Unwrap() error { return e.Err }
