package pipeline

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/registry"
)

var (
	// ErrStateNotInitialized is returned by any step taken before
	// InitializeState.
	ErrStateNotInitialized = errors.New("recurrent state not initialized")
	ErrEmptyPrompt         = errors.New("prompt encodes to no tokens")
	ErrClosed              = errors.New("pipeline closed")
)

// LoadError reports a required role that could not be resolved or opened.
type LoadError = registry.LoadError

// EngineExecutionError wraps a failed engine call. It is never retried.
type EngineExecutionError struct {
	Role model.Role
	Path string
	Err  error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("%s run on %s failed: %v", e.Role, e.Path, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }
