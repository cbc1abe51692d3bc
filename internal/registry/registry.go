// Package registry owns the loaded component handles of one model and the
// single recurrent state they share.
//
// The state is handed out as a Lease. At most one lease exists at a time;
// a second Acquire fails with ErrStateBusy instead of blocking, so two
// sessions can never interleave calls on one KV cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
)

var (
	ErrStateBusy     = errors.New("recurrent state is already leased")
	ErrLeaseReleased = errors.New("state lease already released")
	ErrNoStateOwner  = errors.New("no ffn component to create state from")
)

// LoadError reports a component the engine could not open.
type LoadError struct {
	Role model.Role
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s component %s: %v", e.Role, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type Registry struct {
	eng        engine.Engine
	specs      map[model.Role][]model.ComponentSpec
	components map[model.Role][]engine.Component
	loaded     []engine.Component
	stateOwner engine.Component
	leased     atomic.Bool
}

// Open loads every component once per (path, function). The state owner is
// the first infer chunk, or the first prefill chunk when there is no infer.
func Open(ctx context.Context, eng engine.Engine, specs map[model.Role][]model.ComponentSpec) (*Registry, error) {
	r := &Registry{
		eng:        eng,
		specs:      specs,
		components: make(map[model.Role][]engine.Component),
	}
	byKey := make(map[string]engine.Component)
	for _, role := range model.Roles {
		for _, spec := range specs[role] {
			key := spec.Path + "#" + spec.Function
			c, ok := byKey[key]
			if !ok {
				var err error
				c, err = eng.LoadComponent(ctx, spec.Path, spec.Function)
				if err != nil {
					r.Close()
					return nil, &LoadError{Role: role, Path: spec.Path, Err: err}
				}
				byKey[key] = c
				r.loaded = append(r.loaded, c)
				logger.Log.Debug("component loaded", "role", role.String(), "path", spec.Path, "function", spec.Function)
			}
			r.components[role] = append(r.components[role], c)
		}
	}
	for _, role := range []model.Role{model.RoleFFNInfer, model.RoleFFNPrefill} {
		if cs := r.components[role]; len(cs) > 0 {
			r.stateOwner = cs[0]
			break
		}
	}
	if r.stateOwner == nil {
		r.Close()
		return nil, ErrNoStateOwner
	}
	return r, nil
}

// Components returns the handles serving role in execution order.
func (r *Registry) Components(role model.Role) []engine.Component {
	return r.components[role]
}

// Specs returns the declared contracts for role, parallel to Components.
func (r *Registry) Specs(role model.Role) []model.ComponentSpec {
	return r.specs[role]
}

func (r *Registry) Engine() engine.Engine { return r.eng }

// Acquire creates a fresh state and leases it to the caller.
func (r *Registry) Acquire(ctx context.Context) (*Lease, error) {
	if !r.leased.CompareAndSwap(false, true) {
		metrics.RecordLease("busy")
		return nil, ErrStateBusy
	}
	st, err := r.eng.CreateState(ctx, r.stateOwner)
	if err != nil {
		r.leased.Store(false)
		var sce *engine.StateCreationError
		if !errors.As(err, &sce) {
			err = &engine.StateCreationError{Path: r.stateOwner.Path(), Err: err}
		}
		return nil, err
	}
	metrics.RecordLease("acquired")
	return &Lease{id: uuid.NewString(), reg: r, state: st}, nil
}

// Close closes every loaded component. Outstanding leases must be released
// first.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.loaded {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Path(), err))
		}
	}
	r.loaded = nil
	return errors.Join(errs...)
}

// Lease is exclusive access to the registry's recurrent state. It is not safe
// for concurrent use; the holder drives it from one goroutine.
type Lease struct {
	id       string
	reg      *Registry
	state    engine.State
	released bool
}

func (l *Lease) ID() string { return l.id }

// State returns the leased handle.
func (l *Lease) State() (engine.State, error) {
	if l.released {
		return nil, ErrLeaseReleased
	}
	return l.state, nil
}

// Reset replaces the state with a fresh one, discarding all history.
func (l *Lease) Reset(ctx context.Context) error {
	if l.released {
		return ErrLeaseReleased
	}
	if err := l.reg.eng.ReleaseState(ctx, l.state); err != nil {
		l.release()
		return fmt.Errorf("release state %s: %w", l.state.ID(), err)
	}
	st, err := l.reg.eng.CreateState(ctx, l.reg.stateOwner)
	if err != nil {
		// The old handle is gone; the lease can no longer be used.
		l.release()
		var sce *engine.StateCreationError
		if !errors.As(err, &sce) {
			err = &engine.StateCreationError{Path: l.reg.stateOwner.Path(), Err: err}
		}
		return err
	}
	l.state = st
	metrics.RecordStateReset()
	return nil
}

// Release frees the state and ends the lease. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	err := l.reg.eng.ReleaseState(ctx, l.state)
	l.release()
	if err != nil {
		return fmt.Errorf("release state %s: %w", l.state.ID(), err)
	}
	return nil
}

func (l *Lease) release() {
	l.released = true
	l.reg.leased.Store(false)
	metrics.RecordLease("released")
}
