package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/model"
)

const sidecar = `{"components": {
  "u_FFN_PF.mlmodelc": {"functions": {
    "prefill": {"inputs": {"hidden_states": {"shape": [1, 4, 2], "dtype": "float16"},
                           "position_ids": {"shape": [4], "dtype": "int32"}},
                "outputs": {"output_hidden_states": {"shape": [1, 1, 2], "dtype": "float16"}}},
    "infer":   {"inputs": {"hidden_states": {"shape": [1, 1, 2], "dtype": "float16"},
                           "position_ids": {"shape": [1], "dtype": "int32"}},
                "outputs": {"output_hidden_states": {"shape": [1, 1, 2], "dtype": "float16"}}}
  }},
  "u_lm_head.mlmodelc": {"inputs": {"hidden_states": {"shape": [1, 1, 2], "dtype": "float16"}},
                         "outputs": {"logits": {"shape": [1, 1, 8], "dtype": "float16"}}}
}}`

func setup(t *testing.T) (*engine.MockEngine, map[model.Role][]model.ComponentSpec) {
	t.Helper()
	cat, err := catalog.Parse([]byte(sidecar))
	if err != nil {
		t.Fatal(err)
	}
	specs := map[model.Role][]model.ComponentSpec{}
	add := func(role model.Role, path, fn string) {
		s, err := cat.Component(role, path, fn, 0)
		if err != nil {
			t.Fatal(err)
		}
		specs[role] = append(specs[role], s)
	}
	add(model.RoleFFNPrefill, "/m/u_FFN_PF.mlmodelc", "prefill")
	add(model.RoleFFNInfer, "/m/u_FFN_PF.mlmodelc", "infer")
	add(model.RoleLMHead, "/m/u_lm_head.mlmodelc", "")
	return engine.NewMock(cat, model.DefaultTensorNames()), specs
}

func TestOpenLoadsEachFunctionOnce(t *testing.T) {
	eng, specs := setup(t)
	r, err := Open(context.Background(), eng, specs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if n := len(r.loaded); n != 3 {
		t.Errorf("loaded %d components, want 3", n)
	}
	if got := r.Components(model.RoleFFNInfer)[0].Function(); got != "infer" {
		t.Errorf("infer component function = %q", got)
	}
	if len(r.Specs(model.RoleLMHead)) != 1 {
		t.Error("missing head spec")
	}
}

func TestOpenReportsLoadError(t *testing.T) {
	eng, specs := setup(t)
	eng.FailOn("/m/u_lm_head.mlmodelc", "load", errors.New("corrupt weights"))
	_, err := Open(context.Background(), eng, specs)

	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if le.Role != model.RoleLMHead || le.Path != "/m/u_lm_head.mlmodelc" {
		t.Errorf("LoadError = %+v", le)
	}
}

func TestLeaseIsExclusive(t *testing.T) {
	eng, specs := setup(t)
	r, err := Open(context.Background(), eng, specs)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	l, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Acquire(ctx); !errors.Is(err, ErrStateBusy) {
		t.Fatalf("second Acquire: expected ErrStateBusy, got %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := l.State(); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("State after release: %v", err)
	}

	l2, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if l2.ID() == l.ID() {
		t.Error("lease ids should be unique")
	}
	_ = l2.Release(ctx)
	if eng.LiveStates() != 0 {
		t.Errorf("leaked %d states", eng.LiveStates())
	}
}

func TestLeaseResetReplacesState(t *testing.T) {
	eng, specs := setup(t)
	r, _ := Open(context.Background(), eng, specs)
	ctx := context.Background()
	l, err := r.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := l.State()
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	after, _ := l.State()
	if before.ID() == after.ID() {
		t.Error("Reset should create a new state")
	}
	if eng.LiveStates() != 1 {
		t.Errorf("live states = %d, want 1", eng.LiveStates())
	}
}

func TestLeaseResetReleaseFailureEndsLease(t *testing.T) {
	eng, specs := setup(t)
	r, _ := Open(context.Background(), eng, specs)
	ctx := context.Background()
	l, err := r.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	st, _ := l.State()
	if err := eng.ReleaseState(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := l.Reset(ctx); err == nil {
		t.Fatal("Reset of a state the engine already dropped should fail")
	}
	if _, err := l.State(); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("State after failed reset: %v, want ErrLeaseReleased", err)
	}
	l2, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after failed reset: %v", err)
	}
	if err := l2.Release(ctx); err != nil {
		t.Error(err)
	}
}

func TestAcquireStateCreationError(t *testing.T) {
	eng, specs := setup(t)
	r, _ := Open(context.Background(), eng, specs)
	eng.FailCreateState(errors.New("out of memory"))

	_, err := r.Acquire(context.Background())
	var sce *engine.StateCreationError
	if !errors.As(err, &sce) {
		t.Fatalf("expected StateCreationError, got %v", err)
	}
	// A failed acquire must not leave the registry leased.
	eng.FailCreateState(nil)
	if _, err := r.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire after failure: %v", err)
	}
}
