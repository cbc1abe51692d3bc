package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/registry"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/shapes"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

// Configure resolves dir and derives its ModelConfig without opening any
// component.
func Configure(dir string, opts Options) (ModelConfig, error) {
	if err := opts.Validate(); err != nil {
		return ModelConfig{}, err
	}
	res, err := naming.ResolveDir(dir, opts.Naming)
	if err != nil {
		var nf *naming.ComponentNotFoundError
		if errors.As(err, &nf) {
			return ModelConfig{}, &LoadError{Role: nf.Role, Path: dir, Err: err}
		}
		return ModelConfig{}, err
	}
	cat, err := catalog.Load(dir)
	if err != nil {
		return ModelConfig{}, err
	}
	info, err := catalog.LoadInfo(dir)
	if err != nil {
		return ModelConfig{}, err
	}

	comps, err := buildComponents(res, cat)
	if err != nil {
		return ModelConfig{}, err
	}
	profile, err := shapes.Infer(comps, opts.Names)
	if err != nil {
		return ModelConfig{}, err
	}
	if info.ContextLength > 0 && info.ContextLength != profile.ContextLength {
		logger.Log.Warn("meta.yaml context length disagrees with declared tensors, using tensors",
			"meta", info.ContextLength, "declared", profile.ContextLength)
	}

	return ModelConfig{
		Dir:        dir,
		Info:       info,
		Profile:    profile,
		Components: comps,
		Naming:     opts.Naming,
		Names:      opts.Names,
		Mode:       shapes.Mode(comps),
	}, nil
}

// functionFor picks the function of path that serves role. Artifacts with
// no named functions use the default one.
func functionFor(cat *catalog.Catalog, a naming.Artifact, role model.Role) string {
	fns := cat.Functions(a.Path)
	if len(fns) == 0 {
		return ""
	}
	if a.Function != "" && slices.Contains(fns, a.Function) {
		return a.Function
	}
	want := model.FunctionInfer
	if role == model.RoleFFNPrefill {
		want = model.FunctionPrefill
	}
	if slices.Contains(fns, want) {
		return want
	}
	return fns[0]
}

func specsFor(cat *catalog.Catalog, role model.Role, arts []naming.Artifact, fn func(naming.Artifact) string) ([]model.ComponentSpec, error) {
	out := make([]model.ComponentSpec, 0, len(arts))
	for _, a := range arts {
		s, err := cat.Component(role, a.Path, fn(a), a.Chunk)
		if err != nil {
			return nil, &LoadError{Role: role, Path: a.Path, Err: err}
		}
		out = append(out, s)
	}
	return out, nil
}

// borrow reuses the artifacts of another FFN role when they declare the
// function this role needs.
func borrow(cat *catalog.Catalog, arts []naming.Artifact, fn string) bool {
	if len(arts) == 0 {
		return false
	}
	for _, a := range arts {
		if !slices.Contains(cat.Functions(a.Path), fn) {
			return false
		}
	}
	return true
}

func buildComponents(res naming.Resolution, cat *catalog.Catalog) (shapes.Components, error) {
	comps := shapes.Components{}
	for _, role := range model.Roles {
		arts := res.Artifacts[role]
		if len(arts) == 0 {
			continue
		}
		specs, err := specsFor(cat, role, arts, func(a naming.Artifact) string { return functionFor(cat, a, role) })
		if err != nil {
			return nil, err
		}
		comps[role] = specs
	}

	prefillArts := res.Artifacts[model.RoleFFNPrefill]
	inferArts := res.Artifacts[model.RoleFFNInfer]
	if len(comps[model.RoleFFNPrefill]) == 0 && borrow(cat, inferArts, model.FunctionPrefill) {
		specs, err := specsFor(cat, model.RoleFFNPrefill, inferArts, func(naming.Artifact) string { return model.FunctionPrefill })
		if err != nil {
			return nil, err
		}
		comps[model.RoleFFNPrefill] = specs
	}
	if len(comps[model.RoleFFNInfer]) == 0 {
		if !borrow(cat, prefillArts, model.FunctionInfer) {
			return nil, &LoadError{Role: model.RoleFFNInfer, Path: res.Dir, Err: errors.New("no artifact provides a single-token function")}
		}
		specs, err := specsFor(cat, model.RoleFFNInfer, prefillArts, func(naming.Artifact) string { return model.FunctionInfer })
		if err != nil {
			return nil, err
		}
		comps[model.RoleFFNInfer] = specs
	}

	if p, i := len(comps[model.RoleFFNPrefill]), len(comps[model.RoleFFNInfer]); p > 0 && p != i {
		return nil, &LoadError{Role: model.RoleFFNPrefill, Path: res.Dir,
			Err: fmt.Errorf("%d prefill chunks but %d infer chunks", p, i)}
	}
	return comps, nil
}

// Load resolves dir, reconciles its shapes and opens every component on eng.
// The pipeline does not own eng or tok.
func Load(ctx context.Context, dir string, eng engine.Engine, tok tokenizer.Tokenizer, opts Options) (*Pipeline, error) {
	cfg, err := Configure(dir, opts)
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg, eng, tok, opts)
}

// Open builds a pipeline from an already derived ModelConfig.
func Open(ctx context.Context, cfg ModelConfig, eng engine.Engine, tok tokenizer.Tokenizer, opts Options) (*Pipeline, error) {
	smp, err := sampler.New(opts.Sampling)
	if err != nil {
		return nil, err
	}
	if n := tok.VocabSize(); n > cfg.Profile.VocabSize {
		logger.Log.Warn("tokenizer vocabulary larger than model logits", "tokenizer", n, "model", cfg.Profile.VocabSize)
	}

	reg, err := registry.Open(ctx, eng, cfg.Components)
	if err != nil {
		return nil, err
	}

	stops := opts.StopTokens
	if len(stops) == 0 {
		stops = tok.StopTokens()
	}
	id := uuid.NewString()
	p := &Pipeline{
		id:      id,
		cfg:     cfg,
		opts:    opts,
		reg:     reg,
		oracle:  oracle.New(cfg.Profile, cfg.Names, opts.Oracle),
		sampler: smp,
		tok:     tok,
		stops:   stops,
		log:     logger.Log.With("session", id, "model", cfg.Info.Name),
		phase:   PhaseLoaded,
	}

	pr := cfg.Profile
	metrics.RecordProfile(pr.BatchSize, pr.ContextLength, pr.HiddenSize, pr.VocabSize, pr.StateLength)
	metrics.RecordSampling(opts.Sampling.Temperature, opts.Sampling.TopK)
	p.log.Info("model loaded",
		"dir", cfg.Dir,
		"mode", cfg.Mode.String(),
		"batch_size", pr.BatchSize,
		"context_length", pr.ContextLength,
		"state_length", pr.StateLength,
		"hidden_size", pr.HiddenSize,
		"vocab_size", pr.VocabSize,
		"ffn_chunks", len(cfg.Components[model.RoleFFNInfer]),
		"head_shards", len(cfg.Components[model.RoleLMHead][0].LogitOutputs(cfg.Names.LogitsPrefix)),
	)
	return p, nil
}
