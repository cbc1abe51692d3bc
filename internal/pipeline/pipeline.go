// Package pipeline drives generation across the split components of one
// model: embeddings, FFN prefill, FFN infer and the sharded LM head, all
// threading one leased recurrent state.
//
// A Pipeline is a single session. It is not safe for concurrent use; run one
// pipeline per conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/registry"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

type Phase int

const (
	PhaseUnloaded Phase = iota
	PhaseLoaded
	PhaseStateInitialized
	PhasePrefilling
	PhaseInferring
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseLoaded:
		return "loaded"
	case PhaseStateInitialized:
		return "state_initialized"
	case PhasePrefilling:
		return "prefilling"
	case PhaseInferring:
		return "inferring"
	case PhaseFinished:
		return "finished"
	}
	return "unloaded"
}

type Pipeline struct {
	id      string
	cfg     ModelConfig
	opts    Options
	reg     *registry.Registry
	oracle  *oracle.Oracle
	sampler *sampler.Sampler
	tok     tokenizer.Tokenizer
	stops   []int
	log     *logger.Logger

	lease  *registry.Lease
	cursor model.Cursor
	phase  Phase
}

func (p *Pipeline) ID() string          { return p.id }
func (p *Pipeline) Config() ModelConfig { return p.cfg }
func (p *Pipeline) Phase() Phase        { return p.phase }

// Cursor returns a copy of the generation position.
func (p *Pipeline) Cursor() model.Cursor { return p.cursor.Clone() }

// InitializeState leases a fresh recurrent state and rewinds the cursor to
// position 0. Calling it again discards all history.
func (p *Pipeline) InitializeState(ctx context.Context) error {
	if p.reg == nil {
		return ErrClosed
	}
	if p.lease != nil {
		if err := p.lease.Reset(ctx); err != nil {
			p.lease = nil
			p.phase = PhaseLoaded
			return err
		}
		p.log.Debug("state reset", "lease", p.lease.ID(), "discarded_tokens", len(p.cursor.Tokens))
	} else {
		l, err := p.reg.Acquire(ctx)
		if err != nil {
			return err
		}
		p.lease = l
		p.log.Debug("state initialized", "lease", l.ID())
	}
	p.cursor = model.Cursor{}
	p.phase = PhaseStateInitialized
	return nil
}

// encode tokenizes prompt, applying the round-trip guard in strict mode.
func (p *Pipeline) encode(prompt string) ([]int, error) {
	if p.opts.StrictTokenizer && tokenizer.IsPlainASCII(prompt) {
		if err := tokenizer.RoundTrip(p.tok, prompt); err != nil {
			return nil, err
		}
	}
	ids, err := p.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return ids, nil
}

// ForwardText appends prompt to the sequence, brings the state up to date
// and returns the sampled next token. The sampled token is buffered as the
// input of the following step.
func (p *Pipeline) ForwardText(ctx context.Context, prompt string) (int, error) {
	if p.lease == nil {
		return 0, ErrStateNotInitialized
	}
	ids, err := p.encode(prompt)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 && len(p.cursor.Pending()) == 0 {
		return 0, ErrEmptyPrompt
	}
	p.cursor.Tokens = append(p.cursor.Tokens, ids...)
	return p.Step(ctx)
}

// Step processes every pending token and samples the next one.
func (p *Pipeline) Step(ctx context.Context) (int, error) {
	if p.lease == nil {
		return 0, ErrStateNotInitialized
	}
	hidden, err := p.advance(ctx)
	if err != nil {
		return 0, err
	}
	logits, err := p.head(ctx, hidden)
	if err != nil {
		return 0, err
	}
	next, err := p.sampler.Sample(logits, p.cursor.Tokens)
	if err != nil {
		return 0, err
	}
	p.cursor.Tokens = append(p.cursor.Tokens, next)
	metrics.RecordContextLength(p.cursor.Processed)
	return next, nil
}

func (p *Pipeline) isStop(id int) bool {
	return slices.Contains(p.stops, id)
}

// Generate produces up to n tokens after prompt. It stops early on a stop
// token, which is not included. On error the tokens produced so far are
// returned with it.
func (p *Pipeline) Generate(ctx context.Context, prompt string, n int) ([]int, error) {
	return p.GenerateWithCallback(ctx, prompt, n, nil)
}

// GenerateWithCallback is Generate with fn called after every produced
// token. A non-nil error from fn stops generation and is returned.
func (p *Pipeline) GenerateWithCallback(ctx context.Context, prompt string, n int, fn func(id int, piece string) error) ([]int, error) {
	if p.lease == nil {
		return nil, ErrStateNotInitialized
	}
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()
	var out []int
	defer func() {
		metrics.RecordGeneration(len(out), time.Since(start))
	}()

	next, err := p.ForwardText(ctx, prompt)
	for err == nil {
		if p.isStop(next) {
			p.log.Debug("stop token", "token", next, "generated", len(out))
			break
		}
		out = append(out, next)
		if fn != nil {
			piece, derr := p.tok.Decode([]int{next})
			if derr != nil {
				return out, derr
			}
			if cerr := fn(next, piece); cerr != nil {
				return out, cerr
			}
		}
		if len(out) >= n {
			break
		}
		next, err = p.Step(ctx)
	}
	if err != nil {
		p.log.Error("generation stopped", "error", err, "generated", len(out))
		return out, err
	}
	p.phase = PhaseFinished
	return out, nil
}

// Decode detokenizes ids with the pipeline's tokenizer.
func (p *Pipeline) Decode(ids []int) (string, error) {
	return p.tok.Decode(ids)
}

// Close releases the state and the loaded components. The engine is left
// open for its owner.
func (p *Pipeline) Close() error {
	if p.reg == nil {
		return nil
	}
	ctx := context.Background()
	var errs []error
	if p.lease != nil {
		errs = append(errs, p.lease.Release(ctx))
		p.lease = nil
	}
	errs = append(errs, p.reg.Close())
	p.reg = nil
	p.phase = PhaseUnloaded
	return errors.Join(errs...)
}
