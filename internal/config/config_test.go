package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/sampler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quiver.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Engine.Kind != EngineMock {
		t.Errorf("expected engine %q, got %q", EngineMock, cfg.Engine.Kind)
	}
	if cfg.Mask.PadPosition != -1 {
		t.Errorf("expected pad position -1, got %d", cfg.Mask.PadPosition)
	}

	opts, err := cfg.PipelineOptions()
	if err != nil {
		t.Fatal(err)
	}
	want := pipeline.DefaultOptions()
	if opts.Names != want.Names {
		t.Errorf("tensor names: got %+v, want %+v", opts.Names, want.Names)
	}
	if opts.Oracle != want.Oracle {
		t.Errorf("oracle options: got %+v, want %+v", opts.Oracle, want.Oracle)
	}
	if opts.Sampling != want.Sampling {
		t.Errorf("sampling: got %+v, want %+v", opts.Sampling, want.Sampling)
	}
	if len(opts.Naming.Prefixes) != len(naming.DefaultPrefixes) {
		t.Errorf("expected %d prefixes, got %v", len(naming.DefaultPrefixes), opts.Naming.Prefixes)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level, got %q", cfg.Log.Level)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
model: llama-3.2-1b:lut6
naming:
  scheme: custom
  prefixes: ["m_", ""]
  suffixes:
    - {token: emb, roles: [embeddings]}
    - {token: ffn, roles: [ffn_prefill, ffn_infer]}
    - {token: head, roles: [lm_head]}
sampling:
  temperature: 0.7
  top_k: 40
  seed: 7
mask:
  fill: min
  exclude_self: true
stop_tokens: [2]
engine:
  kind: flight
  addr: localhost:3100
  timeout: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "llama-3.2-1b:lut6" {
		t.Errorf("model: got %q", cfg.Model)
	}
	if cfg.Engine.Timeout != 5*time.Second {
		t.Errorf("timeout: got %s", cfg.Engine.Timeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Tensors.InputIDs != "input_ids" || cfg.Mask.PadPosition != -1 || cfg.Sampling.RepPenalty != 1.0 {
		t.Errorf("defaults lost: %+v %+v %+v", cfg.Tensors, cfg.Mask, cfg.Sampling)
	}

	opts, err := cfg.PipelineOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Naming.Scheme != naming.SchemeCustom || len(opts.Naming.Suffixes) != 3 {
		t.Fatalf("naming: %+v", opts.Naming)
	}
	ffn := opts.Naming.Suffixes[1].Roles
	if len(ffn) != 2 || ffn[0] != model.RoleFFNPrefill || ffn[1] != model.RoleFFNInfer {
		t.Errorf("ffn roles: %v", ffn)
	}
	if opts.Oracle.Fill != oracle.FillMin || !opts.Oracle.ExcludeSelf {
		t.Errorf("oracle: %+v", opts.Oracle)
	}
	if opts.Sampling.TopK != 40 || opts.Sampling.Seed != 7 {
		t.Errorf("sampling: %+v", opts.Sampling)
	}
	if len(opts.StopTokens) != 1 || opts.StopTokens[0] != 2 {
		t.Errorf("stop tokens: %v", opts.StopTokens)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "sampling:\n  temprature: 0.5\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Kind != EngineMock {
		t.Errorf("expected defaults, got engine %q", cfg.Engine.Kind)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"negative temperature", func(c *Config) { c.Sampling.Temperature = -1 }, "temperature"},
		{"top_p above one", func(c *Config) { c.Sampling.TopP = 1.5 }, "top_p"},
		{"negative top_k", func(c *Config) { c.Sampling.TopK = -3 }, "top_k"},
		{"unknown fill", func(c *Config) { c.Mask.Fill = "zero" }, "mask fill"},
		{"non-negative pad", func(c *Config) { c.Mask.PadPosition = 0 }, "pad_position"},
		{"negative stop token", func(c *Config) { c.StopTokens = []int{-2} }, "stop token"},
		{"unknown engine", func(c *Config) { c.Engine.Kind = "coreml" }, "engine kind"},
		{"flight without addr", func(c *Config) { c.Engine.Kind = EngineFlight }, "addr"},
		{"negative timeout", func(c *Config) { c.Engine.Timeout = -time.Second }, "timeout"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"no prefixes", func(c *Config) { c.Naming.Prefixes = nil }, "prefix"},
		{"unknown scheme", func(c *Config) { c.Naming.Scheme = "apple" }, "scheme"},
		{"custom without suffixes", func(c *Config) { c.Naming.Scheme = "custom" }, "suffixes"},
		{"unknown role", func(c *Config) {
			c.Naming.Scheme = "custom"
			c.Naming.Suffixes = []SuffixConfig{{Token: "x", Roles: []string{"decoder"}}}
		}, "unknown role"},
		{"bad extension", func(c *Config) { c.Naming.Extensions = []string{"mlmodelc"} }, "extension"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestInvalidSamplingIsTyped(t *testing.T) {
	cfg := Default()
	cfg.Sampling.TopP = 2
	var ipe *sampler.InvalidParamsError
	if err := cfg.Validate(); !errors.As(err, &ipe) {
		t.Fatalf("expected InvalidParamsError, got %v", err)
	}
	if ipe.Param != "top_p" {
		t.Errorf("expected top_p, got %s", ipe.Param)
	}
}
