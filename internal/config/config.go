// Package config is the runtime configuration of quiver: defaults, an
// optional YAML file overlaid on them, and the conversion to pipeline
// options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/oracle"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/sampler"
)

// Engine kinds.
const (
	EngineMock   = "mock"
	EngineFlight = "flight"
)

type Config struct {
	// Model is a directory or a name under the models root.
	Model           string         `yaml:"model"`
	Naming          NamingConfig   `yaml:"naming"`
	Tensors         TensorConfig   `yaml:"tensors"`
	Sampling        SamplingConfig `yaml:"sampling"`
	Mask            MaskConfig     `yaml:"mask"`
	StopTokens      []int          `yaml:"stop_tokens"`
	StrictTokenizer bool           `yaml:"strict_tokenizer"`
	Engine          EngineConfig   `yaml:"engine"`
	Log             LogConfig      `yaml:"log"`
	MetricsAddr     string         `yaml:"metrics_addr"`
}

type NamingConfig struct {
	Scheme     string         `yaml:"scheme"`
	Prefixes   []string       `yaml:"prefixes"`
	Suffixes   []SuffixConfig `yaml:"suffixes"`
	Extensions []string       `yaml:"extensions"`
}

type SuffixConfig struct {
	Token string   `yaml:"token"`
	Roles []string `yaml:"roles"`
}

type TensorConfig struct {
	InputIDs     string `yaml:"input_ids"`
	HiddenStates string `yaml:"hidden_states"`
	OutputHidden string `yaml:"output_hidden_states"`
	PositionIDs  string `yaml:"position_ids"`
	CausalMask   string `yaml:"causal_mask"`
	CurrentPos   string `yaml:"current_pos"`
	LogitsPrefix string `yaml:"logits_prefix"`
}

type SamplingConfig struct {
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
	RepPenalty  float64 `yaml:"repetition_penalty"`
	Seed        int64   `yaml:"seed"`
}

type MaskConfig struct {
	Fill        string `yaml:"fill"`
	PadPosition int32  `yaml:"pad_position"`
	ExcludeSelf bool   `yaml:"exclude_self"`
}

type EngineConfig struct {
	Kind    string        `yaml:"kind"`
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	names := model.DefaultTensorNames()
	return Config{
		Naming: NamingConfig{
			Scheme:     naming.SchemeVendor.String(),
			Prefixes:   slices.Clone(naming.DefaultPrefixes),
			Extensions: slices.Clone(naming.DefaultExtensions),
		},
		Tensors: TensorConfig{
			InputIDs:     names.InputIDs,
			HiddenStates: names.HiddenStates,
			OutputHidden: names.OutputHidden,
			PositionIDs:  names.PositionIDs,
			CausalMask:   names.CausalMask,
			CurrentPos:   names.CurrentPos,
			LogitsPrefix: names.LogitsPrefix,
		},
		Sampling: SamplingConfig{RepPenalty: 1.0},
		Mask:     MaskConfig{Fill: "-inf", PadPosition: oracle.DefaultPadPosition},
		Engine:   EngineConfig{Kind: EngineMock, Timeout: 30 * time.Second},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// Load overlays the YAML file at path on Default. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.namingConfig(); err != nil {
		return err
	}
	if err := c.samplingConfig().Validate(); err != nil {
		return err
	}
	if _, err := oracle.ParseFillPolicy(c.Mask.Fill); err != nil {
		return err
	}
	if c.Mask.PadPosition >= 0 {
		return fmt.Errorf("invalid pad_position: %d (must be negative)", c.Mask.PadPosition)
	}
	for _, id := range c.StopTokens {
		if id < 0 {
			return fmt.Errorf("invalid stop token: %d (must be non-negative)", id)
		}
	}
	switch c.Engine.Kind {
	case EngineMock:
	case EngineFlight:
		if c.Engine.Addr == "" {
			return fmt.Errorf("engine %q requires an addr", c.Engine.Kind)
		}
	default:
		return fmt.Errorf("invalid engine kind: %q (want %s or %s)", c.Engine.Kind, EngineMock, EngineFlight)
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("invalid engine timeout: %s (must be non-negative)", c.Engine.Timeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q (want console or json)", c.Log.Format)
	}
	return nil
}

func (c *Config) namingConfig() (naming.Config, error) {
	scheme, err := naming.ParseScheme(c.Naming.Scheme)
	if err != nil {
		return naming.Config{}, err
	}
	nc := naming.Config{
		Scheme:     scheme,
		Prefixes:   slices.Clone(c.Naming.Prefixes),
		Extensions: slices.Clone(c.Naming.Extensions),
	}
	for _, s := range c.Naming.Suffixes {
		suffix := naming.Suffix{Token: s.Token}
		for _, name := range s.Roles {
			r, err := model.ParseRole(name)
			if err != nil {
				return naming.Config{}, fmt.Errorf("naming suffix %q: %w", s.Token, err)
			}
			suffix.Roles = append(suffix.Roles, r)
		}
		nc.Suffixes = append(nc.Suffixes, suffix)
	}
	return nc, nc.Validate()
}

func (c *Config) samplingConfig() sampler.Config {
	return sampler.Config{
		Temperature: c.Sampling.Temperature,
		TopK:        c.Sampling.TopK,
		TopP:        c.Sampling.TopP,
		RepPenalty:  c.Sampling.RepPenalty,
		Seed:        c.Sampling.Seed,
	}
}

func (c *Config) TensorNames() model.TensorNames {
	return model.TensorNames{
		InputIDs:     c.Tensors.InputIDs,
		HiddenStates: c.Tensors.HiddenStates,
		OutputHidden: c.Tensors.OutputHidden,
		PositionIDs:  c.Tensors.PositionIDs,
		CausalMask:   c.Tensors.CausalMask,
		CurrentPos:   c.Tensors.CurrentPos,
		LogitsPrefix: c.Tensors.LogitsPrefix,
	}
}

// PipelineOptions converts the configuration for pipeline.Load.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	nc, err := c.namingConfig()
	if err != nil {
		return pipeline.Options{}, err
	}
	fill, err := oracle.ParseFillPolicy(c.Mask.Fill)
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.Options{
		Naming:          nc,
		Names:           c.TensorNames(),
		Oracle:          oracle.Options{PadPosition: c.Mask.PadPosition, Fill: fill, ExcludeSelf: c.Mask.ExcludeSelf},
		Sampling:        c.samplingConfig(),
		StopTokens:      slices.Clone(c.StopTokens),
		StrictTokenizer: c.StrictTokenizer,
	}
	return opts, opts.Validate()
}
