package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-quiver/internal/model"
)

// MetaFile carries model identity written by the converter.
const MetaFile = "meta.yaml"

type metaFile struct {
	ModelInfo struct {
		Name         string `yaml:"name"`
		Version      string `yaml:"version"`
		Architecture string `yaml:"architecture"`
		Source       string `yaml:"source"`
		Parameters   struct {
			ContextLength int    `yaml:"context_length"`
			BatchSize     int    `yaml:"batch_size"`
			ModelPrefix   string `yaml:"model_prefix"`
			NumChunks     int    `yaml:"num_chunks"`
			SplitLMHead   int    `yaml:"split_lm_head"`
		} `yaml:"parameters"`
	} `yaml:"model_info"`
}

// LoadInfo reads dir/meta.yaml. A missing file yields a zero ModelInfo.
func LoadInfo(dir string) (model.ModelInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return model.ModelInfo{Name: filepath.Base(dir)}, nil
	}
	if err != nil {
		return model.ModelInfo{}, fmt.Errorf("read %s: %w", MetaFile, err)
	}
	return ParseInfo(data)
}

func ParseInfo(data []byte) (model.ModelInfo, error) {
	var m metaFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return model.ModelInfo{}, fmt.Errorf("parse %s: %w", MetaFile, err)
	}
	mi := m.ModelInfo
	return model.ModelInfo{
		Name:          mi.Name,
		Version:       mi.Version,
		Architecture:  mi.Architecture,
		Prefix:        mi.Parameters.ModelPrefix,
		ContextLength: mi.Parameters.ContextLength,
		BatchSize:     mi.Parameters.BatchSize,
		NumChunks:     mi.Parameters.NumChunks,
		SplitLMHead:   mi.Parameters.SplitLMHead,
		Source:        mi.Source,
	}, nil
}
