package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// stageOptionsFile is the YAML layout of STAGE_OPTIONS_FILE:
//
//	stages:
//	  transform:
//	    model: llama3.1:8b
//	  synthesize:
//	    voice: narrator
type stageOptionsFile struct {
	Stages map[string]map[string]any `yaml:"stages"`
}

// LoadStageOptions reads default per-stage option blobs. An empty path
// yields no defaults.
func LoadStageOptions(path string) (domain.StageOptions, error) {
	if strings.TrimSpace(path) == "" {
		return domain.StageOptions{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage options file: %w", err)
	}
	return ParseStageOptions(raw)
}

func ParseStageOptions(raw []byte) (domain.StageOptions, error) {
	var file stageOptionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse stage options: %w", err)
	}

	out := make(domain.StageOptions, len(file.Stages))
	for name, opts := range file.Stages {
		stage := domain.Stage(strings.TrimSpace(name))
		if !stage.TracksDocument() {
			return nil, fmt.Errorf("parse stage options: unknown stage %q", name)
		}
		blob, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("encode %s options: %w", stage, err)
		}
		out[stage] = blob
	}
	return out, nil
}
