// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"aced.dev/ace/internal/errors"
)

// LoadFile reads the config at path (HCL or JSON, selected by extension)
// and returns a fully-defaulted, validated Config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "read config file")
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = loadJSON(data)
	default:
		cfg, err = loadHCL(data, path)
	}
	if err != nil {
		return nil, err
	}

	cfg = mergeDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "parse HCL: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, evalContext(), &cfg)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "decode HCL: %s", diags.Error())
	}
	return &cfg, nil
}

func loadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode JSON config")
	}
	return &cfg, nil
}

// evalContext returns the HCL evaluation context configs are decoded
// against. It carries no variables or functions today; it exists so
// future blocks (e.g. env() lookups in secrets) have a single place to
// extend without touching every call site.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{}
}
