// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the resolver configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/grafana/regexp"
	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-probe/pkg/elfreader"
)

var ErrEmptyConfig = errors.New("empty config")

const (
	PrologueAuto   = "auto"
	PrologueAlways = "always"
	PrologueNever  = "never"
)

// Config holds all the configuration of the resolver.
type Config struct {
	// Arch is the architecture probes are resolved for, the host's if empty.
	Arch string `yaml:"arch,omitempty"`
	// Prologue selects when function probes skip the prologue.
	Prologue string `yaml:"prologue,omitempty"`
	// ReturnParamsPrologue computes the prologue end of return probes, where
	// their entry parameters are read.
	ReturnParamsPrologue bool `yaml:"return_params_prologue,omitempty"`
	// DWARFUnitCacheSize bounds the decoded compilation units kept per module.
	DWARFUnitCacheSize int `yaml:"dwarf_unit_cache_size,omitempty"`

	Paths     Paths     `yaml:"paths,omitempty"`
	Blocklist Blocklist `yaml:"blocklist,omitempty"`
}

// Paths tells where binaries and their debug information are found.
type Paths struct {
	Sysroot          string   `yaml:"sysroot,omitempty"`
	KernelRelease    string   `yaml:"kernel_release,omitempty"`
	KernelImage      string   `yaml:"kernel_image,omitempty"`
	ModuleDirs       []string `yaml:"module_dirs,omitempty"`
	DebugDirs        []string `yaml:"debug_dirs,omitempty"`
	LibraryDirs      []string `yaml:"library_dirs,omitempty"`
	Proc             string   `yaml:"proc,omitempty"`
	KprobesBlacklist string   `yaml:"kprobes_blacklist,omitempty"`
}

// Blocklist extends the built in blocklist. Entries are regular
// expressions matched against the whole name.
type Blocklist struct {
	Functions       []string `yaml:"functions,omitempty"`
	ReturnFunctions []string `yaml:"return_functions,omitempty"`
	Files           []string `yaml:"files,omitempty"`
	Sections        []string `yaml:"sections,omitempty"`
	// DisableBuiltin drops the built in kernel entries.
	DisableBuiltin bool `yaml:"disable_builtin,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Prologue: PrologueAuto,
		Paths: Paths{
			Sysroot: "/",
			Proc:    "/proc",
		},
	}
}

// Validate checks values the YAML decoder can't.
func (c *Config) Validate() error {
	var err error
	switch c.Prologue {
	case "", PrologueAuto, PrologueAlways, PrologueNever:
	default:
		err = errors.Join(err, fmt.Errorf("prologue: unknown policy %q", c.Prologue))
	}
	if c.Arch != "" {
		if _, archErr := elfreader.MachineForArch(c.Arch); archErr != nil {
			err = errors.Join(err, fmt.Errorf("arch: %w", archErr))
		}
	}
	if c.DWARFUnitCacheSize < 0 {
		err = errors.Join(err, fmt.Errorf("dwarf_unit_cache_size: must not be negative"))
	}
	for _, list := range []struct {
		name     string
		patterns []string
	}{
		{"functions", c.Blocklist.Functions},
		{"return_functions", c.Blocklist.ReturnFunctions},
		{"files", c.Blocklist.Files},
		{"sections", c.Blocklist.Sections},
	} {
		for _, p := range list.patterns {
			if _, reErr := regexp.Compile(p); reErr != nil {
				err = errors.Join(err, fmt.Errorf("blocklist.%s: %w", list.name, reErr))
			}
		}
	}
	return err
}

// Load parses the YAML input b into a Config, on top of the defaults.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
