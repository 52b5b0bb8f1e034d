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

// Package flags parses the command line of parca-probe.
package flags

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/alecthomas/kong"

	"github.com/parca-dev/parca-probe/pkg/config"
)

var (
	version = "dev"
	commit  string
	date    string
	goArch  = runtime.GOARCH
)

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2

	// ExitNoMatch is returned when a probe point resolved to nothing.
	ExitNoMatch ExitCode = 3
)

const (
	OutputText = "text"
	OutputJSON = "json"
)

// Parse parses args, the command line without the program name.
func Parse(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags,
		kong.Name("parca-probe"),
		kong.Description("Resolves probe points against kernel and user space binaries."),
		kong.Vars{
			"default_debug_dir": "/usr/lib/debug",
		},
	)
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log        FlagsLogs `embed:""                          prefix:"log-"`
	Version    bool      `help:"Show application version."`
	ConfigPath string    `default:""                        help:"Path to config file."`

	Arch                 string `help:"Architecture to resolve probes for. Defaults to the host's."`
	Prologue             string `help:"When function probes skip the prologue: auto, always or never."`
	ReturnParamsPrologue bool   `help:"Compute the parameter address of return probes after the prologue."`
	DWARFUnitCacheSize   int    `name:"dwarf-unit-cache-size" help:"Number of decoded compilation units kept per module."`

	Paths FlagsPaths `embed:"" prefix:""`

	Output string `default:"text" enum:"text,json" help:"Output format."`

	Points []string `arg:"" name:"probe-point" optional:"" help:"Probe points to resolve, e.g. kernel.function(\"vfs_read\")."`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"warn"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsPaths tells where binaries and debug information live.
type FlagsPaths struct {
	Sysroot       string   `help:"Root directory binaries are looked up in."`
	KernelRelease string   `help:"Kernel release to resolve for. Defaults to the running kernel."`
	KernelImage   string   `help:"Path to the kernel image with debug information."`
	DebugDirs     []string `help:"Ordered list of directories to search for separate debug information. Defaults to ${default_debug_dir}."`
	ModuleDirs    []string `help:"Additional directories to search for kernel modules."`
	LibraryDirs   []string `help:"Directories to search for shared libraries."`
}

var errNoPoints = errors.New("at least one probe point is required")

// Validate is called by kong once the command line is parsed.
func (f Flags) Validate() error {
	if !f.Version && len(f.Points) == 0 {
		return errNoPoints
	}
	return nil
}

// Config loads the configuration file, if any, and applies the flags on
// top of it.
func (f Flags) Config() (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFile(f.ConfigPath); err != nil {
			return nil, err
		}
	}

	if f.Arch != "" {
		cfg.Arch = f.Arch
	}
	if f.Prologue != "" {
		cfg.Prologue = f.Prologue
	}
	if f.ReturnParamsPrologue {
		cfg.ReturnParamsPrologue = true
	}
	if f.DWARFUnitCacheSize != 0 {
		cfg.DWARFUnitCacheSize = f.DWARFUnitCacheSize
	}

	p := &cfg.Paths
	if f.Paths.Sysroot != "" {
		p.Sysroot = f.Paths.Sysroot
	}
	if f.Paths.KernelRelease != "" {
		p.KernelRelease = f.Paths.KernelRelease
	}
	if f.Paths.KernelImage != "" {
		p.KernelImage = f.Paths.KernelImage
	}
	if len(f.Paths.DebugDirs) > 0 {
		p.DebugDirs = f.Paths.DebugDirs
	}
	p.ModuleDirs = append(p.ModuleDirs, f.Paths.ModuleDirs...)
	p.LibraryDirs = append(p.LibraryDirs, f.Paths.LibraryDirs...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// VersionString describes the build.
func VersionString() string {
	s := fmt.Sprintf("parca-probe, version %s (%s)", version, goArch)
	if commit != "" {
		s += fmt.Sprintf(", commit %s", commit)
	}
	if date != "" {
		s += fmt.Sprintf(", built %s", date)
	}
	return s
}
