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

package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/config"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	f, err := Parse([]string{`kernel.function("vfs_read")`})
	require.NoError(t, err)
	require.Equal(t, "warn", f.Log.Level)
	require.Equal(t, "logfmt", f.Log.Format)
	require.Equal(t, OutputText, f.Output)
	require.Equal(t, []string{`kernel.function("vfs_read")`}, f.Points)
	require.NoError(t, f.Validate())

	cfg, err := f.Config()
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "output", args: []string{"--output=xml", "kernel.function(\"*\")"}},
		{name: "log level", args: []string{"--log-level=trace", "kernel.function(\"*\")"}},
		{name: "unknown flag", args: []string{"--no-such-flag"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.args)
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	_, err := Parse(nil)
	require.ErrorIs(t, err, errNoPoints)

	f, err := Parse([]string{"--version"})
	require.NoError(t, err)
	require.NoError(t, f.Validate())
}

func TestConfigOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parca-probe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
prologue: never
arch: arm64
paths:
  sysroot: /srv/root
  debug_dirs: [/usr/lib/debug]
  library_dirs: [/opt/lib]
blocklist:
  functions: ["^do_exit$"]
`), 0o600))

	f, err := Parse([]string{
		"--config-path=" + path,
		"--prologue=always",
		"--debug-dirs=/debug/a,/debug/b",
		"--library-dirs=/usr/local/lib",
		"--kernel-release=6.1.0",
		"process(\"/bin/true\").function(\"main\")",
	})
	require.NoError(t, err)

	cfg, err := f.Config()
	require.NoError(t, err)
	require.Equal(t, config.PrologueAlways, cfg.Prologue)
	require.Equal(t, "arm64", cfg.Arch)
	require.Equal(t, "/srv/root", cfg.Paths.Sysroot)
	require.Equal(t, "6.1.0", cfg.Paths.KernelRelease)
	require.Equal(t, []string{"/debug/a", "/debug/b"}, cfg.Paths.DebugDirs)
	require.Equal(t, []string{"/opt/lib", "/usr/local/lib"}, cfg.Paths.LibraryDirs)
	require.Equal(t, []string{"^do_exit$"}, cfg.Blocklist.Functions)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	f, err := Parse([]string{"--prologue=sometimes", "kernel.function(\"*\")"})
	require.NoError(t, err)
	_, err = f.Config()
	require.Error(t, err)

	f, err = Parse([]string{"--config-path=" + filepath.Join(t.TempDir(), "missing.yaml"), "kernel.function(\"*\")"})
	require.NoError(t, err)
	_, err = f.Config()
	require.ErrorIs(t, err, os.ErrNotExist)
}
