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

package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafana/regexp"
	"github.com/klauspost/compress/gzip"
)

var configLine = regexp.MustCompile(`^(?:# *)?(CONFIG_\w*)(?:=| )(y|n|m|is not set|\d+|0x.+|".*")$`)

// Config holds the options the kernel was built with.
type Config map[string]string

// Enabled reports whether opt is built in or modular.
func (c Config) Enabled(opt string) bool {
	v := c[opt]
	return v == "y" || v == "m"
}

// Mechanisms tells which probing mechanisms the kernel provides.
type Mechanisms struct {
	KProbes    bool
	KRetProbes bool
	UProbes    bool
}

// Mechanisms derives the available probe mechanisms. A nil config assumes
// all of them.
func (c Config) Mechanisms() Mechanisms {
	if c == nil {
		return Mechanisms{KProbes: true, KRetProbes: true, UProbes: true}
	}
	return Mechanisms{
		KProbes:    c.Enabled("CONFIG_KPROBES"),
		KRetProbes: c.Enabled("CONFIG_KPROBES") && c.Enabled("CONFIG_KRETPROBES"),
		UProbes:    c.Enabled("CONFIG_UPROBES"),
	}
}

// ConfigPaths lists where the configuration of release may be found.
func ConfigPaths(sysroot, release string) []string {
	return []string{
		filepath.Join(sysroot, "/proc/config.gz"),
		filepath.Join(sysroot, "/boot/config-"+release),
		filepath.Join(sysroot, "/lib/modules", release, "build/.config"),
	}
}

// LoadConfig reads the first configuration found for release.
func LoadConfig(sysroot, release string) (Config, error) {
	var result error
	for _, p := range ConfigPaths(sysroot, release) {
		c, err := readConfig(p)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			result = errors.Join(result, err)
		}
	}
	if result != nil {
		return nil, result
	}
	return nil, fmt.Errorf("kernel config for %s: %w", release, ErrNotFound)
}

func readConfig(p string) (Config, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(p, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		defer zr.Close()
		r = zr
	}
	return ParseConfig(r)
}

// ParseConfig parses a .config file.
func ParseConfig(r io.Reader) (Config, error) {
	c := Config{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		t := s.Text()
		if t == "" {
			continue
		}
		// 0 is the match of the entire expression,
		// 1 is the key, 2 is the value.
		m := configLine.FindStringSubmatch(t)
		if m == nil {
			continue
		}
		if len(m[2]) > 1 {
			m[2] = strings.Trim(m[2], "\"")
		}
		c[m[1]] = m[2]
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return c, nil
}
