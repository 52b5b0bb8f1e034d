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

// Package kernel finds the running kernel's image, modules and configuration.
package kernel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrNotFound = errors.New("not found")

// Release fetches the version string of the current running kernel.
func Release() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// Machine fetches the machine string of the current running kernel.
func Machine() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uname.Machine[:]), nil
}

// ImageCandidates lists where an uncompressed kernel image with symbols may
// be found, most specific first.
func ImageCandidates(sysroot, release string) []string {
	paths := []string{
		"/usr/lib/debug/boot/vmlinux-" + release,
		"/usr/lib/debug/lib/modules/" + release + "/vmlinux",
		"/lib/modules/" + release + "/build/vmlinux",
		"/lib/modules/" + release + "/vmlinux",
		"/boot/vmlinux-" + release,
		"/usr/lib/debug/boot/vmlinux-" + release + ".debug",
	}
	for i, p := range paths {
		paths[i] = filepath.Join(sysroot, p)
	}
	return paths
}

// FindImage returns the first image candidate that exists.
func FindImage(sysroot, release string) (string, error) {
	for _, p := range ImageCandidates(sysroot, release) {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("kernel image for %s: %w", release, ErrNotFound)
}

// ModuleDir is the directory holding the modules of release.
func ModuleDir(sysroot, release string) string {
	return filepath.Join(sysroot, "/lib/modules", release)
}

// ModuleName normalizes a module file or kernel name: dashes become
// underscores and extensions are dropped, as the kernel does.
func ModuleName(file string) string {
	name := path.Base(file)
	if i := strings.Index(name, ".ko"); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "-", "_")
}

var moduleSuffixes = []string{".ko", ".ko.xz", ".ko.zst", ".ko.gz"}

func isModuleFile(name string) bool {
	for _, s := range moduleSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// ModuleFiles maps the normalized module names found below dir to their
// files. Debug copies under /usr/lib/debug take precedence when given as
// later dirs.
func ModuleFiles(dirs ...string) (map[string]string, error) {
	files := map[string]string{}
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			if d.IsDir() || !isModuleFile(d.Name()) {
				return nil
			}
			files[ModuleName(d.Name())] = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	return files, nil
}

// LoadedModules returns the names of the modules listed in /proc/modules,
// sorted.
func LoadedModules(fsys fs.FS) ([]string, error) {
	f, err := fsys.Open("proc/modules")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		name, _, _ := strings.Cut(s.Text(), " ")
		if name != "" {
			names = append(names, name)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

const probeBlacklistPath = "sys/kernel/debug/kprobes/blacklist"

// ProbeBlacklist returns the functions the kernel refuses to place kprobes
// on. Each line of the debugfs file reads "0xstart-0xend\tname [module]".
func ProbeBlacklist(fsys fs.FS) ([]string, error) {
	f, err := fsys.Open(probeBlacklistPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseProbeBlacklist(f)
}

// ParseProbeBlacklist reads the kprobes blacklist format from r.
func ParseProbeBlacklist(r io.Reader) ([]string, error) {
	var names []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		if strings.HasPrefix(name, "[") {
			continue
		}
		names = append(names, name)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
