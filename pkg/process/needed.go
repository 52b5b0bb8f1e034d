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

package process

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLibraryDirs are searched after RUNPATH and RPATH entries.
var DefaultLibraryDirs = []string{
	"/lib64",
	"/usr/lib64",
	"/lib",
	"/usr/lib",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/usr/local/lib",
}

// NeededLibraries resolves the shared objects an executable depends on,
// transitively, the way the dynamic loader would find them on a system
// rooted at sysroot. Libraries that can't be found are skipped.
func NeededLibraries(exe, sysroot string, dirs []string) ([]string, error) {
	if len(dirs) == 0 {
		dirs = DefaultLibraryDirs
	}

	var (
		out   []string
		seen  = map[string]struct{}{}
		queue = []string{exe}
	)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		f, err := elf.Open(cur)
		if err != nil {
			if cur == exe {
				return nil, err
			}
			continue
		}
		needed, _ := f.ImportedLibraries()
		search := searchPath(f, filepath.Dir(cur), sysroot)
		class := f.Class
		f.Close()

		for _, name := range needed {
			if _, ok := seen[name]; ok {
				continue
			}
			p, ok := findLibrary(name, class, search, sysroot, dirs)
			if !ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out, nil
}

func searchPath(f *elf.File, origin, sysroot string) []string {
	var dirs []string
	for _, tag := range []elf.DynTag{elf.DT_RUNPATH, elf.DT_RPATH} {
		vals, err := f.DynString(tag)
		if err != nil {
			continue
		}
		for _, v := range vals {
			for _, d := range strings.Split(v, ":") {
				if d == "" {
					continue
				}
				if strings.Contains(d, "$ORIGIN") || strings.Contains(d, "${ORIGIN}") {
					d = strings.NewReplacer("${ORIGIN}", origin, "$ORIGIN", origin).Replace(d)
				} else {
					d = filepath.Join(sysroot, d)
				}
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

func findLibrary(name string, class elf.Class, search []string, sysroot string, dirs []string) (string, bool) {
	if strings.Contains(name, "/") {
		p := filepath.Join(sysroot, name)
		return p, matchesClass(p, class)
	}
	candidates := append([]string(nil), search...)
	for _, d := range dirs {
		candidates = append(candidates, filepath.Join(sysroot, d))
	}
	for _, d := range candidates {
		p := filepath.Join(d, name)
		if matchesClass(p, class) {
			return p, true
		}
	}
	return "", false
}

func matchesClass(p string, class elf.Class) bool {
	if st, err := os.Stat(p); err != nil || st.IsDir() {
		return false
	}
	f, err := elf.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Class == class
}
