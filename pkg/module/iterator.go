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

package module

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-probe/pkg/buildid"
	"github.com/parca-dev/parca-probe/pkg/debuginfo"
	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/kernel"
	"github.com/parca-dev/parca-probe/pkg/ksym"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/process"
)

const kernelName = "kernel"

// Options tells the iterator where binaries live.
type Options struct {
	// Sysroot prefixes every path binaries and debug files are looked up
	// under. Kallsyms and /proc are only consulted for the root "/".
	Sysroot       string
	KernelRelease string
	// KernelImage overrides the kernel image search.
	KernelImage string
	// ModuleDirs are searched for kernel modules after the release's
	// module directory.
	ModuleDirs  []string
	LibraryDirs []string
	// Machine is the architecture probes are resolved for; EM_NONE accepts
	// any binary.
	Machine       elf.Machine
	UnitCacheSize int

	// HostFS is the root of the running system, used to read /proc/modules.
	HostFS      fs.FS
	Kallsyms    *ksym.Kallsyms
	Processes   *process.Finder
	DebugFinder *debuginfo.Finder
}

func (o Options) live() bool {
	return o.Sysroot == "" || o.Sysroot == "/"
}

// Iterator enumerates the modules a target selects.
type Iterator struct {
	logger log.Logger
	reg    prometheus.Registerer
	cache  *Cache
	opts   Options
}

// NewIterator returns an iterator that stores the modules it opens in
// cache.
func NewIterator(logger log.Logger, reg prometheus.Registerer, cache *Cache, opts Options) *Iterator {
	if opts.Sysroot == "" {
		opts.Sysroot = "/"
	}
	return &Iterator{
		logger: log.With(logger, "component", "module_iterator"),
		reg:    reg,
		cache:  cache,
		opts:   opts,
	}
}

// candidate is a module to visit that may not be opened yet.
type candidate struct {
	key string
	// path is the host path of user space binaries.
	path   string
	create func() *Info
}

// Each calls visit with every module target selects whose architecture
// matches, until visit returns false. Modules that can't be read or have
// the wrong architecture are reported to diag and skipped. Iteration stops
// after the first module when the target names exactly one. A cancelled ctx
// ends the iteration with ctx.Err().
func (it *Iterator) Each(ctx context.Context, target probespec.Target, diag *diagnostics.Collector, token string, visit func(*Info) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch target.Kind {
	case probespec.TargetKernel:
		c, err := it.kernelCandidate()
		if err != nil {
			return err
		}
		return it.visit(ctx, []candidate{c}, false, diag, token, visit)

	case probespec.TargetKernelModule:
		cands, err := it.moduleCandidates(target.Module)
		if err != nil {
			return err
		}
		return it.visit(ctx, cands, !target.Wildcard(), diag, token, visit)

	case probespec.TargetProcess:
		cands, err := it.processCandidates(ctx, target)
		if err != nil {
			return err
		}
		return it.visit(ctx, cands, !hasWildcard(target.Path), diag, token, visit)

	case probespec.TargetLibrary:
		procs, err := it.processCandidates(ctx, target)
		if err != nil {
			return err
		}
		stopped := false
		for _, p := range procs {
			if err := ctx.Err(); err != nil {
				return err
			}
			cands, err := it.libraryCandidates(p, target)
			if err != nil {
				level.Debug(it.logger).Log("msg", "failed to list libraries", "process", p.key, "err", err)
				continue
			}
			err = it.visit(ctx, cands, !target.Wildcard(), diag, token, func(m *Info) bool {
				if !visit(m) {
					stopped = true
					return false
				}
				return true
			})
			if err != nil || stopped {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown target kind %v", target.Kind)
}

func (it *Iterator) visit(ctx context.Context, cands []candidate, single bool, diag *diagnostics.Collector, token string, visit func(*Info) bool) error {
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := it.cache.Get(c.key, c.create)
		if !it.compatible(m, diag, token) {
			continue
		}
		if !visit(m) || single {
			return nil
		}
	}
	return nil
}

func (it *Iterator) compatible(m *Info, diag *diagnostics.Collector, token string) bool {
	machine, err := m.Machine()
	if err != nil {
		diag.Warnf(diagnostics.CategoryModuleUnreadable, m.String(), token, "%v", err)
		return false
	}
	if it.opts.Machine == elf.EM_NONE || elfreader.Compatible(it.opts.Machine, machine) {
		return true
	}
	diag.Warnf(diagnostics.CategoryArchMismatch, m.String(), token, "%s binary, resolving for %s", machine, it.opts.Machine)
	return false
}

func (it *Iterator) release() (string, error) {
	if it.opts.KernelRelease != "" {
		return it.opts.KernelRelease, nil
	}
	return kernel.Release()
}

func (it *Iterator) fileInfo(key, name, path string, kind probespec.TargetKind) func() *Info {
	return func() *Info {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"module": key}, it.reg)
		loader := NewFileLoader(it.logger, reg, path, FileOptions{
			Root:              it.opts.Sysroot,
			DebugFinder:       it.opts.DebugFinder,
			UnitCacheSize:     it.opts.UnitCacheSize,
			PurgeSyscallStubs: kind == probespec.TargetKernel,
		})
		return NewInfo(it.logger, name, path, kind, loader)
	}
}

func (it *Iterator) kallsymsInfo(name, module string, kind probespec.TargetKind) func() *Info {
	return func() *Info {
		return NewInfo(it.logger, name, "", kind, NewKallsymsLoader(it.opts.Kallsyms, module, it.opts.Machine))
	}
}

func (it *Iterator) kernelCandidate() (candidate, error) {
	image := it.opts.KernelImage
	if image == "" {
		release, err := it.release()
		if err != nil {
			return candidate{}, fmt.Errorf("kernel release: %w", err)
		}
		image, err = kernel.FindImage(it.opts.Sysroot, release)
		if err != nil {
			if it.opts.Kallsyms == nil || !it.opts.live() {
				return candidate{}, err
			}
			level.Debug(it.logger).Log("msg", "no kernel image, using kallsyms", "err", err)
			return candidate{key: kernelName, create: it.kallsymsInfo(kernelName, "", probespec.TargetKernel)}, nil
		}
	}
	return candidate{key: kernelName, create: it.fileInfo(kernelName, kernelName, image, probespec.TargetKernel)}, nil
}

func (it *Iterator) moduleCandidates(pattern string) ([]candidate, error) {
	match, err := probespec.NewMatcher(kernel.ModuleName(pattern))
	if err != nil {
		return nil, err
	}
	release, err := it.release()
	if err != nil {
		return nil, fmt.Errorf("kernel release: %w", err)
	}

	dirs := []string{kernel.ModuleDir(it.opts.Sysroot, release)}
	for _, d := range it.opts.ModuleDirs {
		dirs = append(dirs, filepath.Join(it.opts.Sysroot, d))
	}
	dirs = append(dirs, filepath.Join(it.opts.Sysroot, "/usr/lib/debug/lib/modules", release))
	files, err := kernel.ModuleFiles(dirs...)
	if err != nil {
		return nil, err
	}

	var names []string
	if it.opts.live() && it.opts.HostFS != nil {
		names, err = kernel.LoadedModules(it.opts.HostFS)
		if err != nil {
			level.Debug(it.logger).Log("msg", "failed to list loaded modules", "err", err)
		}
	}
	if len(names) == 0 {
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var cands []candidate
	for _, name := range names {
		if !match.Match(name) {
			continue
		}
		if file, ok := files[name]; ok {
			cands = append(cands, candidate{key: "module:" + name, create: it.fileInfo("module:"+name, name, file, probespec.TargetKernelModule)})
			continue
		}
		if it.opts.Kallsyms != nil && it.opts.live() {
			cands = append(cands, candidate{key: "module:" + name, create: it.kallsymsInfo(name, name, probespec.TargetKernelModule)})
			continue
		}
		level.Debug(it.logger).Log("msg", "no file for module", "module", name)
	}
	return cands, nil
}

func (it *Iterator) processCandidates(ctx context.Context, target probespec.Target) ([]candidate, error) {
	switch {
	case target.PID != 0:
		if it.opts.Processes == nil {
			return nil, fmt.Errorf("process %d: %w", target.PID, ErrNotFound)
		}
		exe, err := it.opts.Processes.Executable(target.PID)
		if err != nil {
			return nil, err
		}
		return []candidate{it.processCandidate(exe.Path, exe.HostPath)}, nil

	case target.BuildID != "":
		p, err := it.findBuildID(ctx, target.BuildID)
		if err != nil {
			return nil, err
		}
		return []candidate{it.processCandidate(it.targetPath(p), p)}, nil
	}

	paths, err := it.resolvePath(target.Path)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(paths))
	for _, p := range paths {
		cands = append(cands, it.processCandidate(it.targetPath(p), p))
	}
	return cands, nil
}

func (it *Iterator) processCandidate(name, path string) candidate {
	key := "process:" + path
	return candidate{key: key, path: path, create: it.fileInfo(key, name, path, probespec.TargetProcess)}
}

// targetPath strips the sysroot from a host path.
func (it *Iterator) targetPath(p string) string {
	if it.opts.live() {
		return p
	}
	rel, err := filepath.Rel(it.opts.Sysroot, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return "/" + rel
}

func (it *Iterator) findBuildID(ctx context.Context, id string) (string, error) {
	if it.opts.DebugFinder != nil {
		if p, err := it.opts.DebugFinder.FindByBuildID(ctx, it.opts.Sysroot, id, false); err == nil {
			return p, nil
		}
	}
	if it.opts.Processes != nil && it.opts.live() {
		exes, err := it.opts.Processes.Executables()
		if err != nil {
			return "", err
		}
		for _, exe := range exes {
			got, err := buildid.FromPath(exe.HostPath)
			if err == nil && buildid.Equal(got, id) {
				return exe.HostPath, nil
			}
		}
	}
	return "", fmt.Errorf("build id %s: %w", id, ErrNotFound)
}

// resolvePath turns a process path or path glob into host paths of ELF
// files. Plain names without a directory are looked up in $PATH.
func (it *Iterator) resolvePath(pattern string) ([]string, error) {
	if !hasWildcard(pattern) {
		p, err := it.lookPath(pattern)
		if err != nil {
			return nil, err
		}
		return []string{p}, nil
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("process pattern %q must be absolute", pattern)
	}
	return globFiles(it.opts.Sysroot, pattern)
}

func (it *Iterator) lookPath(name string) (string, error) {
	var candidates []string
	switch {
	case strings.HasPrefix(name, "/"):
		candidates = []string{filepath.Join(it.opts.Sysroot, name)}
	case strings.Contains(name, "/"):
		p, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		candidates = []string{p}
	default:
		for _, d := range filepath.SplitList(os.Getenv("PATH")) {
			if filepath.IsAbs(d) {
				candidates = append(candidates, filepath.Join(it.opts.Sysroot, d, name))
			}
		}
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// globFiles walks the directories below the static prefix of pattern and
// returns the ELF files matching it. Without "**" the walk stops at the
// depth of the pattern.
func globFiles(root, pattern string) ([]string, error) {
	m, err := probespec.NewFileMatcher(pattern)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var prefix []string
	for _, p := range parts {
		if hasWildcard(p) {
			break
		}
		prefix = append(prefix, p)
	}
	unbounded := strings.Contains(pattern, "**")
	base := filepath.Join(root, "/"+strings.Join(prefix, "/"))

	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		target := "/" + filepath.ToSlash(rel)
		depth := strings.Count(strings.Trim(target, "/"), "/") + 1
		if d.IsDir() {
			if !unbounded && depth >= len(parts) && p != base {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !m.Match(target) {
			return nil
		}
		if ok, _ := elfreader.IsELF(p); ok {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (it *Iterator) libraryCandidates(proc candidate, target probespec.Target) ([]candidate, error) {
	m, err := probespec.NewFileMatcher(target.Library)
	if err != nil {
		return nil, err
	}

	type lib struct{ name, path string }
	var libs []lib
	if target.PID != 0 && it.opts.Processes != nil {
		objs, err := it.opts.Processes.Libraries(target.PID)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			libs = append(libs, lib{o.Path, o.HostPath})
		}
	} else {
		paths, err := process.NeededLibraries(proc.path, it.opts.Sysroot, it.opts.LibraryDirs)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			libs = append(libs, lib{it.targetPath(p), p})
		}
	}

	var cands []candidate
	for _, l := range libs {
		if !m.Match(l.name) {
			continue
		}
		key := "library:" + l.path
		cands = append(cands, candidate{key: key, path: l.path, create: it.fileInfo(key, l.name, l.path, probespec.TargetLibrary)})
	}
	return cands, nil
}
