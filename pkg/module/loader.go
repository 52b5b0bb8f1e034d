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
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-probe/pkg/buildid"
	"github.com/parca-dev/parca-probe/pkg/debuginfo"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/ksym"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

var errNoDebugInfo = errors.New("no debug information")

// FileOptions configures how a module file is read.
type FileOptions struct {
	// Root is the file system root the file belongs to, used to look for
	// separate debug files.
	Root string
	// DebugFinder finds separate debug files, nil disables the lookup.
	DebugFinder *debuginfo.Finder
	// UnitCacheSize bounds the number of decoded compilation units kept.
	UnitCacheSize int
	// PurgeSyscallStubs drops the aliases of the unimplemented syscall stub.
	PurgeSyscallStubs bool
}

// fileLoader reads a module from an ELF file, possibly compressed, and its
// DWARF from the file itself or a separate debug file.
type fileLoader struct {
	logger log.Logger
	reg    prometheus.Registerer
	path   string
	opts   FileOptions

	openOnce sync.Once
	file     *elfreader.File
	openErr  error

	mu        sync.Mutex
	debugFile *elfreader.File
	data      *dwarfinfo.Data
}

// NewFileLoader returns a loader of the ELF file at path. reg receives the
// metrics of the module's unit cache.
func NewFileLoader(logger log.Logger, reg prometheus.Registerer, path string, opts FileOptions) Loader {
	return &fileLoader{
		logger: log.With(logger, "component", "module", "path", path),
		reg:    reg,
		path:   path,
		opts:   opts,
	}
}

func (l *fileLoader) open() (*elfreader.File, error) {
	l.openOnce.Do(func() {
		l.file, l.openErr = elfreader.Open(l.path)
	})
	return l.file, l.openErr
}

func (l *fileLoader) Layout() (*elfreader.Layout, error) {
	f, err := l.open()
	if err != nil {
		return nil, err
	}
	return elfreader.NewLayout(f.File), nil
}

func (l *fileLoader) Symtab(layout *elfreader.Layout) (*symtab.Table, error) {
	f, err := l.open()
	if err != nil {
		return nil, err
	}
	var opts []symtab.Option
	if layout.Relocatable() {
		opts = append(opts, symtab.WithSectionBase(func(idx int) (uint64, bool) {
			s, ok := layout.SectionByIndex(idx)
			return s.Addr, ok
		}))
	}
	t, err := symtab.FromELF(l.logger, f.File, f.Reader, opts...)
	if err != nil {
		return nil, err
	}
	if l.opts.PurgeSyscallStubs {
		if n := t.PurgeSyscallStubs(); n > 0 {
			level.Debug(l.logger).Log("msg", "purged syscall stub aliases", "count", n)
		}
	}
	return t, nil
}

func hasDWARF(f *elf.File) bool {
	return f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil
}

func (l *fileLoader) DebugInfo(ctx context.Context) (dwarfinfo.Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.data != nil {
		return l.data, nil
	}

	f, err := l.open()
	if err != nil {
		return nil, err
	}
	src := f
	if !hasDWARF(f.File) {
		if src, err = l.separateDebugFile(ctx, f); err != nil {
			return nil, err
		}
	}

	dw, err := src.DWARF()
	if err != nil {
		return nil, fmt.Errorf("read dwarf of %s: %w", src.Path, err)
	}
	data, err := dwarfinfo.New(l.logger, l.reg, dw, l.opts.UnitCacheSize)
	if err != nil {
		return nil, err
	}
	level.Debug(l.logger).Log("msg", "loaded debug information", "file", src.Path, "units", data.NumUnits())
	l.data = data
	return data, nil
}

func (l *fileLoader) separateDebugFile(ctx context.Context, f *elfreader.File) (*elfreader.File, error) {
	if l.opts.DebugFinder == nil {
		return nil, errNoDebugInfo
	}
	id, err := buildid.FromELF(f.File)
	if err != nil {
		level.Debug(l.logger).Log("msg", "no build id", "err", err)
	}
	p, err := l.opts.DebugFinder.Find(ctx, l.opts.Root, l.path, id)
	if err != nil {
		return nil, errors.Join(errNoDebugInfo, err)
	}
	df, err := elfreader.Open(p)
	if err != nil {
		return nil, err
	}
	if !hasDWARF(df.File) {
		df.Close()
		return nil, fmt.Errorf("%s: %w", p, errNoDebugInfo)
	}
	l.debugFile = df
	return df, nil
}

func (l *fileLoader) Names() ([]string, []string) {
	f, err := l.open()
	if err != nil {
		return nil, nil
	}
	var markers, plt []string
	ms, err := elfreader.Markers(f.File)
	if err != nil {
		level.Debug(l.logger).Log("msg", "failed to read markers", "err", err)
	}
	for _, m := range ms {
		markers = append(markers, m.String())
	}
	imported, _ := f.ImportedSymbols()
	for _, s := range imported {
		plt = append(plt, s.Name)
	}
	sort.Strings(markers)
	sort.Strings(plt)
	return markers, plt
}

func (l *fileLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.data != nil {
		err = errors.Join(err, l.data.Close())
	}
	if l.debugFile != nil {
		err = errors.Join(err, l.debugFile.Close())
	}
	if l.file != nil {
		err = errors.Join(err, l.file.Close())
	}
	return err
}

// kallsymsLoader serves the symbols the running kernel exports, for when no
// image or module file can be found. Such modules have no debug
// information and no sections.
type kallsymsLoader struct {
	k       *ksym.Kallsyms
	module  string
	machine elf.Machine
}

// NewKallsymsLoader reads the symbols of module, or of the kernel image when
// module is empty, from k.
func NewKallsymsLoader(k *ksym.Kallsyms, module string, machine elf.Machine) Loader {
	return &kallsymsLoader{k: k, module: module, machine: machine}
}

func (l *kallsymsLoader) Layout() (*elfreader.Layout, error) {
	return elfreader.BuildLayout(elf.ET_EXEC, l.machine, 0, nil, nil), nil
}

func (l *kallsymsLoader) Symtab(*elfreader.Layout) (*symtab.Table, error) {
	return l.k.Table(l.module)
}

func (l *kallsymsLoader) DebugInfo(context.Context) (dwarfinfo.Source, error) {
	return nil, errNoDebugInfo
}

func (l *kallsymsLoader) Names() ([]string, []string) { return nil, nil }

func (l *kallsymsLoader) Close() error { return nil }

// StaticLoader serves parts that were built in memory.
type StaticLoader struct {
	ModuleLayout *elfreader.Layout
	Table        *symtab.Table
	Debug        dwarfinfo.Source
	MarkerNames  []string
	PLT          []string
}

func (l *StaticLoader) Layout() (*elfreader.Layout, error) {
	if l.ModuleLayout == nil {
		return nil, ErrNotFound
	}
	return l.ModuleLayout, nil
}

func (l *StaticLoader) Symtab(*elfreader.Layout) (*symtab.Table, error) {
	if l.Table == nil {
		return nil, symtab.ErrNoSymbols
	}
	return l.Table, nil
}

func (l *StaticLoader) DebugInfo(ctx context.Context) (dwarfinfo.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Debug == nil {
		return nil, errNoDebugInfo
	}
	return l.Debug, nil
}

func (l *StaticLoader) Names() ([]string, []string) { return l.MarkerNames, l.PLT }

func (l *StaticLoader) Close() error { return nil }
