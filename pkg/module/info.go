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

// Package module finds the binaries a probe point targets and keeps what
// was learned about each of them for the rest of the session.
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
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

var (
	ErrNotFound = errors.New("module not found")
	ErrClosed   = errors.New("module closed")
)

// Status tells whether a kind of information is available for a module.
type Status int

const (
	StatusUnknown Status = iota
	StatusPresent
	StatusAbsent
)

func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "present"
	case StatusAbsent:
		return "absent"
	}
	return "unknown"
}

// Loader reads the parts of a module on demand. Each method is called at
// most once per Info, except DebugInfo which is retried after a
// cancellation.
type Loader interface {
	Layout() (*elfreader.Layout, error)
	Symtab(layout *elfreader.Layout) (*symtab.Table, error)
	DebugInfo(ctx context.Context) (dwarfinfo.Source, error)
	// Names returns the SDT marker and PLT function names.
	Names() (markers, plt []string)
	Close() error
}

// Info is everything known about one module. The lazily loaded parts are
// filled once and never change afterwards, so an Info can be shared by
// queries.
type Info struct {
	// Name is the kernel module name, "kernel" or the path of the binary as
	// the target sees it.
	Name string
	// Path is the file the module was read from, empty when it only exists
	// in kallsyms.
	Path string
	Kind probespec.TargetKind

	logger log.Logger
	loader Loader

	layoutOnce sync.Once
	layout     *elfreader.Layout
	layoutErr  error

	symtabOnce   sync.Once
	symtab       *symtab.Table
	symtabStatus Status
	symtabErr    error

	debugMu     sync.Mutex
	debug       dwarfinfo.Source
	debugStatus Status
	debugErr    error

	indexMu sync.Mutex
	index   map[string][]int

	namesOnce sync.Once
	markers   []string
	plt       []string

	inlinedMu sync.Mutex
	inlined   []string

	closed atomic.Bool
}

// NewInfo returns a module read through loader.
func NewInfo(logger log.Logger, name, path string, kind probespec.TargetKind, loader Loader) *Info {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Info{
		Name:   name,
		Path:   path,
		Kind:   kind,
		logger: log.With(logger, "module", name),
		loader: loader,
	}
}

func (m *Info) String() string {
	if m.Path != "" && m.Path != m.Name {
		return fmt.Sprintf("%s (%s)", m.Name, m.Path)
	}
	return m.Name
}

// Layout returns the section and segment layout of the module.
func (m *Info) Layout() (*elfreader.Layout, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.layoutOnce.Do(func() {
		m.layout, m.layoutErr = m.loader.Layout()
	})
	return m.layout, m.layoutErr
}

// Machine returns the ELF machine of the module.
func (m *Info) Machine() (elf.Machine, error) {
	l, err := m.Layout()
	if err != nil {
		return elf.EM_NONE, err
	}
	return l.Machine, nil
}

// Symtab returns the symbol table. An unreadable table makes the status
// absent; the error tells why.
func (m *Info) Symtab() (*symtab.Table, Status, error) {
	if m.closed.Load() {
		return nil, StatusAbsent, ErrClosed
	}
	m.symtabOnce.Do(func() {
		layout, err := m.Layout()
		if err == nil {
			m.symtab, err = m.loader.Symtab(layout)
		}
		if err != nil {
			m.symtabStatus, m.symtabErr = StatusAbsent, err
			level.Debug(m.logger).Log("msg", "no symbol table", "err", err)
			return
		}
		m.symtabStatus = StatusPresent
	})
	return m.symtab, m.symtabStatus, m.symtabErr
}

// DebugInfo returns the DWARF of the module. A load interrupted by ctx
// leaves the status unknown so that it is retried.
func (m *Info) DebugInfo(ctx context.Context) (dwarfinfo.Source, Status, error) {
	if m.closed.Load() {
		return nil, StatusAbsent, ErrClosed
	}
	m.debugMu.Lock()
	defer m.debugMu.Unlock()

	if m.debugStatus != StatusUnknown {
		return m.debug, m.debugStatus, m.debugErr
	}
	src, err := m.loader.DebugInfo(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, StatusUnknown, ctx.Err()
		}
		m.debugStatus, m.debugErr = StatusAbsent, err
		level.Debug(m.logger).Log("msg", "no debug information", "err", err)
		return nil, m.debugStatus, err
	}
	m.debug, m.debugStatus = src, StatusPresent
	return m.debug, m.debugStatus, nil
}

// DebugInfoStatus returns the debug information status without loading it.
func (m *Info) DebugInfoStatus() Status {
	m.debugMu.Lock()
	defer m.debugMu.Unlock()
	return m.debugStatus
}

// FunctionIndex returns the name to compilation unit index of the module's
// DWARF. It is built on first use and reused by later queries.
func (m *Info) FunctionIndex(ctx context.Context) (map[string][]int, error) {
	src, status, err := m.DebugInfo(ctx)
	if status != StatusPresent {
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}

	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if m.index != nil {
		return m.index, nil
	}
	index, err := src.FunctionIndex(ctx)
	if err != nil {
		return nil, err
	}
	m.index = index
	return index, nil
}

// Markers returns the SDT marker names as "provider:name".
func (m *Info) Markers() []string {
	m.loadNames()
	return m.markers
}

// PLTNames returns the functions the module calls through its PLT.
func (m *Info) PLTNames() []string {
	m.loadNames()
	return m.plt
}

func (m *Info) loadNames() {
	m.namesOnce.Do(func() {
		if m.closed.Load() {
			return
		}
		m.markers, m.plt = m.loader.Names()
	})
}

// InlinedNames returns the names of the functions that only exist inlined.
// It walks the whole DWARF the first time, so it is meant for suggestions
// after a failed lookup.
func (m *Info) InlinedNames(ctx context.Context) ([]string, error) {
	src, status, err := m.DebugInfo(ctx)
	if status != StatusPresent {
		return nil, err
	}

	m.inlinedMu.Lock()
	defer m.inlinedMu.Unlock()
	if m.inlined != nil {
		return m.inlined, nil
	}

	seen := map[string]struct{}{}
	for i := 0; i < src.NumUnits(); i++ {
		u, err := src.Unit(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, f := range u.Functions {
			if f.Inline && f.Name != "" {
				seen[f.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	m.inlined = names
	return names, nil
}

// Close releases the files and caches of the module.
func (m *Info) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.loader.Close()
}
