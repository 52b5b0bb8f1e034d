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

// Package emitter turns resolved addresses into probe descriptors.
package emitter

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-probe/pkg/blocklist"
	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/kernel"
	"github.com/parca-dev/parca-probe/pkg/module"
	"github.com/parca-dev/parca-probe/pkg/probe"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

const (
	kernelAnchor    = "_stext"
	sectionDynamic  = ".dynamic"
	sectionAbsolute = ".absolute"
)

// Request is an address to emit a probe at.
type Request struct {
	Module *module.Info
	Point  probespec.Point

	Name string
	File string
	Line int

	// Addr is the address in the module's address space.
	Addr uint64
	// Entry marks function entry probes, which are moved to the local entry
	// point on ABIs that have one.
	Entry bool

	Return bool
	Call   bool
	Inline bool
	// Absolute asks for a kernel address that is not relocated.
	Absolute   bool
	ParamsAddr uint64

	Scope  *dwarfinfo.Function
	Symbol *symtab.FuncInfo
	Caller string
}

type metrics struct {
	emitted     *prometheus.CounterVec
	blocklisted *prometheus.CounterVec
	duplicates  prometheus.Counter
}

// Emitter relocates, filters and deduplicates probe addresses. It is not
// safe for concurrent use.
type Emitter struct {
	logger     log.Logger
	blocklist  *blocklist.Blocklist
	mechanisms kernel.Mechanisms
	metrics    *metrics

	visited map[uint64]struct{}
}

// New returns an emitter. mechanisms tells which probe kinds the kernel
// supports.
func New(logger log.Logger, reg prometheus.Registerer, bl *blocklist.Blocklist, mechanisms kernel.Mechanisms) *Emitter {
	return &Emitter{
		logger:     log.With(logger, "component", "emitter"),
		blocklist:  bl,
		mechanisms: mechanisms,
		metrics: &metrics{
			emitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "parca_probe_descriptors_emitted_total",
				Help: "Total number of probe descriptors emitted by kind.",
			}, []string{"kind"}),
			blocklisted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "parca_probe_candidates_blocklisted_total",
				Help: "Total number of probe candidates rejected by the blocklist by category.",
			}, []string{"category"}),
			duplicates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "parca_probe_candidates_duplicate_total",
				Help: "Total number of probe candidates dropped as duplicates.",
			}),
		},
		visited: map[uint64]struct{}{},
	}
}

// Reset forgets the visited addresses. It is called before every module
// scan.
func (e *Emitter) Reset() {
	e.visited = map[uint64]struct{}{}
}

// Visited reports whether a probe was emitted at addr since the last Reset.
func (e *Emitter) Visited(addr uint64) bool {
	_, ok := e.visited[addr]
	return ok
}

// relocation is where an address ends up for the loader.
type relocation struct {
	section   string
	relocated uint64
	// realSection is the ELF section containing the address, for the
	// blocklist.
	realSection string
	kernel      *probe.KernelPayload
	user        *probe.UserPayload
}

// Emit returns the descriptor for req, or false when the address was
// blocklisted, couldn't be relocated or was already emitted. Rejections are
// reported to diag once each.
func (e *Emitter) Emit(req Request, diag *diagnostics.Collector, token string) (*probe.Descriptor, bool) {
	m := req.Module
	layout, err := m.Layout()
	if err != nil {
		diag.Warnf(diagnostics.CategoryModuleUnreadable, m.String(), token, "%v", err)
		return nil, false
	}
	table, _, _ := m.Symtab()

	addr := req.Addr
	if req.Entry && req.Symbol != nil && req.Symbol.LocalEntryOffset != 0 && req.Symbol.Addr == addr {
		addr += req.Symbol.LocalEntryOffset
	}

	rel, err := e.relocate(m, layout, table, addr, req)
	if err != nil {
		diag.Warnf(diagnostics.CategoryNoRelocation, req.Name, token, "%#x in %s: %v", addr, m.Name, err)
		return nil, false
	}

	user := m.Kind.User()
	if cat, reason, blocked := e.check(req, rel, user); blocked {
		e.metrics.blocklisted.WithLabelValues(cat.String()).Inc()
		diag.Warnf(cat, req.Name, token, "%s", reason)
		return nil, false
	}

	if _, ok := e.visited[addr]; ok {
		e.metrics.duplicates.Inc()
		return nil, false
	}
	e.visited[addr] = struct{}{}

	d := &probe.Descriptor{
		Kind:          probe.KindFor(user, req.Return),
		Name:          req.Name,
		File:          req.File,
		Line:          req.Line,
		Module:        m.Name,
		Section:       rel.section,
		RawAddr:       addr,
		RelocatedAddr: rel.relocated,
		Return:        req.Return,
		Call:          req.Call,
		Inline:        req.Inline,
		ParamsAddr:    req.ParamsAddr,
		Point:         req.Point.String(),
		Scope:         req.Scope,
		Caller:        req.Caller,
		Kernel:        rel.kernel,
		User:          rel.user,
	}
	if err := d.Validate(); err != nil {
		level.Warn(e.logger).Log("msg", "dropping invalid descriptor", "name", req.Name, "err", err)
		return nil, false
	}
	e.metrics.emitted.WithLabelValues(d.Kind.String()).Inc()
	return d, true
}

func (e *Emitter) relocate(m *module.Info, layout *elfreader.Layout, table *symtab.Table, addr uint64, req Request) (relocation, error) {
	var rel relocation
	if s, ok := layout.SectionFor(addr); ok {
		rel.realSection = s.Name
	} else if req.Symbol != nil {
		rel.realSection = req.Symbol.Section
	}

	switch m.Kind {
	case probespec.TargetKernel:
		if req.Absolute {
			rel.section, rel.relocated = sectionAbsolute, addr
			return rel, nil
		}
		anchor, ok := lookupAnchor(table)
		if !ok {
			return rel, fmt.Errorf("no %s symbol", kernelAnchor)
		}
		if addr < anchor {
			return rel, fmt.Errorf("address precedes %s", kernelAnchor)
		}
		rel.section, rel.relocated = kernelAnchor, addr-anchor
		return rel, nil

	case probespec.TargetKernelModule:
		if !layout.Relocatable() {
			// Only known from kallsyms: the loader resolves symbol+offset.
			rel.section, rel.relocated = ".text", addr
			kp, err := nearestSymbol(table, addr)
			if err != nil {
				return rel, err
			}
			rel.kernel = kp
			return rel, nil
		}
		s, ok := layout.SectionFor(addr)
		if !ok {
			return rel, fmt.Errorf("address is in no section")
		}
		rel.section, rel.relocated = s.Name, addr-s.Addr
		if strings.HasPrefix(s.Name, ".init") {
			kp, err := nearestSymbol(table, addr)
			if err != nil {
				return rel, err
			}
			rel.kernel = kp
		}
		return rel, nil
	}

	off, ok := layout.FileOffset(addr)
	if !ok {
		return rel, fmt.Errorf("address is in no loadable segment")
	}
	rel.user = &probe.UserPayload{Path: m.Path, Offset: off}
	if layout.Type == elf.ET_EXEC {
		rel.section, rel.relocated = sectionAbsolute, addr
	} else {
		rel.section, rel.relocated = sectionDynamic, addr-layout.Bias
	}
	return rel, nil
}

func lookupAnchor(table *symtab.Table) (uint64, bool) {
	if table == nil {
		return 0, false
	}
	if fis := table.LookupByName(kernelAnchor); len(fis) > 0 {
		return fis[0].Addr, true
	}
	if addr, ok := table.Globals[kernelAnchor]; ok {
		return addr, true
	}
	return 0, false
}

func nearestSymbol(table *symtab.Table, addr uint64) (*probe.KernelPayload, error) {
	if table == nil {
		return nil, fmt.Errorf("no symbol table")
	}
	fi, ok := table.NearestContaining(addr)
	if !ok {
		return nil, fmt.Errorf("no symbol precedes address")
	}
	return &probe.KernelPayload{Symbol: fi.Name, Offset: addr - fi.Addr}, nil
}

func (e *Emitter) check(req Request, rel relocation, user bool) (diagnostics.Category, string, bool) {
	switch {
	case user && !e.mechanisms.UProbes:
		return diagnostics.CategoryBlockProbeMechanism, "kernel has no uprobes support", true
	case !user && !e.mechanisms.KProbes:
		return diagnostics.CategoryBlockProbeMechanism, "kernel has no kprobes support", true
	case !user && req.Return && !e.mechanisms.KRetProbes:
		return diagnostics.CategoryBlockProbeMechanism, "kernel has no kretprobes support", true
	}
	if e.blocklist == nil || req.Absolute {
		return 0, "", false
	}
	return e.blocklist.Check(blocklist.Candidate{
		Name:    req.Name,
		File:    req.File,
		Section: rel.realSection,
		Return:  req.Return,
		Kernel:  req.Module.Kind == probespec.TargetKernel,
		Module:  req.Module.Kind == probespec.TargetKernelModule,
	})
}
