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

// Package scanner walks the DWARF of a module looking for the functions a
// function selector names.
package scanner

import (
	"context"
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/module"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

// Flags are the probe point modifiers that change which functions qualify.
type Flags struct {
	Return   bool
	Call     bool
	Exported bool
	// Inline limits the scan to inline instances.
	Inline bool
}

// Function is an out-of-line function that matched.
type Function struct {
	Func *dwarfinfo.Function
	// Entry is the entry address in the module's address space.
	Entry uint64
	// Delta was added to the DWARF addresses of the function to place them
	// in the module's address space. It is zero unless the module is
	// relocatable.
	Delta uint64
	// Symbol is the symbol at Entry, nil if there is none.
	Symbol *symtab.FuncInfo
}

// Rows returns the line rows of the function, rebased by Delta.
func (f Function) Rows() []dwarfinfo.LineRow {
	rows := f.Func.Unit.RowsIn(f.Func.Ranges)
	if f.Delta != 0 {
		for i := range rows {
			rows[i].Address += f.Delta
		}
	}
	return rows
}

// InlineInstanceInfo is one place a matched function was inlined into.
type InlineInstanceInfo struct {
	Name     string
	Entry    uint64
	DeclFile string
	DeclLine int

	Func *dwarfinfo.Function
	Site *dwarfinfo.InlineSite
}

type inlineKey struct {
	entry    uint64
	declLine int
	name     string
	declFile string
}

func (i InlineInstanceInfo) key() inlineKey {
	return inlineKey{i.Entry, i.DeclLine, i.Name, i.DeclFile}
}

// Less orders instances by entry address, declared line, name and declared
// file.
func (i InlineInstanceInfo) Less(o InlineInstanceInfo) bool {
	switch {
	case i.Entry != o.Entry:
		return i.Entry < o.Entry
	case i.DeclLine != o.DeclLine:
		return i.DeclLine < o.DeclLine
	case i.Name != o.Name:
		return i.Name < o.Name
	}
	return i.DeclFile < o.DeclFile
}

// Candidates is the outcome of a scan.
type Candidates struct {
	Functions []Function
	Inlines   []InlineInstanceInfo
	// InlineReturns names the inline functions that matched a return probe
	// and were skipped.
	InlineReturns []string
	// Coverage holds every matching function that has debug information,
	// whether it qualified or not. The symbol table fallback skips them.
	Coverage *symtab.Coverage
	// FastPath tells whether the name index was used.
	FastPath bool
}

type metrics struct {
	scans *prometheus.CounterVec
	units prometheus.Counter
}

// Scanner finds functions in the DWARF of modules.
type Scanner struct {
	logger  log.Logger
	metrics *metrics
}

func New(logger log.Logger, reg prometheus.Registerer) *Scanner {
	return &Scanner{
		logger: log.With(logger, "component", "scanner"),
		metrics: &metrics{
			scans: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "parca_probe_scans_total",
				Help: "Total number of debug information scans by strategy.",
			}, []string{"path"}),
			units: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "parca_probe_scanned_units_total",
				Help: "Total number of compilation units walked.",
			}),
		},
	}
}

// scan is the state of one module scan.
type scan struct {
	s      *Scanner
	ctx    context.Context
	mod    *module.Info
	src    dwarfinfo.Source
	table  *symtab.Table
	layout *elfreader.Layout
	spec   probespec.FunctionSpec
	flags  Flags
	diag   *diagnostics.Collector
	token  string

	name  *probespec.Matcher
	scope *probespec.ScopeMatcher
	file  *probespec.FileMatcher

	visitedAddrs   map[uint64]struct{}
	visitedInlines map[inlineKey]struct{}
	inlineReturns  map[string]struct{}
	deltas         map[*dwarfinfo.Function]deltaResult

	out *Candidates
}

type deltaResult struct {
	delta uint64
	ok    bool
}

// Scan collects the functions of mod matching spec. Names are looked up in
// the module's function index unless spec has a wildcard, a scope, a file or
// a mangled name, in which case every compilation unit is walked. A
// cancelled ctx returns what was found so far together with ctx.Err().
func (s *Scanner) Scan(ctx context.Context, mod *module.Info, spec probespec.FunctionSpec, flags Flags, diag *diagnostics.Collector, token string) (*Candidates, error) {
	out := &Candidates{Coverage: symtab.NewCoverage()}
	src, status, err := mod.DebugInfo(ctx)
	if status != module.StatusPresent {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, nil
	}

	sc := &scan{
		s:     s,
		ctx:   ctx,
		mod:   mod,
		src:   src,
		spec:  spec,
		flags: flags,
		diag:  diag,
		token: token,
		out:   out,
	}
	if sc.layout, err = mod.Layout(); err != nil {
		return out, err
	}
	sc.table, _, _ = mod.Symtab()

	if sc.name, err = probespec.NewMatcher(spec.Function); err != nil {
		return out, err
	}
	if sc.scope, err = probespec.NewScopeMatcher(spec.Scopes); err != nil {
		return out, err
	}
	if spec.File != "" {
		if sc.file, err = probespec.NewFileMatcher(spec.File); err != nil {
			return out, err
		}
	}

	if spec.FastPath() {
		out.FastPath = true
		s.metrics.scans.WithLabelValues("fast").Inc()
		err = sc.fastPath()
	} else {
		s.metrics.scans.WithLabelValues("slow").Inc()
		err = sc.slowPath()
	}

	for name := range sc.inlineReturns {
		out.InlineReturns = append(out.InlineReturns, name)
	}
	sort.Strings(out.InlineReturns)
	sort.SliceStable(out.Inlines, func(i, j int) bool { return out.Inlines[i].Less(out.Inlines[j]) })
	level.Debug(s.logger).Log(
		"msg", "scanned module",
		"module", mod.Name,
		"spec", spec.String(),
		"fast", out.FastPath,
		"functions", len(out.Functions),
		"inlines", len(out.Inlines),
	)
	return out, err
}

func (sc *scan) reset() {
	sc.visitedAddrs = map[uint64]struct{}{}
	sc.visitedInlines = map[inlineKey]struct{}{}
	sc.inlineReturns = map[string]struct{}{}
	sc.deltas = map[*dwarfinfo.Function]deltaResult{}
	sc.out.Functions = nil
	sc.out.Inlines = nil
}

// fastPath looks the name up in the function index first, then walks only
// the units the index pointed at.
func (sc *scan) fastPath() error {
	sc.reset()
	index, err := sc.mod.FunctionIndex(sc.ctx)
	if err != nil {
		if sc.ctx.Err() != nil {
			return sc.ctx.Err()
		}
		sc.diag.Warnf(diagnostics.CategoryDebugInfoUnreadable, sc.mod.String(), sc.token, "index functions: %v", err)
		return nil
	}
	units := index[sc.spec.Function]
	if len(units) == 0 {
		return nil
	}

	sc.reset()
	for _, i := range units {
		if err := sc.walkUnit(i, func(f *dwarfinfo.Function) bool {
			return f.Name == sc.spec.Function || f.LinkageName == sc.spec.Function
		}); err != nil {
			return err
		}
	}
	return nil
}

func (sc *scan) slowPath() error {
	sc.reset()
	mangled := sc.spec.Mangled()
	match := func(f *dwarfinfo.Function) bool {
		if mangled {
			if !sc.name.Match(f.LinkageName) {
				return false
			}
		} else if !sc.name.Match(f.Name) && (f.LinkageName == "" || !sc.name.Match(f.LinkageName)) {
			return false
		}
		if !sc.scope.Match(f.Scope) {
			return false
		}
		return sc.file == nil || sc.file.Match(f.DeclFile)
	}
	for i := 0; i < sc.src.NumUnits(); i++ {
		if err := sc.walkUnit(i, match); err != nil {
			return err
		}
	}
	return nil
}

func (sc *scan) walkUnit(i int, match func(*dwarfinfo.Function) bool) error {
	if err := sc.ctx.Err(); err != nil {
		return err
	}
	u, err := sc.src.Unit(sc.ctx, i)
	if err != nil {
		if sc.ctx.Err() != nil {
			return sc.ctx.Err()
		}
		sc.diag.Warnf(diagnostics.CategoryDIEUnresolvable, fmt.Sprintf("%s unit %d", sc.mod.Name, i), sc.token, "%v", err)
		return nil
	}
	sc.s.metrics.units.Inc()

	if sc.file != nil && !u.HasFile(sc.file.Match) {
		return nil
	}
	for _, d := range u.Unresolved {
		if d.Name == "" || sc.name.Match(d.Name) {
			sc.diag.Warnf(diagnostics.CategoryDIEUnresolvable, fmt.Sprintf("%s DIE %#x", sc.mod.Name, d.Offset), sc.token, "%v", d.Err)
		}
	}
	for _, f := range u.Functions {
		if f.Declaration && !f.HasCode() && len(f.Instances) == 0 {
			continue
		}
		if !match(f) {
			continue
		}
		if f.Inline {
			sc.inline(f)
		} else if f.HasCode() {
			sc.function(f)
		}
	}
	return nil
}

func (sc *scan) inline(f *dwarfinfo.Function) {
	if len(f.Instances) == 0 {
		return
	}
	if sc.flags.Return {
		sc.inlineReturns[f.Name] = struct{}{}
		return
	}
	if sc.flags.Call || sc.flags.Exported {
		return
	}
	for _, site := range f.Instances {
		delta, ok := sc.delta(site.Caller)
		if !ok {
			sc.diag.Warnf(diagnostics.CategoryNoRelocation, f.Name, sc.token, "no section for inline instance at %#x", site.EntryPC)
			continue
		}
		inst := InlineInstanceInfo{
			Name:     f.Name,
			Entry:    site.EntryPC + delta,
			DeclFile: f.DeclFile,
			DeclLine: f.DeclLine,
			Func:     f,
			Site:     site,
		}
		k := inst.key()
		if _, ok := sc.visitedInlines[k]; ok {
			continue
		}
		sc.visitedInlines[k] = struct{}{}
		sc.out.Inlines = append(sc.out.Inlines, inst)
	}
}

// fragmentSuffixes mark pieces the compiler split off a function.
var fragmentSuffixes = []string{".part.", ".cold"}

// IsFragment reports whether a symbol name is a piece split off a function.
func IsFragment(name string) bool {
	for _, s := range fragmentSuffixes {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func (sc *scan) function(f *dwarfinfo.Function) {
	delta, ok := sc.delta(f)
	if !ok {
		sc.diag.Warnf(diagnostics.CategoryNoRelocation, f.Name, sc.token, "no section for function")
		return
	}
	entry := f.EntryPC + delta
	sc.out.Coverage.Add(f.Name, f.LinkageName, entry)

	if sc.flags.Inline {
		return
	}
	if sc.flags.Exported && !f.External {
		return
	}
	if _, ok := sc.visitedAddrs[entry]; ok {
		return
	}
	sc.visitedAddrs[entry] = struct{}{}

	var sym *symtab.FuncInfo
	if sc.table != nil {
		if fi, ok := sc.table.SymbolAt(entry); ok {
			if IsFragment(fi.Name) {
				level.Debug(sc.s.logger).Log("msg", "skipping function fragment", "function", f.Name, "symbol", fi.Name)
				return
			}
			sym = &fi
		}
	}
	sc.out.Functions = append(sc.out.Functions, Function{Func: f, Entry: entry, Delta: delta, Symbol: sym})
}

// delta returns what to add to the DWARF addresses of f. In relocatable
// objects DWARF addresses are offsets into the function's section, which is
// found through the function's symbol.
func (sc *scan) delta(f *dwarfinfo.Function) (uint64, bool) {
	if !sc.layout.Relocatable() {
		return 0, true
	}
	if f == nil {
		return sc.textDelta()
	}
	if d, ok := sc.deltas[f]; ok {
		return d.delta, d.ok
	}
	d := deltaResult{}
	d.delta, d.ok = sc.symbolDelta(f)
	if !d.ok {
		d.delta, d.ok = sc.textDelta()
	}
	sc.deltas[f] = d
	return d.delta, d.ok
}

func (sc *scan) symbolDelta(f *dwarfinfo.Function) (uint64, bool) {
	if sc.table == nil || !f.HasCode() {
		return 0, false
	}
	low := f.Ranges[0][0]
	for _, r := range f.Ranges {
		if r[0] < low {
			low = r[0]
		}
	}
	for _, name := range []string{f.LinkageName, f.Name} {
		if name == "" {
			continue
		}
		for _, fi := range sc.table.LookupByName(name) {
			sec, ok := sc.layout.SectionFor(fi.Addr)
			if ok && fi.Addr-sec.Addr == low {
				return sec.Addr, true
			}
		}
	}
	return 0, false
}

// textDelta places code in .text when it is the only code section.
func (sc *scan) textDelta() (uint64, bool) {
	var (
		text  elfreader.Section
		count int
	)
	for _, s := range sc.layout.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		text = s
		count++
	}
	if count != 1 {
		return 0, false
	}
	return text.Addr, true
}
