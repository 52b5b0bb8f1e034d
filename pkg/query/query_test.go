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

package query

import (
	"context"
	"debug/elf"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/blocklist"
	"github.com/parca-dev/parca-probe/pkg/config"
	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/kernel"
	"github.com/parca-dev/parca-probe/pkg/module"
	"github.com/parca-dev/parca-probe/pkg/probe"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/prologue"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

const stext = 0xffffffff81000000

type staticModules map[probespec.TargetKind][]*module.Info

func (s staticModules) Each(ctx context.Context, target probespec.Target, _ *diagnostics.Collector, _ string, visit func(*module.Info) bool) error {
	match, err := probespec.NewMatcher(target.Pattern())
	if err != nil {
		return err
	}
	for _, m := range s[target.Kind] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if target.Kind != probespec.TargetKernel && !match.Match(m.Name) {
			continue
		}
		if !visit(m) {
			return nil
		}
	}
	return nil
}

func table(syms ...symtab.FuncInfo) *symtab.Table {
	b := symtab.NewBuilder()
	for _, s := range syms {
		b.AddFunc(s)
	}
	return b.Table()
}

func kernelModule() *module.Info {
	layout := elfreader.BuildLayout(elf.ET_EXEC, elf.EM_X86_64, stext, []elfreader.Section{
		{Name: ".text", Index: 1, Addr: stext, Size: 0x100000, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR},
	}, nil)
	return module.NewInfo(log.NewNopLogger(), "kernel", "/boot/vmlinux", probespec.TargetKernel, &module.StaticLoader{
		ModuleLayout: layout,
		Table: table(
			symtab.FuncInfo{Name: "_stext", Addr: stext, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "sys_read", Addr: stext + 0x1234, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "vfs_read", Addr: stext + 0x2000, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "kprobe_read", Addr: stext + 0x3000, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "vfs_write", Addr: stext + 0x4000, Global: true, Section: ".text"},
		),
	})
}

// appModule is a position independent executable with debug information
// for main, helper (inlined into main and worker), helper2 and worker, and
// a symbol only function asm_func.
func appModule() *module.Info {
	const file = "/src/app.c"
	main := &dwarfinfo.Function{
		Offset: 1, Name: "main", DeclFile: file, DeclLine: 40, External: true,
		Ranges:    [][2]uint64{{0x401100, 0x401180}},
		Labels:    []dwarfinfo.Label{{Name: "out", Addr: 0x401120, DeclFile: file, DeclLine: 44}},
		CallSites: []dwarfinfo.CallSite{{Callee: "helper2"}, {Callee: "printf"}, {Origin: 4}},
	}
	helper := &dwarfinfo.Function{Offset: 2, Name: "helper", DeclFile: file, DeclLine: 10, Inline: true}
	helper2 := &dwarfinfo.Function{
		Offset: 3, Name: "helper2", DeclFile: file, DeclLine: 20, HasParams: true,
		Ranges: [][2]uint64{{0x401200, 0x401240}},
	}
	worker := &dwarfinfo.Function{
		Offset: 4, Name: "worker", DeclFile: file, DeclLine: 30,
		Ranges:    [][2]uint64{{0x401180, 0x401200}},
		CallSites: []dwarfinfo.CallSite{{Callee: "helper2"}},
	}
	unit := &dwarfinfo.Unit{
		Name:      file,
		Files:     []string{file},
		Functions: []*dwarfinfo.Function{main, helper, helper2, worker},
		InlineSites: []*dwarfinfo.InlineSite{
			{Origin: 2, EntryPC: 0x401130, Ranges: [][2]uint64{{0x401130, 0x401140}}, CallFile: file, CallLine: 45, Caller: main},
			{Origin: 2, EntryPC: 0x401190, Ranges: [][2]uint64{{0x401190, 0x4011a0}}, CallFile: file, CallLine: 31, Caller: worker},
		},
		Lines: []dwarfinfo.LineRow{
			{Address: 0x401100, File: file, Line: 40, IsStmt: true},
			{Address: 0x401108, File: file, Line: 41, IsStmt: true},
			{Address: 0x401110, File: file, Line: 42, IsStmt: true},
			{Address: 0x401118, File: file, Line: 43, IsStmt: true},
			{Address: 0x401120, File: file, Line: 44, IsStmt: true},
			{Address: 0x401130, File: file, Line: 11, IsStmt: true},
			{Address: 0x401138, File: file, Line: 12, IsStmt: true},
			{Address: 0x401140, File: file, Line: 46, IsStmt: true},
			{Address: 0x401180, File: file, Line: 30, IsStmt: true},
			{Address: 0x401188, File: file, Line: 31, IsStmt: true},
			{Address: 0x401190, File: file, Line: 11, IsStmt: true},
			{Address: 0x4011a0, File: file, Line: 32, IsStmt: true},
			{Address: 0x401200, File: file, Line: 20, IsStmt: true},
			{Address: 0x401208, File: file, Line: 21, IsStmt: true},
			{Address: 0x401240, EndSequence: true},
		},
	}

	layout := elfreader.BuildLayout(elf.ET_DYN, elf.EM_X86_64, 0x400000, []elfreader.Section{
		{Name: ".text", Index: 1, Addr: 0x401000, Size: 0x1000, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR},
	}, []elfreader.Segment{{Vaddr: 0x400000, Memsz: 0x10000, Filesz: 0x10000, Flags: elf.PF_R | elf.PF_X}})
	return module.NewInfo(log.NewNopLogger(), "/usr/bin/app", "/usr/bin/app", probespec.TargetProcess, &module.StaticLoader{
		ModuleLayout: layout,
		Table: table(
			symtab.FuncInfo{Name: "main", Addr: 0x401100, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "worker", Addr: 0x401180, Section: ".text"},
			symtab.FuncInfo{Name: "helper2", Addr: 0x401200, Section: ".text"},
			symtab.FuncInfo{Name: "asm_func", Addr: 0x401300, Global: true, Section: ".text"},
			symtab.FuncInfo{Name: "asm_local", Addr: 0x401340, Section: ".text"},
		),
		Debug:       dwarfinfo.NewStaticSource(unit),
		MarkerNames: []string{"app:request__start"},
		PLT:         []string{"printf"},
	})
}

func defaultOptions() Options {
	return Options{}
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()

	e, err := NewWithModules(log.NewNopLogger(), prometheus.NewRegistry(), staticModules{
		probespec.TargetKernel:  {kernelModule()},
		probespec.TargetProcess: {appModule()},
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func resolve(t *testing.T, e *Engine, pattern string) *Result {
	t.Helper()

	res, err := e.Resolve(context.Background(), pattern)
	require.NoError(t, err)
	return res
}

// summary keeps the descriptor fields tests compare.
type summary struct {
	Name      string
	Line      int
	Section   string
	Raw       uint64
	Relocated uint64
	Inline    bool
	Caller    string
}

func summarize(ds []*probe.Descriptor) []summary {
	out := make([]summary, 0, len(ds))
	for _, d := range ds {
		out = append(out, summary{d.Name, d.Line, d.Section, d.RawAddr, d.RelocatedAddr, d.Inline, d.Caller})
	}
	return out
}

func TestResolveKernelFunction(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `kernel.function("sys_read")`)
	require.Equal(t, OutcomeMatch, res.Outcome)
	require.Empty(t, res.Warnings)
	require.Len(t, res.Descriptors, 1)

	d := res.Descriptors[0]
	require.Equal(t, probe.KindKProbe, d.Kind)
	require.Equal(t, "_stext", d.Section)
	require.Equal(t, d.RawAddr-stext, d.RelocatedAddr)
	require.Equal(t, uint64(0x1234), d.RelocatedAddr)
	require.Nil(t, d.Scope)
	require.Equal(t, `kernel.function("sys_read")`, d.Point)
}

func TestResolveMechanisms(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Options{})
	require.Len(t, resolve(t, e, `kernel.function("sys_read").return`).Descriptors, 1)

	e = newEngine(t, Options{Mechanisms: &kernel.Mechanisms{UProbes: true}})
	res := resolve(t, e, `kernel.function("sys_read")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, diagnostics.CategoryBlockProbeMechanism, res.Warnings[0].Category)
	require.Len(t, resolve(t, e, `process("/usr/bin/app").function("main")`).Descriptors, 1)

	e = newEngine(t, Options{Mechanisms: &kernel.Mechanisms{}})
	require.Empty(t, resolve(t, e, `process("/usr/bin/app").function("main")`).Descriptors)
}

func TestResolveKernelAbsoluteStatement(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `kernel.statement(0xffffffff81001240).absolute`)
	require.Len(t, res.Descriptors, 1)
	d := res.Descriptors[0]
	require.Equal(t, ".absolute", d.Section)
	require.Equal(t, "sys_read", d.Name)
	require.Equal(t, uint64(stext+0x1240), d.RelocatedAddr)
}

func TestResolveProcessLine(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `process("/usr/bin/app").function("main@app.c:42")`)
	require.Equal(t, OutcomeMatch, res.Outcome)
	require.Len(t, res.Descriptors, 1)

	d := res.Descriptors[0]
	require.Equal(t, probe.KindUProbe, d.Kind)
	require.Equal(t, uint64(0x401110), d.RawAddr)
	require.Equal(t, ".dynamic", d.Section)
	require.Equal(t, uint64(0x1110), d.RelocatedAddr)
	require.Equal(t, 42, d.Line)
	require.Equal(t, &probe.UserPayload{Path: "/usr/bin/app", Offset: 0x1110}, d.User)
	require.Equal(t, `process("/usr/bin/app").function("main@/src/app.c:42")`, d.Point)
	require.NotNil(t, d.Scope)
}

func TestResolveLineSpecs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		want    []uint64
	}{
		{`process("/usr/bin/app").statement("main@app.c:41-43")`, []uint64{0x401108, 0x401110, 0x401118}},
		{`process("/usr/bin/app").statement("main@app.c:+2")`, []uint64{0x401110}},
		{`process("/usr/bin/app").statement("main@app.c:99")`, nil},
		{`process("/usr/bin/app").statement("main@app.c:99").nearest`, []uint64{0x401140}},
		{`process("/usr/bin/app").statement("helper@app.c:12")`, []uint64{0x401138}},
		// The declared line resolves to the function entry.
		{`process("/usr/bin/app").function("main@/src/app.c:40")`, []uint64{0x401100}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern, func(t *testing.T) {
			t.Parallel()

			e := newEngine(t, defaultOptions())
			res := resolve(t, e, tt.pattern)
			var got []uint64
			for _, d := range res.Descriptors {
				got = append(got, d.RawAddr)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDedup(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	first := resolve(t, e, `process("/usr/bin/app").function("main")`)
	require.Len(t, first.Descriptors, 1)

	// The second query reuses the loaded module and starts from clean
	// dedup state.
	second := resolve(t, e, `process("/usr/bin/app").function("main")`)
	if diff := cmp.Diff(summarize(first.Descriptors), summarize(second.Descriptors)); diff != "" {
		t.Fatalf("unexpected descriptors (-first +second):\n%s", diff)
	}
}

func TestResolveBlocklistedAmongMany(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `kernel.function("*read")`)
	require.Equal(t, OutcomeMatch, res.Outcome)

	want := []summary{
		{Name: "sys_read", Section: "_stext", Raw: stext + 0x1234, Relocated: 0x1234},
		{Name: "vfs_read", Section: "_stext", Raw: stext + 0x2000, Relocated: 0x2000},
	}
	if diff := cmp.Diff(want, summarize(res.Descriptors)); diff != "" {
		t.Fatalf("unexpected descriptors (-want +got):\n%s", diff)
	}
	require.Len(t, res.Warnings, 1)
	require.Equal(t, diagnostics.CategoryBlockProbeMechanism, res.Warnings[0].Category)
	require.Equal(t, "kprobe_read", res.Warnings[0].Subject)
}

func TestResolveConfigBlocklist(t *testing.T) {
	t.Parallel()

	bl, err := blocklist.New(config.Blocklist{Functions: []string{"vfs_.*"}}, nil)
	require.NoError(t, err)
	opts := defaultOptions()
	opts.Blocklist = bl
	e := newEngine(t, opts)

	res := resolve(t, e, `kernel.function("vfs_*")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Equal(t, 2, len(res.Warnings))
}

func TestResolveNoMatch(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `kernel.function("sys_raed")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Empty(t, res.Descriptors)
	require.Equal(t, []string{"sys_read"}, res.Suggestions)

	res = resolve(t, e, `process("/usr/bin/app").function("prinf")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Equal(t, []string{"printf"}, res.Suggestions)

	res = resolve(t, e, `process("/usr/bin/nope").function("main")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Zero(t, res.Modules)
}

func TestResolveSyntaxError(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	_, err := e.Resolve(context.Background(), `kernel.function("foo:12")`)
	require.ErrorIs(t, err, probespec.ErrSyntax)
}

// cancelOnVisit cancels the resolution as soon as a module is visited.
type cancelOnVisit struct {
	Modules
	cancel context.CancelFunc
}

func (c cancelOnVisit) Each(ctx context.Context, target probespec.Target, diag *diagnostics.Collector, token string, visit func(*module.Info) bool) error {
	return c.Modules.Each(ctx, target, diag, token, func(m *module.Info) bool {
		c.cancel()
		return visit(m)
	})
}

func TestResolveCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	mods := cancelOnVisit{Modules: staticModules{probespec.TargetProcess: {appModule()}}, cancel: cancel}
	e, err := NewWithModules(log.NewNopLogger(), prometheus.NewRegistry(), mods, defaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	res, err := e.Resolve(ctx, `process("/usr/bin/app").function("*")`)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Equal(t, 1, res.Modules)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
	require.Empty(t, res.Suggestions)

	// The interrupted debug information load is retried by the next query.
	res = resolve(t, e, `process("/usr/bin/app").function("main")`)
	require.False(t, res.Cancelled)
	require.Len(t, res.Descriptors, 1)
}

func TestResolveInline(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `process("/usr/bin/app").function("helper")`)
	want := []summary{
		{Name: "helper", Line: 10, Section: ".dynamic", Raw: 0x401130, Relocated: 0x1130, Inline: true},
		{Name: "helper", Line: 10, Section: ".dynamic", Raw: 0x401190, Relocated: 0x1190, Inline: true},
	}
	if diff := cmp.Diff(want, summarize(res.Descriptors)); diff != "" {
		t.Fatalf("unexpected descriptors (-want +got):\n%s", diff)
	}

	res = resolve(t, e, `process("/usr/bin/app").function("h*").return`)
	require.Equal(t, []summary{{Name: "helper2", Line: 20, Section: ".dynamic", Raw: 0x401200, Relocated: 0x1200}}, summarize(res.Descriptors))
	require.Len(t, res.Warnings, 1)
	require.Equal(t, diagnostics.CategoryInlineReturn, res.Warnings[0].Category)
	require.Equal(t, "helper", res.Warnings[0].Subject)
}

func TestResolvePrologue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    func(*Options)
		pattern string
		addr    uint64
		params  uint64
	}{
		{
			name:    "auto skips for parameters",
			pattern: `process("/usr/bin/app").function("helper2")`,
			addr:    0x401208,
		},
		{
			name:    "auto keeps without parameters",
			pattern: `process("/usr/bin/app").function("main")`,
			addr:    0x401100,
		},
		{
			name:    "always",
			opts:    func(o *Options) { o.Prologue = prologue.PolicyAlways },
			pattern: `process("/usr/bin/app").function("main")`,
			addr:    0x401108,
		},
		{
			name:    "never",
			opts:    func(o *Options) { o.Prologue = prologue.PolicyNever },
			pattern: `process("/usr/bin/app").function("helper2")`,
			addr:    0x401200,
		},
		{
			name:    "statements are not moved",
			opts:    func(o *Options) { o.Prologue = prologue.PolicyAlways },
			pattern: `process("/usr/bin/app").statement("main")`,
			addr:    0x401100,
		},
		{
			name:    "return keeps the entry",
			opts:    func(o *Options) { o.Prologue = prologue.PolicyAlways },
			pattern: `process("/usr/bin/app").function("main").return`,
			addr:    0x401100,
		},
		{
			name: "return with parameter address",
			opts: func(o *Options) {
				o.Prologue = prologue.PolicyNever
				o.ReturnParamsPrologue = true
			},
			pattern: `process("/usr/bin/app").function("main").return`,
			addr:    0x401100,
			params:  0x401108,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := defaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			e := newEngine(t, opts)
			res := resolve(t, e, tt.pattern)
			require.Len(t, res.Descriptors, 1)
			require.Equal(t, tt.addr, res.Descriptors[0].RawAddr)
			require.Equal(t, tt.params, res.Descriptors[0].ParamsAddr)
		})
	}
}

func TestResolveSymbolTableFallback(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `process("/usr/bin/app").function("*")`)
	var names []string
	for _, d := range res.Descriptors {
		names = append(names, d.Name)
		require.Equal(t, d.Name == "asm_func" || d.Name == "asm_local", d.Scope == nil, d.Name)
	}
	require.Equal(t, []string{"main", "helper2", "worker", "helper", "helper", "asm_func", "asm_local"}, names)

	res = resolve(t, e, `process("/usr/bin/app").function("asm_*").exported`)
	require.Equal(t, []summary{{Name: "asm_func", Section: ".dynamic", Raw: 0x401300, Relocated: 0x1300}}, summarize(res.Descriptors))

	// File qualified points need debug information.
	res = resolve(t, e, `process("/usr/bin/app").function("asm_func@app.c")`)
	require.Equal(t, OutcomeNoMatch, res.Outcome)
}

func TestResolveLabel(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `process("/usr/bin/app").function("m*").label("o*")`)
	require.Equal(t, []summary{{Name: "main", Line: 44, Section: ".dynamic", Raw: 0x401120, Relocated: 0x1120}}, summarize(res.Descriptors))
	require.Equal(t, `process("/usr/bin/app").function("main@/src/app.c:44").label("out")`, res.Descriptors[0].Point)
}

func TestResolveCallees(t *testing.T) {
	t.Parallel()

	e := newEngine(t, defaultOptions())
	res := resolve(t, e, `process("/usr/bin/app").function("main").callee("helper*")`)
	require.Equal(t, []summary{{Name: "helper2", Line: 20, Section: ".dynamic", Raw: 0x401200, Relocated: 0x1200, Caller: "main"}}, summarize(res.Descriptors))

	// worker is called through its DIE, and calls helper2 itself, which was
	// already probed from main.
	res = resolve(t, e, `process("/usr/bin/app").function("main").callees(2)`)
	want := []summary{
		{Name: "helper2", Line: 20, Section: ".dynamic", Raw: 0x401200, Relocated: 0x1200, Caller: "main"},
		{Name: "worker", Line: 30, Section: ".dynamic", Raw: 0x401180, Relocated: 0x1180, Caller: "main"},
	}
	if diff := cmp.Diff(want, summarize(res.Descriptors)); diff != "" {
		t.Fatalf("unexpected descriptors (-want +got):\n%s", diff)
	}
}

func TestPointStack(t *testing.T) {
	t.Parallel()

	var s pointStack
	base := probespec.MustParse(`process("/usr/bin/*").function("m*")`)
	s.push(*base)
	s.push(s.top().WithTarget(probespec.Target{Kind: probespec.TargetProcess, Path: "/usr/bin/app"}))
	s.push(s.top().WithFunction("main", "/src/app.c", 40))
	require.Equal(t, `process("/usr/bin/app").function("main@/src/app.c:40")`, s.top().String())

	s.pop()
	s.pop()
	require.Equal(t, `process("/usr/bin/*").function("m*")`, s.top().String())
	require.Equal(t, *base, s.top())
}

func TestClosest(t *testing.T) {
	t.Parallel()

	names := []string{"vfs_read", "vfs_readv", "sys_read", "do_sys_open", "vfs_write"}
	require.Equal(t, []string{"vfs_read", "vfs_readv", "sys_read"}, closest("vfs_reed", names, 5))
	require.Equal(t, []string{"vfs_read"}, closest("vfs_reed", names, 1))
	require.Empty(t, closest("xyz", names, 5))
}
