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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/emitter"
	"github.com/parca-dev/parca-probe/pkg/lines"
	"github.com/parca-dev/parca-probe/pkg/module"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/prologue"
	"github.com/parca-dev/parca-probe/pkg/scanner"
	"github.com/parca-dev/parca-probe/pkg/symtab"
)

// resolution is the state of one ResolvePoint call.
type resolution struct {
	e      *Engine
	ctx    context.Context
	token  string
	diag   *diagnostics.Collector
	stack  pointStack
	result *Result

	visited       []*module.Info
	inlineReturns map[string]struct{}
	err           error
}

// needsDebugInfo reports whether p can only be resolved from DWARF.
func needsDebugInfo(p probespec.Point) bool {
	return p.Func.Type != probespec.SpecAlone ||
		len(p.Func.Scopes) > 0 ||
		p.Inline ||
		p.Label != "" ||
		p.Callee != "" ||
		p.Callees > 0
}

// concreteTarget narrows t to the module m that was selected by it.
func concreteTarget(t probespec.Target, m *module.Info) probespec.Target {
	switch t.Kind {
	case probespec.TargetKernelModule:
		t.Module = m.Name
	case probespec.TargetProcess:
		if t.PID == 0 && t.BuildID == "" {
			t.Path = m.Name
		}
	case probespec.TargetLibrary:
		t.Library = m.Name
	}
	return t
}

func (r *resolution) emit(req emitter.Request) {
	req.Point = r.stack.top()
	if d, ok := r.e.emitter.Emit(req, r.diag, r.token); ok {
		r.result.Descriptors = append(r.result.Descriptors, d)
	}
}

// fatal tells errors that end the whole resolution from module problems.
func (r *resolution) fatal(m *module.Info, err error) error {
	if err == nil {
		return nil
	}
	if r.ctx.Err() != nil || errors.Is(err, probespec.ErrSyntax) {
		return err
	}
	r.diag.Warnf(diagnostics.CategoryModuleUnreadable, m.String(), r.token, "%v", err)
	return nil
}

func (r *resolution) module(m *module.Info) error {
	base := r.stack.top()
	r.stack.push(base.WithTarget(concreteTarget(base.Target, m)))
	defer r.stack.pop()

	r.e.emitter.Reset()
	if base.HasAddress {
		r.address(m, base.Address)
		return nil
	}

	flags := scanner.Flags{Return: base.Return, Call: base.Call, Exported: base.Exported, Inline: base.Inline}
	cands, err := r.e.scanner.Scan(r.ctx, m, base.Func, flags, r.diag, r.token)
	if err != nil {
		return r.fatal(m, err)
	}
	if needsDebugInfo(base) && m.DebugInfoStatus() == module.StatusAbsent {
		r.diag.Warnf(diagnostics.CategoryDebugInfoUnreadable, m.String(), r.token, "%s needs debug information", base.Func.String())
	}
	for _, name := range cands.InlineReturns {
		r.inlineReturns[name] = struct{}{}
	}

	for _, f := range cands.Functions {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := r.function(m, f); err != nil {
			return err
		}
	}
	if base.Label == "" && base.Callee == "" && base.Callees == 0 {
		for _, inst := range cands.Inlines {
			r.inline(m, inst)
		}
	}
	if !needsDebugInfo(base) {
		return r.fatal(m, r.symbols(m, cands.Coverage))
	}
	return nil
}

// atDeclLine reports whether spec names fn at the line it is declared on,
// which is resolved like a plain function probe.
func atDeclLine(spec probespec.FunctionSpec, fn *dwarfinfo.Function) bool {
	return spec.FullySpecified() && spec.Line.Lines[0] == fn.DeclLine
}

func (r *resolution) function(m *module.Info, f scanner.Function) error {
	p := r.stack.top()
	fn := f.Func

	switch {
	case p.Label != "":
		return r.labels(m, f)
	case p.Callee != "" || p.Callees > 0:
		pattern := p.Callee
		if pattern == "" {
			pattern = "*"
		}
		match, err := probespec.NewMatcher(pattern)
		if err != nil {
			return err
		}
		depth := p.Callees
		if depth == 0 {
			depth = 1
		}
		return r.callees(m, f, match, 1, depth, map[*dwarfinfo.Function]struct{}{fn: {}})
	case p.Func.Type == probespec.SpecFileAndLine && !atDeclLine(p.Func, fn):
		matches, err := r.lines(f.Rows(), fn.DeclLine)
		if err != nil {
			return err
		}
		if p.Return {
			// A line only selects which functions to wrap.
			if len(matches) > 0 {
				r.entry(m, f)
			}
			return nil
		}
		r.statements(m, fn.Name, fn, matches, false)
		return nil
	}
	r.entry(m, f)
	return nil
}

func (r *resolution) entry(m *module.Info, f scanner.Function) {
	p := r.stack.top()
	fn := f.Func

	addr, params := f.Entry, uint64(0)
	if p.Kind == probespec.PointFunction {
		if end, ok := prologue.End(f.Rows(), f.Entry); ok {
			switch {
			case p.Return:
				if r.e.opts.ReturnParamsPrologue {
					params = end
				}
			case r.e.opts.Prologue.Applies(m.Kind, fn):
				addr = end
			}
		}
	}

	r.stack.push(p.WithFunction(fn.Name, fn.DeclFile, fn.DeclLine))
	defer r.stack.pop()
	r.emit(emitter.Request{
		Module:     m,
		Name:       fn.Name,
		File:       fn.DeclFile,
		Line:       fn.DeclLine,
		Addr:       addr,
		Entry:      addr == f.Entry,
		Return:     p.Return,
		Call:       p.Call,
		ParamsAddr: params,
		Scope:      fn,
		Symbol:     f.Symbol,
	})
}

func (r *resolution) lines(rows []dwarfinfo.LineRow, declLine int) ([]lines.Match, error) {
	p := r.stack.top()
	var file *probespec.FileMatcher
	if p.Func.File != "" {
		var err error
		if file, err = probespec.NewFileMatcher(p.Func.File); err != nil {
			return nil, err
		}
	}
	return lines.Resolve(rows, declLine, p.Func.Line, file, p.Nearest), nil
}

func (r *resolution) statements(m *module.Info, name string, scope *dwarfinfo.Function, matches []lines.Match, inline bool) {
	p := r.stack.top()
	for _, mt := range matches {
		r.stack.push(p.WithFunction(name, mt.File, mt.Line))
		r.emit(emitter.Request{
			Module: m,
			Name:   name,
			File:   mt.File,
			Line:   mt.Line,
			Addr:   mt.Addr,
			Call:   p.Call,
			Inline: inline,
			Scope:  scope,
		})
		r.stack.pop()
	}
}

func (r *resolution) inline(m *module.Info, inst scanner.InlineInstanceInfo) {
	p := r.stack.top()
	if p.Func.Type == probespec.SpecFileAndLine && !atDeclLine(p.Func, inst.Func) {
		rows := inst.Func.Unit.RowsIn(inst.Site.Ranges)
		if delta := inst.Entry - inst.Site.EntryPC; delta != 0 {
			for i := range rows {
				rows[i].Address += delta
			}
		}
		matches, err := r.lines(rows, inst.DeclLine)
		if err != nil {
			return
		}
		r.statements(m, inst.Name, inst.Func, matches, true)
		return
	}

	r.stack.push(p.WithFunction(inst.Name, inst.DeclFile, inst.DeclLine))
	defer r.stack.pop()
	r.emit(emitter.Request{
		Module: m,
		Name:   inst.Name,
		File:   inst.DeclFile,
		Line:   inst.DeclLine,
		Addr:   inst.Entry,
		Inline: true,
		Scope:  inst.Func,
	})
}

func (r *resolution) labels(m *module.Info, f scanner.Function) error {
	p := r.stack.top()
	match, err := probespec.NewMatcher(p.Label)
	if err != nil {
		return err
	}
	fn := f.Func
	for _, l := range fn.Labels {
		if !match.Match(l.Name) {
			continue
		}
		lp := p.WithFunction(fn.Name, l.DeclFile, l.DeclLine)
		lp.Label = l.Name
		r.stack.push(lp)
		r.emit(emitter.Request{
			Module: m,
			Name:   fn.Name,
			File:   l.DeclFile,
			Line:   l.DeclLine,
			Addr:   l.Addr + f.Delta,
			Scope:  fn,
		})
		r.stack.pop()
	}
	return nil
}

// callees probes the functions caller calls directly, and their callees
// down to maxDepth. chain holds the functions on the current call path so
// that recursion stops.
func (r *resolution) callees(m *module.Info, caller scanner.Function, match *probespec.Matcher, depth, maxDepth int, chain map[*dwarfinfo.Function]struct{}) error {
	p := r.stack.top()
	seen := map[string]struct{}{}
	for _, cs := range caller.Func.CallSites {
		if cs.Callee == "" || !match.Match(cs.Callee) {
			continue
		}
		if _, ok := seen[cs.Callee]; ok {
			continue
		}
		seen[cs.Callee] = struct{}{}
		if err := r.ctx.Err(); err != nil {
			return err
		}

		spec := probespec.FunctionSpec{Raw: cs.Callee, Function: cs.Callee, Type: probespec.SpecAlone}
		cands, err := r.e.scanner.Scan(r.ctx, m, spec, scanner.Flags{Call: true}, r.diag, r.token)
		if err != nil {
			if err := r.fatal(m, err); err != nil {
				return err
			}
			continue
		}

		cp := p.WithFunction(caller.Func.Name, "", 0)
		cp.Callee, cp.Callees = cs.Callee, 0
		r.stack.push(cp)
		for _, cf := range cands.Functions {
			if _, ok := chain[cf.Func]; ok {
				continue
			}
			r.emit(emitter.Request{
				Module: m,
				Name:   cf.Func.Name,
				File:   cf.Func.DeclFile,
				Line:   cf.Func.DeclLine,
				Addr:   cf.Entry,
				Entry:  true,
				Scope:  cf.Func,
				Symbol: cf.Symbol,
				Caller: caller.Func.Name,
			})
			if depth < maxDepth {
				chain[cf.Func] = struct{}{}
				err := r.callees(m, cf, probespec.MustMatcher("*"), depth+1, maxDepth, chain)
				delete(chain, cf.Func)
				if err != nil {
					r.stack.pop()
					return err
				}
			}
		}
		r.stack.pop()
	}
	return nil
}

// address probes a raw address. The symbol containing it names the probe.
func (r *resolution) address(m *module.Info, addr uint64) {
	p := r.stack.top()
	name := fmt.Sprintf("%#x", addr)
	if table, status, _ := m.Symtab(); status == module.StatusPresent {
		if fi, ok := table.NearestContaining(addr); ok {
			name = fi.Name
		}
	}
	r.emit(emitter.Request{
		Module:   m,
		Name:     name,
		Addr:     addr,
		Absolute: p.Absolute,
	})
}

// symbols probes the matching functions the debug information didn't cover,
// from the symbol table alone.
func (r *resolution) symbols(m *module.Info, coverage *symtab.Coverage) error {
	p := r.stack.top()
	table, status, err := m.Symtab()
	if status != module.StatusPresent {
		if m.DebugInfoStatus() != module.StatusPresent {
			r.diag.Warnf(diagnostics.CategorySymtabUnreadable, m.String(), r.token, "%v", err)
		}
		return nil
	}
	match, err := probespec.NewMatcher(p.Func.Function)
	if err != nil {
		return err
	}

	uncovered := table.Uncovered(match.Match, coverage)
	level.Debug(r.e.logger).Log("msg", "symbol table fallback", "module", m.Name, "functions", len(uncovered))
	for _, fi := range uncovered {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if scanner.IsFragment(fi.Name) || (p.Exported && !fi.Global) {
			continue
		}
		fi := fi
		r.stack.push(p.WithFunction(fi.Name, "", 0))
		r.emit(emitter.Request{
			Module: m,
			Name:   fi.Name,
			Addr:   fi.Entry,
			Entry:  true,
			Return: p.Return,
			Call:   p.Call,
			Symbol: &fi,
		})
		r.stack.pop()
	}
	return nil
}

// finish reports what is only known once every module was visited.
func (r *resolution) finish() {
	if len(r.inlineReturns) == 0 {
		return
	}
	names := lo.Keys(r.inlineReturns)
	sort.Strings(names)
	r.diag.Warnf(diagnostics.CategoryInlineReturn, strings.Join(names, ", "), r.token,
		"%d inlined function(s) have no return to probe", len(names))
}
