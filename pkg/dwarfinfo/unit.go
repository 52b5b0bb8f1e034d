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

// Package dwarfinfo decodes the parts of DWARF debug information needed to
// place probes: functions with their scopes, inline instances, labels, call
// sites and line tables, one compilation unit at a time.
package dwarfinfo

import (
	"context"
	"debug/dwarf"
	"sort"
	"strings"
)

// Source gives access to the compilation units of one module.
type Source interface {
	// NumUnits returns the number of compilation units.
	NumUnits() int
	// Unit decodes the i-th compilation unit.
	Unit(ctx context.Context, i int) (*Unit, error)
	// FunctionIndex maps every function name and linkage name to the
	// indices of the units declaring or defining it.
	FunctionIndex(ctx context.Context) (map[string][]int, error)
}

// LineRow is one row of a line number program.
type LineRow struct {
	Address     uint64
	File        string
	Line        int
	IsStmt      bool
	PrologueEnd bool
	EndSequence bool
}

// Label is a DW_TAG_label inside a function.
type Label struct {
	Name     string
	Addr     uint64
	DeclFile string
	DeclLine int
}

// CallSite is a call recorded by DW_TAG_call_site.
type CallSite struct {
	// Origin is the DIE of the called function, zero for indirect calls.
	Origin   dwarf.Offset
	Callee   string
	ReturnPC uint64
}

// InlineSite is a DW_TAG_inlined_subroutine: a place where the function at
// Origin was expanded inline.
type InlineSite struct {
	Origin   dwarf.Offset
	EntryPC  uint64
	Ranges   [][2]uint64
	CallFile string
	CallLine int

	// Caller is the out-of-line function the site is nested in.
	Caller *Function
}

// Function is a DW_TAG_subprogram.
type Function struct {
	Unit   *Unit
	Offset dwarf.Offset

	Name        string
	LinkageName string
	DeclFile    string
	DeclLine    int
	// Scope holds the enclosing namespaces and classes, outermost first.
	Scope []string

	Ranges  [][2]uint64
	EntryPC uint64

	External    bool
	Declaration bool
	// Inline is set on abstract definitions of inlined functions.
	Inline bool

	// Origin and Specification point at the DIEs this one completes.
	Origin        dwarf.Offset
	Specification dwarf.Offset

	HasParams bool
	// ParamsLocLists is set when any parameter location is described by a
	// location list, meaning the compiler tracked it across the prologue.
	ParamsLocLists bool

	Labels    []Label
	CallSites []CallSite
	Instances []*InlineSite
}

// HasCode reports whether the function has an out-of-line body.
func (f *Function) HasCode() bool {
	return len(f.Ranges) > 0
}

// ContainsPC reports whether pc falls into one of the function's ranges.
func (f *Function) ContainsPC(pc uint64) bool {
	return containsPC(f.Ranges, pc)
}

// QualifiedName joins the scope and the name with "::".
func (f *Function) QualifiedName() string {
	if len(f.Scope) == 0 {
		return f.Name
	}
	return strings.Join(f.Scope, "::") + "::" + f.Name
}

func containsPC(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

func lowPC(ranges [][2]uint64) uint64 {
	var low uint64
	for i, r := range ranges {
		if i == 0 || r[0] < low {
			low = r[0]
		}
	}
	return low
}

// UnresolvedDIE is a subprogram that couldn't be decoded.
type UnresolvedDIE struct {
	Offset dwarf.Offset
	Name   string
	Err    error
}

// Unit is a decoded compilation unit.
type Unit struct {
	Index    int
	Offset   dwarf.Offset
	Name     string
	CompDir  string
	Producer string

	Files []string
	// Lines is sorted by address.
	Lines []LineRow

	Functions   []*Function
	InlineSites []*InlineSite
	// Unresolved lists the subprogram DIEs that failed to decode.
	Unresolved []UnresolvedDIE

	byOffset map[dwarf.Offset]*Function
}

// Finalize links the functions of the unit together: concrete copies and
// out-of-class definitions inherit the names of the DIEs they complete, and
// inline sites are attached to their abstract definitions. It must be called
// once all functions and sites were added.
func (u *Unit) Finalize() {
	u.byOffset = make(map[dwarf.Offset]*Function, len(u.Functions))
	for _, f := range u.Functions {
		f.Unit = u
		u.byOffset[f.Offset] = f
	}
	for _, f := range u.Functions {
		u.inherit(f, 0)
		if f.EntryPC == 0 && f.HasCode() {
			f.EntryPC = lowPC(f.Ranges)
		}
	}
	for _, s := range u.InlineSites {
		if s.EntryPC == 0 {
			s.EntryPC = lowPC(s.Ranges)
		}
		if def, ok := u.byOffset[s.Origin]; ok {
			def.Instances = append(def.Instances, s)
		}
	}
	for _, f := range u.Functions {
		for i, c := range f.CallSites {
			if c.Callee != "" {
				continue
			}
			if callee, ok := u.byOffset[c.Origin]; ok {
				f.CallSites[i].Callee = callee.Name
			}
		}
	}
	sort.SliceStable(u.Lines, func(i, j int) bool {
		return u.Lines[i].Address < u.Lines[j].Address
	})
}

// inherit fills in the attributes a function doesn't carry itself from its
// abstract origin or specification, following chains of them.
func (u *Unit) inherit(f *Function, depth int) {
	if depth > 8 {
		return
	}
	for _, off := range []dwarf.Offset{f.Origin, f.Specification} {
		if off == 0 {
			continue
		}
		src, ok := u.byOffset[off]
		if !ok || src == f {
			continue
		}
		u.inherit(src, depth+1)
		if f.Name == "" {
			f.Name = src.Name
		}
		if f.LinkageName == "" {
			f.LinkageName = src.LinkageName
		}
		if f.DeclFile == "" {
			f.DeclFile = src.DeclFile
			f.DeclLine = src.DeclLine
		}
		if len(f.Scope) == 0 {
			f.Scope = src.Scope
		}
		if !f.External {
			f.External = src.External
		}
	}
}

// FunctionAt returns the function whose DIE starts at off.
func (u *Unit) FunctionAt(off dwarf.Offset) (*Function, bool) {
	f, ok := u.byOffset[off]
	return f, ok
}

// HasFile reports whether any source file of the unit satisfies match.
func (u *Unit) HasFile(match func(string) bool) bool {
	for _, f := range u.Files {
		if f != "" && match(f) {
			return true
		}
	}
	return false
}

// RowsIn returns the line rows whose address lies in ranges, in address
// order. End of sequence rows are excluded.
func (u *Unit) RowsIn(ranges [][2]uint64) []LineRow {
	var rows []LineRow
	for _, r := range ranges {
		i := sort.Search(len(u.Lines), func(i int) bool {
			return u.Lines[i].Address >= r[0]
		})
		for ; i < len(u.Lines) && u.Lines[i].Address < r[1]; i++ {
			if u.Lines[i].EndSequence {
				continue
			}
			rows = append(rows, u.Lines[i])
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Address < rows[j].Address
	})
	return rows
}
