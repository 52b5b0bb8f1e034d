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

// Package symtab indexes the function symbols of one module by name and by
// address.
package symtab

import (
	"errors"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
)

var ErrNoSymbols = errors.New("no symbol table")

const syscallStub = "sys_ni_syscall"

// FuncInfo describes a function symbol, optionally joined with the debug
// information of the function it starts.
type FuncInfo struct {
	Name string
	// Linkage is the symbol name as found in the object, before demangling
	// and decoration stripping.
	Linkage string
	// Demangled is the C++ name without parameters, empty for C symbols.
	Demangled string

	Addr uint64
	// Entry is the first instruction of the function. It differs from Addr
	// for descriptor symbols, whose Addr points into the descriptor table.
	Entry uint64
	Size  uint64

	Weak       bool
	Global     bool
	Descriptor bool

	// Section is the name of the section the symbol is defined in.
	Section string
	// LocalEntryOffset is the distance to the local entry point on ELFv2.
	LocalEntryOffset uint64

	Func        *dwarfinfo.Function
	DeclFile    string
	DeclLine    int
	PrologueEnd uint64
}

// Names returns the names the function can be matched by.
func (fi FuncInfo) Names() []string {
	names := []string{fi.Name}
	if fi.Linkage != "" && fi.Linkage != fi.Name {
		names = append(names, fi.Linkage)
	}
	if fi.Demangled != "" {
		names = append(names, fi.Demangled)
	}
	return names
}

// Table is the symbol table of one module. It is read-only once built,
// except for PurgeSyscallStubs which runs before a table is shared.
type Table struct {
	byName map[string][]*FuncInfo
	// byAddr holds one representative per address, sorted.
	byAddr  []*FuncInfo
	aliases map[uint64][]*FuncInfo

	Globals map[string]uint64
	Locals  map[string]uint64

	// DescriptorSection is the section index of the function descriptor
	// table, -1 if there is none.
	DescriptorSection int
}

// Len returns the number of function symbols.
func (t *Table) Len() int {
	n := 0
	for _, fis := range t.byName {
		n += len(fis)
	}
	return n
}

// LookupByName returns the functions called name. Descriptor entries are
// never returned.
func (t *Table) LookupByName(name string) []FuncInfo {
	var out []FuncInfo
	for _, fi := range t.byName[name] {
		if !fi.Descriptor {
			out = append(out, *fi)
		}
	}
	return out
}

// Match returns every selectable function with a name accepted by match,
// sorted by address.
func (t *Table) Match(match func(string) bool) []FuncInfo {
	var out []FuncInfo
	for _, fi := range t.byAddr {
		for _, a := range t.aliases[fi.Addr] {
			if a.Descriptor {
				continue
			}
			for _, n := range a.Names() {
				if match(n) {
					out = append(out, *a)
					break
				}
			}
		}
	}
	return out
}

// NearestContaining returns the symbol at or before addr. It returns false
// iff addr precedes every symbol.
func (t *Table) NearestContaining(addr uint64) (FuncInfo, bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool {
		return t.byAddr[i].Addr > addr
	})
	if i == 0 {
		return FuncInfo{}, false
	}
	return *t.byAddr[i-1], true
}

// SymbolAt returns the representative symbol starting exactly at addr.
func (t *Table) SymbolAt(addr uint64) (FuncInfo, bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool {
		return t.byAddr[i].Addr >= addr
	})
	if i == len(t.byAddr) || t.byAddr[i].Addr != addr {
		return FuncInfo{}, false
	}
	return *t.byAddr[i], true
}

// NamesAt returns the names of every symbol starting at addr.
func (t *Table) NamesAt(addr uint64) []string {
	var names []string
	for _, fi := range t.aliases[addr] {
		names = append(names, fi.Name)
	}
	return names
}

// FunctionNames returns the names of all selectable functions, sorted.
func (t *Table) FunctionNames() []string {
	names := make([]string, 0, len(t.byName))
	for name, fis := range t.byName {
		for _, fi := range fis {
			if !fi.Descriptor {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// PurgeSyscallStubs drops the weak aliases of the unimplemented system call
// stub. Hundreds of unimplemented syscalls point at it and would otherwise
// all be probed at the same address. It returns how many were removed.
func (t *Table) PurgeSyscallStubs() int {
	var stub *FuncInfo
	for _, fi := range t.byName[syscallStub] {
		if !fi.Descriptor {
			stub = fi
			break
		}
	}
	if stub == nil {
		return 0
	}

	removed := 0
	kept := t.aliases[stub.Addr][:0]
	for _, fi := range t.aliases[stub.Addr] {
		if fi == stub || !fi.Weak || fi.Descriptor {
			kept = append(kept, fi)
			continue
		}
		t.removeName(fi)
		removed++
	}
	t.aliases[stub.Addr] = kept
	if removed > 0 {
		t.reindexAddr(stub.Addr)
	}
	return removed
}

func (t *Table) removeName(fi *FuncInfo) {
	fis := t.byName[fi.Name]
	for i, other := range fis {
		if other == fi {
			fis = append(fis[:i], fis[i+1:]...)
			break
		}
	}
	if len(fis) == 0 {
		delete(t.byName, fi.Name)
		return
	}
	t.byName[fi.Name] = fis
}

func (t *Table) reindexAddr(addr uint64) {
	i := sort.Search(len(t.byAddr), func(i int) bool {
		return t.byAddr[i].Addr >= addr
	})
	if i < len(t.byAddr) && t.byAddr[i].Addr == addr {
		t.byAddr[i] = representative(t.aliases[addr])
	}
}

// representative picks the symbol an address is reported as: real code
// symbols before descriptors, strong before weak, global before local.
func representative(fis []*FuncInfo) *FuncInfo {
	best := fis[0]
	for _, fi := range fis[1:] {
		if rank(fi) < rank(best) {
			best = fi
		}
	}
	return best
}

func rank(fi *FuncInfo) int {
	r := 0
	if fi.Descriptor {
		r += 4
	}
	if fi.Weak {
		r += 2
	}
	if !fi.Global {
		r++
	}
	return r
}

// Coverage records the functions the debug information scan already
// resolved, so that the symbol table fallback can skip them.
type Coverage struct {
	names map[string]struct{}
	addrs map[uint64]struct{}
}

func NewCoverage() *Coverage {
	return &Coverage{names: map[string]struct{}{}, addrs: map[uint64]struct{}{}}
}

// Add records a function resolved from debug information.
func (c *Coverage) Add(name, linkage string, entry uint64) {
	for _, n := range []string{name, linkage} {
		if n != "" {
			c.names[n] = struct{}{}
		}
	}
	if entry != 0 {
		c.addrs[entry] = struct{}{}
	}
}

// Covers matches by linkage name first and falls back to the address.
func (c *Coverage) Covers(fi FuncInfo) bool {
	if _, ok := c.names[fi.Linkage]; ok && fi.Linkage != "" {
		return true
	}
	_, ok := c.addrs[fi.Entry]
	return ok
}

func (c *Coverage) Len() int {
	return len(c.addrs)
}

// Uncovered returns the functions accepted by match that c doesn't cover.
func (t *Table) Uncovered(match func(string) bool, c *Coverage) []FuncInfo {
	var out []FuncInfo
	for _, fi := range t.Match(match) {
		if c == nil || !c.Covers(fi) {
			out = append(out, fi)
		}
	}
	return out
}

// Builder assembles a Table.
type Builder struct {
	t    *Table
	seen map[nameAddr]struct{}
}

type nameAddr struct {
	name string
	addr uint64
}

func NewBuilder() *Builder {
	return &Builder{
		t: &Table{
			byName:            map[string][]*FuncInfo{},
			aliases:           map[uint64][]*FuncInfo{},
			Globals:           map[string]uint64{},
			Locals:            map[string]uint64{},
			DescriptorSection: -1,
		},
		seen: map[nameAddr]struct{}{},
	}
}

// AddFunc adds a function symbol. A second symbol with the same name and
// address is dropped. Descriptors are only indexed by address.
func (b *Builder) AddFunc(fi FuncInfo) bool {
	if fi.Name == "" {
		return false
	}
	key := nameAddr{fi.Name, fi.Addr}
	if _, ok := b.seen[key]; ok && !fi.Descriptor {
		return false
	}
	if fi.Linkage == "" {
		fi.Linkage = fi.Name
	}
	if fi.Entry == 0 {
		fi.Entry = fi.Addr
	}
	if fi.Demangled == "" && strings.HasPrefix(fi.Linkage, "_Z") {
		if d, err := demangle.ToString(fi.Linkage, demangle.NoParams, demangle.NoTemplateParams); err == nil {
			fi.Demangled = d
		}
	}
	p := &fi
	if !fi.Descriptor {
		b.seen[key] = struct{}{}
		b.t.byName[fi.Name] = append(b.t.byName[fi.Name], p)
	}
	b.t.aliases[fi.Addr] = append(b.t.aliases[fi.Addr], p)
	return true
}

// HasFunc reports whether a non-descriptor function called name exists.
func (b *Builder) HasFunc(name string) bool {
	return len(b.t.byName[name]) > 0
}

// AddData records a data symbol.
func (b *Builder) AddData(name string, addr uint64, global bool) {
	if global {
		b.t.Globals[name] = addr
	} else {
		b.t.Locals[name] = addr
	}
}

// SetDescriptorSection records the section index of the descriptor table.
func (b *Builder) SetDescriptorSection(idx int) {
	b.t.DescriptorSection = idx
}

// Table finalizes the table. The builder must not be used afterwards.
func (b *Builder) Table() *Table {
	t := b.t
	t.byAddr = make([]*FuncInfo, 0, len(t.aliases))
	for _, fis := range t.aliases {
		t.byAddr = append(t.byAddr, representative(fis))
	}
	sort.Slice(t.byAddr, func(i, j int) bool {
		return t.byAddr[i].Addr < t.byAddr[j].Addr
	})
	b.t = nil
	return t
}
