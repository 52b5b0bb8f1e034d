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

package elfreader

import (
	"debug/elf"
	"sort"
)

const (
	// pageSize defines the virtual memory page size used by the loader. The
	// page size is 4KB on all the architectures that we care about.
	pageSize       = 4096
	pageOffsetMask = pageSize - 1

	// relocatableBase is where the first allocated section of an ET_REL object
	// is placed. Zero is avoided so that no symbol ends up at address 0.
	relocatableBase = 0x10000
)

// Section is an allocated section of an object. For relocatable objects
// (kernel modules) Addr is a synthetic base assigned by NewLayout, so that
// every section occupies a distinct address range.
type Section struct {
	Name  string
	Index int
	Addr  uint64
	Size  uint64
	Flags elf.SectionFlag
}

func (s Section) contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

// Segment is a PT_LOAD program header.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Off    uint64
	Flags  elf.ProgFlag
}

// Layout describes where the allocated parts of an object live at link time.
// It is the basis for every relocation decision: load bias for shared
// objects, section relative offsets for relocatable objects and file offsets
// for user space probes.
type Layout struct {
	Type    elf.Type
	Machine elf.Machine

	// Bias is the lowest PT_LOAD virtual address, page aligned. Link-time
	// addresses minus Bias are the offsets the loader adds its base to.
	Bias uint64

	Sections []Section
	Segments []Segment

	byIndex map[int]int
}

// NewLayout extracts the layout of f.
func NewLayout(f *elf.File) *Layout {
	l := &Layout{
		Type:    f.Type,
		Machine: f.Machine,
		byIndex: map[int]int{},
	}

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		l.Segments = append(l.Segments, Segment{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Off:    p.Off,
			Flags:  p.Flags,
		})
		if first || p.Vaddr < l.Bias {
			l.Bias = p.Vaddr
			first = false
		}
	}
	l.Bias &^= pageOffsetMask

	next := uint64(relocatableBase)
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		addr := s.Addr
		if f.Type == elf.ET_REL {
			addr = alignUp(next, s.Addralign)
			next = addr + s.Size
		} else if addr == 0 {
			continue
		}
		l.Sections = append(l.Sections, Section{
			Name:  s.Name,
			Index: i,
			Addr:  addr,
			Size:  s.Size,
			Flags: s.Flags,
		})
	}
	l.finalize()
	return l
}

func (l *Layout) finalize() {
	sort.SliceStable(l.Sections, func(i, j int) bool {
		return l.Sections[i].Addr < l.Sections[j].Addr
	})
	l.byIndex = make(map[int]int, len(l.Sections))
	for i, s := range l.Sections {
		l.byIndex[s.Index] = i
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Relocatable reports whether addresses of the object are only meaningful
// relative to their section.
func (l *Layout) Relocatable() bool {
	return l.Type == elf.ET_REL
}

// SectionFor returns the allocated section containing addr.
func (l *Layout) SectionFor(addr uint64) (Section, bool) {
	i := sort.Search(len(l.Sections), func(i int) bool {
		return l.Sections[i].Addr > addr
	})
	for i--; i >= 0; i-- {
		if l.Sections[i].contains(addr) {
			return l.Sections[i], true
		}
		// Sections are disjoint, but zero sized ones share their address
		// with the following section.
		if l.Sections[i].Addr+l.Sections[i].Size <= addr {
			break
		}
	}
	return Section{}, false
}

// SectionByIndex returns the section with the given ELF section header index.
func (l *Layout) SectionByIndex(idx int) (Section, bool) {
	i, ok := l.byIndex[idx]
	if !ok {
		return Section{}, false
	}
	return l.Sections[i], true
}

// SectionByName returns the first allocated section named name.
func (l *Layout) SectionByName(name string) (Section, bool) {
	for _, s := range l.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// FileOffset translates a link-time address into the offset inside the file
// through the PT_LOAD segment mapping it.
func (l *Layout) FileOffset(addr uint64) (uint64, bool) {
	for _, s := range l.Segments {
		if addr >= s.Vaddr && addr < s.Vaddr+s.Filesz {
			return addr - s.Vaddr + s.Off, true
		}
	}
	return 0, false
}

// BuildLayout assembles a layout from known sections and segments, for
// modules that are not read from an ELF file.
func BuildLayout(typ elf.Type, machine elf.Machine, bias uint64, sections []Section, segments []Segment) *Layout {
	l := &Layout{
		Type:     typ,
		Machine:  machine,
		Bias:     bias,
		Sections: append([]Section(nil), sections...),
		Segments: append([]Segment(nil), segments...),
	}
	l.finalize()
	return l
}
