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

package symtab

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ulikunitz/xz"

	"github.com/parca-dev/parca-probe/pkg/elfreader"
)

// sttGNUIFunc is STT_GNU_IFUNC, which debug/elf calls STT_LOOS.
const sttGNUIFunc = elf.SymType(10)

const miniDebugInfoSection = ".gnu_debugdata"

// Option configures FromELF.
type Option func(*options)

type options struct {
	sectionBase func(idx int) (uint64, bool)
}

// WithSectionBase places the sections of a relocatable object: symbol values
// of ET_REL objects are offsets into their section, base returns the address
// a section index was assigned.
func WithSectionBase(base func(idx int) (uint64, bool)) Option {
	return func(o *options) {
		o.sectionBase = base
	}
}

// FromELF builds the function table of f. The regular symbol table is
// preferred; without it the dynamic symbols are merged with the
// MiniDebugInfo table, if any. r gives access to the raw file for header
// fields debug/elf doesn't decode and may be nil.
func FromELF(logger log.Logger, f *elf.File, r io.ReaderAt, opts ...Option) (*Table, error) {
	logger = log.With(logger, "component", "symtab")

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	rebase := func(s *elf.Symbol) {
		if f.Type != elf.ET_REL || o.sectionBase == nil {
			return
		}
		if base, ok := o.sectionBase(int(s.Section)); ok {
			s.Value += base
		}
	}

	var sources [][]elf.Symbol
	syms, err := f.Symbols()
	switch {
	case err == nil && len(syms) > 0:
		sources = append(sources, syms)
	case err != nil && !errors.Is(err, elf.ErrNoSymbols):
		return nil, fmt.Errorf("read .symtab: %w", err)
	default:
		dyn, err := f.DynamicSymbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("read .dynsym: %w", err)
		}
		if len(dyn) > 0 {
			sources = append(sources, dyn)
		}
		mini, err := miniDebugInfoSymbols(f)
		if err != nil {
			level.Debug(logger).Log("msg", "no MiniDebugInfo symbols", "err", err)
		} else {
			sources = append(sources, mini)
		}
	}
	if len(sources) == 0 {
		return nil, ErrNoSymbols
	}

	descs, err := elfreader.NewDescriptorTable(f)
	if err != nil {
		return nil, err
	}
	abi := elfreader.DetectABI(r, f)

	b := NewBuilder()
	if descs != nil {
		b.SetDescriptorSection(descs.Index)
	}
	// Descriptor symbols are added after everything else, so that they can
	// be reconciled with their dotted code symbols.
	var pending []FuncInfo
	for _, src := range sources {
		for _, s := range src {
			rebase(&s)
			fi, ok := funcInfo(f, s, abi)
			if !ok {
				addData(b, s)
				continue
			}
			if descs != nil && int(s.Section) == descs.Index {
				entry, ok := descs.Entry(s.Value)
				if !ok {
					continue
				}
				fi.Descriptor = true
				fi.Entry = entry
				pending = append(pending, fi)
				continue
			}
			b.AddFunc(fi)
		}
	}
	for _, fi := range pending {
		b.AddFunc(fi)
		if b.HasFunc(fi.Name) {
			continue
		}
		// No dotted symbol names the code, so the descriptor is the only
		// name it is known by.
		code := fi
		code.Descriptor = false
		code.Addr = fi.Entry
		if sec, ok := sectionAt(f, fi.Entry); ok {
			code.Section = sec
		}
		b.AddFunc(code)
	}
	return b.Table(), nil
}

func funcInfo(f *elf.File, s elf.Symbol, abi elfreader.ABI) (FuncInfo, bool) {
	typ := elf.ST_TYPE(s.Info)
	if typ != elf.STT_FUNC && typ != sttGNUIFunc {
		return FuncInfo{}, false
	}
	if s.Section == elf.SHN_UNDEF || (s.Value == 0 && f.Type != elf.ET_REL) {
		return FuncInfo{}, false
	}
	bind := elf.ST_BIND(s.Info)
	fi := FuncInfo{
		Name:    s.Name,
		Linkage: s.Name,
		Addr:    s.Value,
		Size:    s.Size,
		Weak:    bind == elf.STB_WEAK,
		Global:  bind == elf.STB_GLOBAL,
	}
	if f.Machine == elf.EM_PPC64 && abi == elfreader.ABIPPC64v1 {
		fi.Name = strings.TrimPrefix(fi.Name, ".")
	}
	if abi == elfreader.ABIPPC64v2 {
		fi.LocalEntryOffset = elfreader.LocalEntryOffset(s.Other)
	}
	if idx := int(s.Section); idx > 0 && idx < len(f.Sections) {
		fi.Section = f.Sections[idx].Name
	}
	return fi, true
}

func addData(b *Builder, s elf.Symbol) {
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_OBJECT, elf.STT_TLS, elf.STT_COMMON:
	case elf.STT_NOTYPE:
		// Linker defined markers such as _stext. Mapping symbols and
		// assembler locals are not.
		if strings.HasPrefix(s.Name, "$") || strings.HasPrefix(s.Name, ".L") {
			return
		}
	default:
		return
	}
	if s.Section == elf.SHN_UNDEF || s.Name == "" {
		return
	}
	bind := elf.ST_BIND(s.Info)
	b.AddData(s.Name, s.Value, bind == elf.STB_GLOBAL || bind == elf.STB_WEAK)
}

func sectionAt(f *elf.File, addr uint64) (string, bool) {
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC != 0 && addr >= s.Addr && addr < s.Addr+s.Size {
			return s.Name, true
		}
	}
	return "", false
}

// miniDebugInfoSymbols reads the symbol table embedded xz compressed in
// .gnu_debugdata.
func miniDebugInfoSymbols(f *elf.File) ([]elf.Symbol, error) {
	sec := f.Section(miniDebugInfoSection)
	if sec == nil {
		return nil, ErrNoSymbols
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	xr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, xr); err != nil {
		return nil, err
	}
	mini, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	defer mini.Close()
	return mini.Symbols()
}

// FromReader builds the function table of the ELF object read through r.
func FromReader(logger log.Logger, r io.ReaderAt) (*Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromELF(logger, f, r)
}
