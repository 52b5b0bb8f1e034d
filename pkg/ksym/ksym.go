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

// Package ksym builds symbol tables from /proc/kallsyms, for kernels whose
// image can't be found on disk.
package ksym

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-probe/pkg/symtab"
)

var (
	ErrFunctionNotFound = errors.New("kernel function not found")
	// ErrRestricted is returned when kptr_restrict hides the addresses.
	ErrRestricted = errors.New("kernel symbol addresses are restricted")
)

const kallsymsPath = "proc/kallsyms"

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) { return os.Open("/" + name) }

// Kallsyms reads kernel symbols.
type Kallsyms struct {
	logger log.Logger
	fs     fs.FS
}

// New returns a reader of fsys. A nil fsys reads the root file system.
func New(logger log.Logger, fsys fs.FS) *Kallsyms {
	if fsys == nil {
		fsys = &realfs{}
	}
	return &Kallsyms{logger: log.With(logger, "component", "ksym"), fs: fsys}
}

func unsafeString(b []byte) string {
	return *((*string)(unsafe.Pointer(&b)))
}

type entry struct {
	addr   uint64
	typ    byte
	name   string
	module string
}

// scan calls fn for every well formed line.
func (k *Kallsyms) scan(fn func(e entry)) error {
	fd, err := k.fs.Open(kallsymsPath)
	if err != nil {
		return err
	}
	defer fd.Close()

	nonZero := false
	s := bufio.NewScanner(fd)
	for s.Scan() {
		l := s.Bytes()
		sp := strings.IndexByte(unsafeString(l), ' ')
		if sp <= 0 || len(l) < sp+4 {
			continue
		}
		addr, err := strconv.ParseUint(unsafeString(l[:sp]), 16, 64)
		if err != nil {
			level.Debug(k.logger).Log("msg", "failed to parse kallsyms address", "line", string(l))
			continue
		}
		e := entry{addr: addr, typ: l[sp+1]}
		rest := string(l[sp+3:])
		name, mod, found := strings.Cut(rest, "\t")
		if found {
			mod = strings.Trim(strings.TrimSpace(mod), "[]")
		}
		e.name = strings.TrimSpace(name)
		e.module = mod
		if addr != 0 {
			nonZero = true
		}
		fn(e)
	}
	if err := s.Err(); err != nil {
		return err
	}
	if !nonZero {
		return ErrRestricted
	}
	return nil
}

func isFunc(typ byte) bool {
	switch typ {
	case 't', 'T', 'w', 'W':
		return true
	}
	return false
}

func isData(typ byte) bool {
	switch typ {
	case 'd', 'D', 'b', 'B', 'r', 'R':
		return true
	}
	return false
}

// Table returns the symbols of module, or of the kernel image when module is
// empty.
func (k *Kallsyms) Table(module string) (*symtab.Table, error) {
	b := symtab.NewBuilder()
	n := 0
	err := k.scan(func(e entry) {
		if e.module != module {
			return
		}
		switch {
		case isFunc(e.typ):
			if b.AddFunc(symtab.FuncInfo{
				Name:    e.name,
				Addr:    e.addr,
				Weak:    e.typ == 'w' || e.typ == 'W',
				Global:  e.typ == 'T' || e.typ == 'W',
				Section: ".text",
			}) {
				n++
			}
		case isData(e.typ):
			b.AddData(e.name, e.addr, e.typ >= 'A' && e.typ <= 'Z')
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read kallsyms: %w", err)
	}
	if n == 0 {
		return nil, symtab.ErrNoSymbols
	}
	t := b.Table()
	if module == "" {
		t.PurgeSyscallStubs()
	}
	level.Debug(k.logger).Log("msg", "loaded kallsyms", "module", module, "functions", n)
	return t, nil
}

// Modules returns the names of the modules that have symbols.
func (k *Kallsyms) Modules() ([]string, error) {
	seen := map[string]struct{}{}
	var mods []string
	err := k.scan(func(e entry) {
		if e.module == "" {
			return
		}
		if _, ok := seen[e.module]; !ok {
			seen[e.module] = struct{}{}
			mods = append(mods, e.module)
		}
	})
	return mods, err
}

// Lookup returns the address of a kernel image function.
func (k *Kallsyms) Lookup(name string) (uint64, error) {
	var (
		addr  uint64
		found bool
	)
	err := k.scan(func(e entry) {
		if !found && e.module == "" && e.name == name && isFunc(e.typ) {
			addr, found = e.addr, true
		}
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", name, ErrFunctionNotFound)
	}
	return addr, nil
}
