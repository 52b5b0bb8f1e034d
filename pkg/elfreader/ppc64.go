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
	"encoding/binary"
	"fmt"
	"io"
)

// ABI describes how functions are entered on architectures that have more
// than one way of doing so.
type ABI int

const (
	ABIDefault ABI = iota
	// ABIPPC64v1 calls through function descriptors stored in .opd. Code
	// symbols carry a leading dot.
	ABIPPC64v1
	// ABIPPC64v2 has a global and a local entry point per function; the
	// distance between them is encoded in st_other.
	ABIPPC64v2
)

const (
	descriptorSection = ".opd"

	ef64FlagsOffset = 0x30
	ef32FlagsOffset = 0x24
)

// HeaderFlags reads e_flags, which debug/elf doesn't expose.
func HeaderFlags(r io.ReaderAt, f *elf.File) (uint32, error) {
	off := int64(ef64FlagsOffset)
	if f.Class == elf.ELFCLASS32 {
		off = ef32FlagsOffset
	}
	var b [4]byte
	if _, err := r.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("read e_flags: %w", err)
	}
	return f.ByteOrder.Uint32(b[:]), nil
}

// DetectABI figures out the function call ABI of f. r may be nil, in which
// case the ABI version is guessed from the byte order and the presence of a
// descriptor section.
func DetectABI(r io.ReaderAt, f *elf.File) ABI {
	if f.Machine != elf.EM_PPC64 {
		return ABIDefault
	}
	if r != nil {
		if flags, err := HeaderFlags(r, f); err == nil && flags&3 != 0 {
			if flags&3 == 2 {
				return ABIPPC64v2
			}
			return ABIPPC64v1
		}
	}
	if f.Section(descriptorSection) != nil {
		return ABIPPC64v1
	}
	if f.ByteOrder == binary.LittleEndian {
		return ABIPPC64v2
	}
	return ABIPPC64v1
}

// LocalEntryOffset decodes the distance between the global and the local
// entry point of a function from the st_other field of its symbol.
func LocalEntryOffset(other byte) uint64 {
	return ((1 << ((other >> 5) & 7)) >> 2) << 2
}

// DescriptorTable gives access to the function descriptors of a PPC64 ELFv1
// object.
type DescriptorTable struct {
	// Index is the section header index of .opd.
	Index int
	addr  uint64
	data  []byte
	order binary.ByteOrder
}

// NewDescriptorTable returns nil if the object has no descriptor section.
func NewDescriptorTable(f *elf.File) (*DescriptorTable, error) {
	for i, s := range f.Sections {
		if s.Name != descriptorSection {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", descriptorSection, err)
		}
		return &DescriptorTable{Index: i, addr: s.Addr, data: data, order: f.ByteOrder}, nil
	}
	return nil, nil
}

// Entry returns the code address a descriptor at addr points to.
func (t *DescriptorTable) Entry(addr uint64) (uint64, bool) {
	if addr < t.addr {
		return 0, false
	}
	off := addr - t.addr
	if off+8 > uint64(len(t.data)) {
		return 0, false
	}
	return t.order.Uint64(t.data[off : off+8]), true
}
