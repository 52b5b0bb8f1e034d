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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompatible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target, m elf.Machine
		want      bool
	}{
		{elf.EM_X86_64, elf.EM_X86_64, true},
		{elf.EM_X86_64, elf.EM_386, true},
		{elf.EM_PPC64, elf.EM_PPC, true},
		{elf.EM_S390, elf.EM_S390, true},
		{elf.EM_AARCH64, elf.EM_ARM, false},
		{elf.EM_X86_64, elf.EM_AARCH64, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Compatible(tt.target, tt.m), "%s vs %s", tt.target, tt.m)
	}
}

func TestMachineForArch(t *testing.T) {
	t.Parallel()

	for arch, want := range map[string]elf.Machine{
		"x86_64":  elf.EM_X86_64,
		"amd64":   elf.EM_X86_64,
		"i686":    elf.EM_386,
		"arm64":   elf.EM_AARCH64,
		"armv7l":  elf.EM_ARM,
		"ppc64le": elf.EM_PPC64,
		"s390x":   elf.EM_S390,
	} {
		got, err := MachineForArch(arch)
		require.NoError(t, err)
		require.Equal(t, want, got, arch)
	}

	_, err := MachineForArch("vax")
	require.Error(t, err)
}

func TestLocalEntryOffset(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(0), LocalEntryOffset(0))
	require.Equal(t, uint64(0), LocalEntryOffset(1<<5))
	require.Equal(t, uint64(4), LocalEntryOffset(2<<5))
	require.Equal(t, uint64(8), LocalEntryOffset(3<<5))
	require.Equal(t, uint64(16), LocalEntryOffset(4<<5))
}

func TestLayoutSectionFor(t *testing.T) {
	t.Parallel()

	l := BuildLayout(elf.ET_DYN, elf.EM_X86_64, 0, []Section{
		{Name: ".text", Index: 14, Addr: 0x1000, Size: 0x500},
		{Name: ".init", Index: 12, Addr: 0x800, Size: 0x20},
		{Name: ".plt", Index: 13, Addr: 0x900, Size: 0x100},
	}, []Segment{
		{Vaddr: 0x0, Memsz: 0x2000, Filesz: 0x2000, Off: 0},
		{Vaddr: 0x3000, Memsz: 0x1000, Filesz: 0x800, Off: 0x2000},
	})

	s, ok := l.SectionFor(0x1004)
	require.True(t, ok)
	require.Equal(t, ".text", s.Name)

	s, ok = l.SectionFor(0x900)
	require.True(t, ok)
	require.Equal(t, ".plt", s.Name)

	_, ok = l.SectionFor(0x820)
	require.False(t, ok)

	s, ok = l.SectionByIndex(12)
	require.True(t, ok)
	require.Equal(t, ".init", s.Name)

	off, ok := l.FileOffset(0x3010)
	require.True(t, ok)
	require.Equal(t, uint64(0x2010), off)

	_, ok = l.FileOffset(0x3900)
	require.False(t, ok, "bss has no file offset")
}

func TestNewLayoutOfTestBinary(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)

	f, err := Open(exe)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.Close()) })

	l := NewLayout(f.File)
	text, ok := l.SectionByName(".text")
	require.True(t, ok)

	s, ok := l.SectionFor(text.Addr + 1)
	require.True(t, ok)
	require.Equal(t, ".text", s.Name)

	off, ok := l.FileOffset(text.Addr)
	require.True(t, ok)
	require.Equal(t, f.Section(".text").Offset, off)
	require.Zero(t, l.Bias%pageSize)
}

func TestParseNotes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	note := func(name string, typ uint32, desc []byte) {
		n := append([]byte(name), 0)
		binary.Write(&buf, binary.LittleEndian, uint32(len(n)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
		binary.Write(&buf, binary.LittleEndian, typ)
		buf.Write(n)
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
		buf.Write(desc)
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}
	note("GNU", NoteTypeGNUBuildID, []byte{0xde, 0xad, 0xbe, 0xef})
	note("Go", NoteTypeGoBuildID, []byte("abc"))

	notes, err := ParseNotes(&buf, 4, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, []ElfNote{
		{Name: "GNU", Type: NoteTypeGNUBuildID, Desc: []byte{0xde, 0xad, 0xbe, 0xef}},
		{Name: "Go", Type: NoteTypeGoBuildID, Desc: []byte("abc")},
	}, notes)
}

func TestIsELF(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	require.NoError(t, err)
	ok, err := IsELF(exe)
	require.NoError(t, err)
	require.True(t, ok)

	p := filepath.Join(t.TempDir(), "text")
	require.NoError(t, os.WriteFile(p, []byte("hi"), 0o600))
	ok, err = IsELF(p)
	require.NoError(t, err)
	require.False(t, ok)
}
