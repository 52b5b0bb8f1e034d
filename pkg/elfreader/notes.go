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
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	NoteTypeGNUBuildID = 3
	NoteTypeGoBuildID  = 4
	noteTypeStapSDT    = 3

	stapsdtSection = ".note.stapsdt"
)

// ElfNote is the payload of a single note record.
type ElfNote struct {
	Name string
	Desc []byte
	Type uint32
}

// ParseNotes returns the notes from a SHT_NOTE section or PT_NOTE segment.
func ParseNotes(reader io.Reader, alignment int, order binary.ByteOrder) ([]ElfNote, error) {
	r := bufio.NewReader(reader)
	if alignment <= 0 {
		alignment = 4
	}

	// padding returns the number of bytes required to pad the given size to
	// an alignment boundary.
	padding := func(size int) int {
		return ((size + (alignment - 1)) &^ (alignment - 1)) - size
	}

	var notes []ElfNote
	for {
		noteHeader := make([]byte, 12)
		if _, err := io.ReadFull(r, noteHeader); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		namesz := order.Uint32(noteHeader[0:4])
		descsz := order.Uint32(noteHeader[4:8])
		typ := order.Uint32(noteHeader[8:12])

		if uint64(namesz) > uint64(maxNoteSize) {
			return nil, fmt.Errorf("note name too long (%d bytes)", namesz)
		}
		var name string
		if namesz > 0 {
			// Documentation differs as to whether namesz is meant to include
			// the trailing zero, but everyone agrees that name is
			// null-terminated. So we'll just determine the actual length
			// after the fact.
			var err error
			name, err = r.ReadString('\x00')
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("missing notes name terminator: %w", err)
			} else if err != nil {
				return nil, err
			}
			namesz = uint32(len(name))
			name = name[:len(name)-1]
		}

		// Drop padding bytes until the desc field.
		for n := padding(len(noteHeader) + int(namesz)); n > 0; n-- {
			if _, err := r.ReadByte(); errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("missing desc after note name: %w", err)
			} else if err != nil {
				return nil, err
			}
		}

		if uint64(descsz) > uint64(maxNoteSize) {
			return nil, fmt.Errorf("note desc too long (%d bytes)", descsz)
		}
		desc := make([]byte, int(descsz))
		if _, err := io.ReadFull(r, desc); errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing desc in note: %w", err)
		} else if err != nil {
			return nil, err
		}

		notes = append(notes, ElfNote{Name: name, Type: typ, Desc: desc})

		// Drop padding bytes until the next note or the end of the section,
		// whichever comes first.
		for n := padding(len(desc)); n > 0; n-- {
			if _, err := r.ReadByte(); errors.Is(err, io.EOF) {
				// We hit the end of the section before an alignment boundary.
				// This can happen if this section is at the end of the file
				// or the next section has a smaller alignment requirement.
				break
			} else if err != nil {
				return nil, err
			}
		}
	}
	return notes, nil
}

// maxNoteSize is the maximum size of a note name or descriptor we accept.
const maxNoteSize = 1 << 20

// Marker is a statically defined tracing point recorded in .note.stapsdt.
type Marker struct {
	Provider string
	Name     string
	PC       uint64
}

func (m Marker) String() string {
	return m.Provider + ":" + m.Name
}

// Markers returns the SDT markers of f.
func Markers(f *elf.File) ([]Marker, error) {
	s := f.Section(stapsdtSection)
	if s == nil {
		return nil, nil
	}
	align := int(s.Addralign)
	if align < 4 {
		align = 4
	}
	notes, err := ParseNotes(s.Open(), align, f.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", stapsdtSection, err)
	}

	addrSize := 8
	if f.Class == elf.ELFCLASS32 {
		addrSize = 4
	}
	readAddr := func(b []byte) uint64 {
		if addrSize == 4 {
			return uint64(f.ByteOrder.Uint32(b))
		}
		return f.ByteOrder.Uint64(b)
	}

	var markers []Marker
	for _, n := range notes {
		if n.Name != "stapsdt" || n.Type != noteTypeStapSDT {
			continue
		}
		// pc, link-time base of .stapsdt.base and semaphore address, followed
		// by the NUL terminated provider, name and argument strings.
		if len(n.Desc) < 3*addrSize {
			continue
		}
		pc := readAddr(n.Desc)
		fields := bytes.SplitN(n.Desc[3*addrSize:], []byte{0}, 3)
		if len(fields) < 2 {
			continue
		}
		markers = append(markers, Marker{
			Provider: string(fields[0]),
			Name:     string(fields[1]),
			PC:       pc,
		})
	}
	return markers, nil
}
