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

package buildid

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/parca-dev/parca-probe/pkg/elfreader"
)

var errNoBuildID = errors.New("failed to find build id")

// FromPath opens the object at path and returns its build ID.
func FromPath(path string) (string, error) {
	f, err := elfreader.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return FromELF(f.File)
}

// FromELF returns the hex encoded build ID of ef. The GNU build ID note is
// preferred, Go binaries without one use their Go build ID, and as a last
// resort the .text section is hashed.
func FromELF(ef *elf.File) (string, error) {
	if id, err := fastGNU(ef); err == nil && len(id) > 0 {
		return hex.EncodeToString(id), nil
	}
	if ef.Section(".note.go.buildid") != nil {
		if id, err := fastGo(ef); err == nil && len(id) > 0 {
			return hex.EncodeToString(id), nil
		}
	}

	b, err := slowGNU(ef)
	if err != nil && !errors.Is(err, errNoBuildID) {
		return "", fmt.Errorf("get elf build id: %w", err)
	}
	if b != nil {
		return hex.EncodeToString(b), nil
	}

	text := ef.Section(".text")
	if text == nil {
		return "", errors.New("could not find .text section")
	}
	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares build IDs ignoring case.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

func finder(name string, typ uint32) func([]elfreader.ElfNote) ([]byte, error) {
	return func(notes []elfreader.ElfNote) ([]byte, error) {
		var buildID []byte
		for _, note := range notes {
			if note.Name != name || note.Type != typ {
				continue
			}
			if buildID != nil {
				return nil, fmt.Errorf("multiple build ids found, don't know which to use")
			}
			buildID = note.Desc
		}
		return buildID, nil
	}
}

var (
	findGNU = finder("GNU", elfreader.NoteTypeGNUBuildID)
	findGo  = finder("Go", elfreader.NoteTypeGoBuildID)
)

func fastGNU(f *elf.File) ([]byte, error) {
	return findInSection(f, ".note.gnu.build-id", findGNU)
}

func fastGo(f *elf.File) ([]byte, error) {
	return findInSection(f, ".note.go.buildid", findGo)
}

func findInSection(f *elf.File, section string, find func([]elfreader.ElfNote) ([]byte, error)) ([]byte, error) {
	s := f.Section(section)
	if s == nil {
		return nil, fmt.Errorf("failed to find %s section", section)
	}
	notes, err := elfreader.ParseNotes(s.Open(), int(s.Addralign), f.ByteOrder)
	if err != nil {
		return nil, err
	}
	if b, err := find(notes); b != nil || err != nil {
		return b, err
	}
	return nil, errNoBuildID
}

// slowGNU searches every note segment and section for a GNU build ID.
func slowGNU(ef *elf.File) ([]byte, error) {
	for _, p := range ef.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		notes, err := elfreader.ParseNotes(p.Open(), int(p.Align), ef.ByteOrder)
		if err != nil {
			return nil, err
		}
		if b, err := findGNU(notes); b != nil || err != nil {
			return b, err
		}
	}
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		notes, err := elfreader.ParseNotes(s.Open(), int(s.Addralign), ef.ByteOrder)
		if err != nil {
			return nil, err
		}
		if b, err := findGNU(notes); b != nil || err != nil {
			return b, err
		}
	}
	return nil, errNoBuildID
}
