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

// Package lines maps line suffixes of probe points to addresses using the
// line table of a function.
package lines

import (
	"sort"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/probespec"
)

// Match is an address a requested line resolved to.
type Match struct {
	Addr uint64
	File string
	Line int
}

// Starts returns the statement rows that begin a run of rows for one line,
// in address order. Only the first address of each run is a place where the
// line's code starts.
func Starts(rows []dwarfinfo.LineRow) []dwarfinfo.LineRow {
	var out []dwarfinfo.LineRow
	prev := -1
	prevFile := ""
	for _, r := range rows {
		if !r.IsStmt || r.Line == 0 {
			continue
		}
		if r.Line == prev && r.File == prevFile {
			continue
		}
		prev, prevFile = r.Line, r.File
		out = append(out, r)
	}
	return out
}

// Resolve returns the addresses of fn's rows whose line satisfies spec.
// rows must be the rows inside fn's ranges. file restricts the rows to the
// matching source files and may be nil. With nearest set, a target line
// without rows falls back to the closest line that has some.
func Resolve(rows []dwarfinfo.LineRow, declLine int, spec probespec.LineSpec, file *probespec.FileMatcher, nearest bool) []Match {
	var starts []dwarfinfo.LineRow
	for _, r := range Starts(rows) {
		if file == nil || file.Match(r.File) {
			starts = append(starts, r)
		}
	}
	if len(starts) == 0 {
		return nil
	}

	if spec.Type == probespec.LineWildcard {
		out := make([]Match, 0, len(starts))
		for _, r := range starts {
			out = append(out, Match{Addr: r.Address, File: r.File, Line: r.Line})
		}
		return out
	}

	byLine := map[int][]dwarfinfo.LineRow{}
	for _, r := range starts {
		byLine[r.Line] = append(byLine[r.Line], r)
	}
	available := make([]int, 0, len(byLine))
	for l := range byLine {
		available = append(available, l)
	}
	sort.Ints(available)

	seen := map[uint64]struct{}{}
	var out []Match
	for _, target := range spec.Targets(declLine) {
		line := target
		if _, ok := byLine[line]; !ok {
			if !nearest {
				continue
			}
			n, ok := Nearest(available, target)
			if !ok {
				continue
			}
			line = n
		}
		for _, r := range byLine[line] {
			if _, ok := seen[r.Address]; ok {
				continue
			}
			seen[r.Address] = struct{}{}
			out = append(out, Match{Addr: r.Address, File: r.File, Line: r.Line})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Nearest returns the line of sorted lines closest to target. Ties go to
// the later line, since code for a line without rows usually belongs to
// the statement that follows.
func Nearest(lines []int, target int) (int, bool) {
	if len(lines) == 0 {
		return 0, false
	}
	i := sort.SearchInts(lines, target)
	switch {
	case i == len(lines):
		return lines[i-1], true
	case lines[i] == target || i == 0:
		return lines[i], true
	}
	before, after := lines[i-1], lines[i]
	if target-before < after-target {
		return before, true
	}
	return after, true
}
