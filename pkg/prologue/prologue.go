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

// Package prologue finds where a function's prologue ends, so that probes on
// its entry see parameters in their final locations.
package prologue

import (
	"fmt"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/probespec"
)

// Policy decides when entry probes are moved past the prologue.
type Policy int

const (
	// PolicyAuto skips the prologue of user space functions whose parameter
	// locations aren't tracked through it.
	PolicyAuto Policy = iota
	PolicyAlways
	PolicyNever
)

func (p Policy) String() string {
	switch p {
	case PolicyAlways:
		return "always"
	case PolicyNever:
		return "never"
	}
	return "auto"
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "auto":
		return PolicyAuto, nil
	case "always":
		return PolicyAlways, nil
	case "never":
		return PolicyNever, nil
	}
	return PolicyAuto, fmt.Errorf("unknown prologue policy %q", s)
}

// Applies reports whether the entry probe of fn in a target of kind must be
// placed after the prologue.
func (p Policy) Applies(kind probespec.TargetKind, fn *dwarfinfo.Function) bool {
	switch p {
	case PolicyAlways:
		return true
	case PolicyNever:
		return false
	}
	return kind.User() && fn != nil && fn.HasParams && !fn.ParamsLocLists
}

// End returns the address of the first row after entry whose line differs
// from the line entry belongs to. rows must be sorted by address and lie in
// the function. It returns false when there is no such row.
func End(rows []dwarfinfo.LineRow, entry uint64) (uint64, bool) {
	entryLine := -1
	for _, r := range rows {
		if r.Address > entry {
			break
		}
		entryLine = r.Line
	}
	if entryLine < 0 {
		return 0, false
	}
	for _, r := range rows {
		if r.Address <= entry || r.EndSequence || r.Line == 0 {
			continue
		}
		if r.Line != entryLine {
			return r.Address, true
		}
	}
	return 0, false
}
