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

package dwarfinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeInheritsFromOriginAndSpecification(t *testing.T) {
	t.Parallel()

	decl := &Function{Offset: 0x10, Name: "push", Scope: []string{"ns", "Stack"}, DeclFile: "stack.h", DeclLine: 12, Declaration: true, External: true}
	def := &Function{Offset: 0x20, Specification: 0x10, Ranges: [][2]uint64{{0x1000, 0x1040}}}
	abstract := &Function{Offset: 0x30, Name: "helper", DeclFile: "util.h", DeclLine: 3, Inline: true}
	concrete := &Function{Offset: 0x40, Origin: 0x30, Ranges: [][2]uint64{{0x2000, 0x2010}}}

	u := &Unit{Functions: []*Function{decl, def, abstract, concrete}}
	u.InlineSites = []*InlineSite{
		{Origin: 0x30, Ranges: [][2]uint64{{0x1010, 0x1018}}, Caller: def},
		{Origin: 0x30, Ranges: [][2]uint64{{0x1020, 0x1028}}, EntryPC: 0x1022, Caller: def},
	}
	u.Finalize()

	require.Equal(t, "push", def.Name)
	require.Equal(t, "ns::Stack::push", def.QualifiedName())
	require.Equal(t, "stack.h", def.DeclFile)
	require.Equal(t, 12, def.DeclLine)
	require.True(t, def.External)
	require.Equal(t, uint64(0x1000), def.EntryPC)

	require.Equal(t, "helper", concrete.Name)
	require.False(t, concrete.Inline)

	require.Len(t, abstract.Instances, 2)
	require.Equal(t, uint64(0x1010), abstract.Instances[0].EntryPC)
	require.Equal(t, uint64(0x1022), abstract.Instances[1].EntryPC)

	got, ok := u.FunctionAt(0x20)
	require.True(t, ok)
	require.Same(t, def, got)
	require.Same(t, u, def.Unit)
}

func TestFinalizeResolvesCallees(t *testing.T) {
	t.Parallel()

	callee := &Function{Offset: 0x50, Name: "do_work", Ranges: [][2]uint64{{0x3000, 0x3100}}}
	caller := &Function{
		Offset:    0x60,
		Name:      "main",
		Ranges:    [][2]uint64{{0x4000, 0x4100}},
		CallSites: []CallSite{{Origin: 0x50, ReturnPC: 0x4010}, {Origin: 0x999, ReturnPC: 0x4020}},
	}
	u := &Unit{Functions: []*Function{callee, caller}}
	u.Finalize()

	require.Equal(t, "do_work", caller.CallSites[0].Callee)
	require.Empty(t, caller.CallSites[1].Callee)
}

func TestRowsIn(t *testing.T) {
	t.Parallel()

	u := &Unit{Lines: []LineRow{
		{Address: 0x1010, Line: 11, IsStmt: true},
		{Address: 0x1000, Line: 10, IsStmt: true},
		{Address: 0x1020, Line: 12, IsStmt: true},
		{Address: 0x1030, EndSequence: true},
		{Address: 0x2000, Line: 40, IsStmt: true},
		{Address: 0x2008, Line: 41, IsStmt: true},
	}}
	u.Finalize()

	rows := u.RowsIn([][2]uint64{{0x2000, 0x2004}, {0x1008, 0x1040}})
	require.Equal(t, []LineRow{
		{Address: 0x1010, Line: 11, IsStmt: true},
		{Address: 0x1020, Line: 12, IsStmt: true},
		{Address: 0x2000, Line: 40, IsStmt: true},
	}, rows)
}

func TestFunctionContainsPC(t *testing.T) {
	t.Parallel()

	f := &Function{Ranges: [][2]uint64{{0x10, 0x20}, {0x40, 0x50}}}
	require.True(t, f.ContainsPC(0x10))
	require.False(t, f.ContainsPC(0x20))
	require.True(t, f.ContainsPC(0x4f))
	require.False(t, f.ContainsPC(0x30))
}

func TestStaticSourceIndex(t *testing.T) {
	t.Parallel()

	s := NewStaticSource(
		&Unit{Functions: []*Function{{Offset: 1, Name: "a"}, {Offset: 2, Name: "b", LinkageName: "_Z1bv"}}},
		&Unit{Functions: []*Function{{Offset: 3, Name: "a"}}},
	)
	index, err := s.FunctionIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, index["a"])
	require.Equal(t, []int{0}, index["_Z1bv"])
	require.Equal(t, 2, s.NumUnits())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Unit(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}
