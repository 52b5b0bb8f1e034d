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

package lines

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/probespec"
)

// Rows of a function declared at app.c:40.
var rows = []dwarfinfo.LineRow{
	{Address: 0x1000, File: "/src/app.c", Line: 40, IsStmt: true},
	{Address: 0x1004, File: "/src/app.c", Line: 41, IsStmt: true},
	{Address: 0x1008, File: "/src/app.c", Line: 41, IsStmt: true},
	{Address: 0x1010, File: "/src/app.c", Line: 42, IsStmt: true},
	{Address: 0x1014, File: "/src/app.c", Line: 42, IsStmt: false},
	{Address: 0x1018, File: "/src/util.h", Line: 7, IsStmt: true},
	{Address: 0x1020, File: "/src/app.c", Line: 45, IsStmt: true},
	{Address: 0x1028, File: "/src/app.c", Line: 42, IsStmt: true},
}

func line(t *testing.T, tok string) probespec.LineSpec {
	t.Helper()

	l, err := probespec.ParseLine(tok)
	require.NoError(t, err)
	return l
}

func TestResolve(t *testing.T) {
	t.Parallel()

	appC, err := probespec.NewFileMatcher("app.c")
	require.NoError(t, err)

	tests := []struct {
		name    string
		tok     string
		file    *probespec.FileMatcher
		nearest bool
		want    []uint64
	}{
		{name: "absolute", tok: "42", want: []uint64{0x1010, 0x1028}},
		{name: "run start only", tok: "41", want: []uint64{0x1004}},
		{name: "relative", tok: "+5", want: []uint64{0x1020}},
		{name: "enumerated", tok: "40-41,45", want: []uint64{0x1000, 0x1004, 0x1020}},
		{name: "wildcard", tok: "*", want: []uint64{0x1000, 0x1004, 0x1010, 0x1018, 0x1020, 0x1028}},
		{name: "wildcard in file", tok: "*", file: appC, want: []uint64{0x1000, 0x1004, 0x1010, 0x1020, 0x1028}},
		{name: "missing line", tok: "44", want: nil},
		{name: "nearest", tok: "44", nearest: true, want: []uint64{0x1020}},
		{name: "nearest earlier", tok: "43", file: appC, nearest: true, want: []uint64{0x1010, 0x1028}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Resolve(rows, 40, line(t, tt.tok), tt.file, tt.nearest)
			var addrs []uint64
			for _, m := range got {
				addrs = append(addrs, m.Addr)
			}
			require.Equal(t, tt.want, addrs)
		})
	}
}

func TestNearest(t *testing.T) {
	t.Parallel()

	lines := []int{10, 14, 20}
	for target, want := range map[int]int{1: 10, 10: 10, 11: 10, 12: 14, 17: 20, 16: 14, 99: 20} {
		got, ok := Nearest(lines, target)
		require.True(t, ok)
		require.Equal(t, want, got, "target %d", target)
	}
	_, ok := Nearest(nil, 3)
	require.False(t, ok)
}
