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

package prologue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/probespec"
)

func TestEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rows  []dwarfinfo.LineRow
		entry uint64
		want  uint64
		ok    bool
	}{
		{
			name: "second line",
			rows: []dwarfinfo.LineRow{
				{Address: 0x100, Line: 10},
				{Address: 0x104, Line: 10},
				{Address: 0x10c, Line: 11},
			},
			entry: 0x100,
			want:  0x10c,
			ok:    true,
		},
		{
			name: "entry inside a row",
			rows: []dwarfinfo.LineRow{
				{Address: 0x100, Line: 10},
				{Address: 0x110, Line: 12},
			},
			entry: 0x108,
			want:  0x110,
			ok:    true,
		},
		{
			name: "single line function",
			rows: []dwarfinfo.LineRow{
				{Address: 0x100, Line: 10},
				{Address: 0x108, Line: 10},
			},
			entry: 0x100,
		},
		{
			name:  "no rows before entry",
			rows:  []dwarfinfo.LineRow{{Address: 0x200, Line: 3}},
			entry: 0x100,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := End(tt.rows, tt.entry)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	tracked := &dwarfinfo.Function{HasParams: true, ParamsLocLists: true}
	untracked := &dwarfinfo.Function{HasParams: true}
	noParams := &dwarfinfo.Function{}

	require.True(t, PolicyAuto.Applies(probespec.TargetProcess, untracked))
	require.True(t, PolicyAuto.Applies(probespec.TargetLibrary, untracked))
	require.False(t, PolicyAuto.Applies(probespec.TargetProcess, tracked))
	require.False(t, PolicyAuto.Applies(probespec.TargetProcess, noParams))
	require.False(t, PolicyAuto.Applies(probespec.TargetKernel, untracked))
	require.True(t, PolicyAlways.Applies(probespec.TargetKernel, tracked))
	require.False(t, PolicyNever.Applies(probespec.TargetProcess, untracked))

	for _, s := range []string{"auto", "always", "never"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		require.Equal(t, s, p.String())
	}
	_, err := ParsePolicy("sometimes")
	require.Error(t, err)
}
