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

package ksym

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/symtab"
	"github.com/parca-dev/parca-probe/pkg/testutil"
)

const kallsyms = `ffffffff81000000 T _stext
ffffffff81000000 T _text
ffffffff81001000 T sys_ni_syscall
ffffffff81001000 W sys_vm86
ffffffff81001000 W sys_quotactl
ffffffff81002000 T sys_read
ffffffff81002100 t do_sys_read
ffffffff82000000 D jiffies
ffffffff82000100 b local_state
ffffffffc0001000 t ext4_fill_super	[ext4]
ffffffffc0002000 T ext4_file_open	[ext4]
ffffffffc0003000 t xfs_mount	[xfs]
garbage
`

func newTestKallsyms(content string) *Kallsyms {
	return New(log.NewNopLogger(), testutil.NewFakeFS(map[string][]byte{
		"proc/kallsyms": []byte(content),
	}))
}

func TestKernelTable(t *testing.T) {
	t.Parallel()

	k := newTestKallsyms(kallsyms)
	tab, err := k.Table("")
	require.NoError(t, err)

	fis := tab.LookupByName("sys_read")
	require.Len(t, fis, 1)
	require.Equal(t, uint64(0xffffffff81002000), fis[0].Addr)
	require.True(t, fis[0].Global)

	require.Empty(t, tab.LookupByName("sys_vm86"), "stub aliases are purged")
	require.Empty(t, tab.LookupByName("ext4_file_open"))
	require.Equal(t, uint64(0xffffffff82000000), tab.Globals["jiffies"])
	require.Equal(t, uint64(0xffffffff82000100), tab.Locals["local_state"])

	fi, ok := tab.NearestContaining(0xffffffff81002150)
	require.True(t, ok)
	require.Equal(t, "do_sys_read", fi.Name)
}

func TestModuleTable(t *testing.T) {
	t.Parallel()

	k := newTestKallsyms(kallsyms)
	tab, err := k.Table("ext4")
	require.NoError(t, err)
	require.Equal(t, []string{"ext4_file_open", "ext4_fill_super"}, tab.FunctionNames())

	_, err = k.Table("btrfs")
	require.ErrorIs(t, err, symtab.ErrNoSymbols)

	mods, err := k.Modules()
	require.NoError(t, err)
	require.Equal(t, []string{"ext4", "xfs"}, mods)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	k := newTestKallsyms(kallsyms)
	addr, err := k.Lookup("_stext")
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffff81000000), addr)

	_, err = k.Lookup("ext4_file_open")
	require.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestRestricted(t *testing.T) {
	t.Parallel()

	k := newTestKallsyms("0000000000000000 T _stext\n0000000000000000 T sys_read\n")
	_, err := k.Table("")
	require.ErrorIs(t, err, ErrRestricted)
}
