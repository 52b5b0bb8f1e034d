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

package module

import (
	"context"
	"debug/elf"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/symtab"
	"github.com/parca-dev/parca-probe/pkg/testutil"
)

func staticInfo(t *testing.T, debug dwarfinfo.Source) *Info {
	t.Helper()

	b := symtab.NewBuilder()
	b.AddFunc(symtab.FuncInfo{Name: "main", Addr: 0x1000, Global: true, Section: ".text"})
	return NewInfo(log.NewNopLogger(), "/bin/app", "/bin/app", probespec.TargetProcess, &StaticLoader{
		ModuleLayout: elfreader.BuildLayout(elf.ET_DYN, elf.EM_X86_64, 0, nil, nil),
		Table:        b.Table(),
		Debug:        debug,
		MarkerNames:  []string{"app:start"},
		PLT:          []string{"malloc"},
	})
}

func TestInfoStatuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := staticInfo(t, nil)
	require.Equal(t, StatusUnknown, m.DebugInfoStatus())

	tab, status, err := m.Symtab()
	require.NoError(t, err)
	require.Equal(t, StatusPresent, status)
	require.Len(t, tab.LookupByName("main"), 1)

	_, status, err = m.DebugInfo(ctx)
	require.Error(t, err)
	require.Equal(t, StatusAbsent, status)
	require.Equal(t, StatusAbsent, m.DebugInfoStatus())

	require.Equal(t, []string{"app:start"}, m.Markers())
	require.Equal(t, []string{"malloc"}, m.PLTNames())

	require.NoError(t, m.Close())
	_, _, err = m.Symtab()
	require.ErrorIs(t, err, ErrClosed)
}

func TestInfoDebugInfoRetriedAfterCancel(t *testing.T) {
	t.Parallel()

	src := dwarfinfo.NewStaticSource(&dwarfinfo.Unit{Functions: []*dwarfinfo.Function{
		{Offset: 1, Name: "main", Ranges: [][2]uint64{{0x1000, 0x1010}}},
		{Offset: 2, Name: "helper", Inline: true},
	}})
	m := staticInfo(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, status, err := m.DebugInfo(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusUnknown, status)

	ctx = context.Background()
	got, status, err := m.DebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPresent, status)
	require.Same(t, src, got)

	index, err := m.FunctionIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{0}, index["main"])

	inlined, err := m.InlinedNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"helper"}, inlined)
}

func TestCacheCreatesOnce(t *testing.T) {
	t.Parallel()

	c := NewCache(log.NewNopLogger(), prometheus.NewRegistry())
	created := 0
	create := func() *Info {
		created++
		return staticInfo(t, nil)
	}
	first := c.Get("process:/bin/app", create)
	second := c.Get("process:/bin/app", create)
	require.Same(t, first, second)
	require.Equal(t, 1, created)
	require.Equal(t, []string{"process:/bin/app"}, c.Keys())

	require.NoError(t, c.Close())
	require.Zero(t, c.Len())
	_, _, err := first.Symtab()
	require.ErrorIs(t, err, ErrClosed)
}

func testMachine(t *testing.T) elf.Machine {
	t.Helper()

	m, err := elfreader.MachineForArch(runtime.GOARCH)
	require.NoError(t, err)
	return m
}

func newTestIterator(t *testing.T, opts Options) (*Iterator, *Cache) {
	t.Helper()

	c := NewCache(log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { c.Close() })
	return NewIterator(log.NewNopLogger(), prometheus.NewRegistry(), c, opts), c
}

func collect(t *testing.T, it *Iterator, target probespec.Target, diag *diagnostics.Collector) []*Info {
	t.Helper()

	var got []*Info
	err := it.Each(context.Background(), target, diag, target.String(), func(m *Info) bool {
		got = append(got, m)
		return true
	})
	require.NoError(t, err)
	return got
}

func TestIteratorKernelModules(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exe := testutil.Executable(t)
	const release = "6.1.0-test"
	testutil.CopyFile(t, exe, root, filepath.Join("lib/modules", release, "kernel/fs/foo-bar.ko"))
	testutil.CopyFile(t, exe, root, filepath.Join("lib/modules", release, "kernel/fs/baz.ko"))

	it, _ := newTestIterator(t, Options{Sysroot: root, KernelRelease: release, Machine: testMachine(t)})
	diag := diagnostics.NewCollector(nil)

	got := collect(t, it, probespec.Target{Kind: probespec.TargetKernelModule, Module: "*"}, diag)
	require.Len(t, got, 2)
	require.Equal(t, "baz", got[0].Name)
	require.Equal(t, "foo_bar", got[1].Name)
	require.Equal(t, probespec.TargetKernelModule, got[1].Kind)

	got = collect(t, it, probespec.Target{Kind: probespec.TargetKernelModule, Module: "foo-bar"}, diag)
	require.Len(t, got, 1)
	require.Zero(t, diag.Len())
}

func TestIteratorArchMismatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exe := testutil.Executable(t)
	testutil.CopyFile(t, exe, root, "usr/bin/app")

	other := elf.EM_S390
	if testMachine(t) == elf.EM_S390 {
		other = elf.EM_X86_64
	}
	it, _ := newTestIterator(t, Options{Sysroot: root, Machine: other})
	diag := diagnostics.NewCollector(nil)

	got := collect(t, it, probespec.Target{Kind: probespec.TargetProcess, Path: "/usr/bin/app"}, diag)
	require.Empty(t, got)
	require.Equal(t, 1, diag.Count(diagnostics.CategoryArchMismatch))
}

func TestIteratorProcessPaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exe := testutil.Executable(t)
	testutil.CopyFile(t, exe, root, "usr/bin/app")
	testutil.CopyFile(t, exe, root, "usr/bin/apt")
	testutil.CopyFile(t, exe, root, "usr/local/bin/app")
	testutil.WriteFiles(t, root, map[string][]byte{"usr/bin/app.sh": []byte("#!/bin/sh\n")})

	it, _ := newTestIterator(t, Options{Sysroot: root, Machine: testMachine(t)})
	diag := diagnostics.NewCollector(nil)

	tests := []struct {
		pattern string
		want    []string
	}{
		{"/usr/bin/app", []string{"/usr/bin/app"}},
		{"/usr/bin/ap*", []string{"/usr/bin/app", "/usr/bin/apt"}},
		{"/usr/*/app", []string{"/usr/bin/app"}},
		{"/usr/**/app", []string{"/usr/bin/app", "/usr/local/bin/app"}},
	}
	for _, tt := range tests {
		got := collect(t, it, probespec.Target{Kind: probespec.TargetProcess, Path: tt.pattern}, diag)
		var names []string
		for _, m := range got {
			names = append(names, m.Name)
			require.Equal(t, filepath.Join(root, m.Name), m.Path)
		}
		require.Equal(t, tt.want, names, tt.pattern)
	}
}

func TestIteratorStops(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	exe := testutil.Executable(t)
	testutil.CopyFile(t, exe, root, "usr/bin/a")
	testutil.CopyFile(t, exe, root, "usr/bin/b")

	it, _ := newTestIterator(t, Options{Sysroot: root, Machine: testMachine(t)})
	target := probespec.Target{Kind: probespec.TargetProcess, Path: "/usr/bin/*"}

	visits := 0
	err := it.Each(context.Background(), target, diagnostics.NewCollector(nil), "", func(*Info) bool {
		visits++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, visits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = it.Each(ctx, target, diagnostics.NewCollector(nil), "", func(*Info) bool { return true })
	require.ErrorIs(t, err, context.Canceled)
}

func TestIteratorKernelImage(t *testing.T) {
	t.Parallel()

	it, c := newTestIterator(t, Options{KernelImage: testutil.Executable(t), Machine: testMachine(t)})
	got := collect(t, it, probespec.Target{Kind: probespec.TargetKernel}, diagnostics.NewCollector(nil))
	require.Len(t, got, 1)
	require.Equal(t, "kernel", got[0].Name)

	tab, status, err := got[0].Symtab()
	require.NoError(t, err)
	require.Equal(t, StatusPresent, status)
	require.Positive(t, tab.Len())

	again := collect(t, it, probespec.Target{Kind: probespec.TargetKernel}, diagnostics.NewCollector(nil))
	require.Same(t, got[0], again[0])
	require.Equal(t, 1, c.Len())
}
