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
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-probe/pkg/testutil"
)

func openSelf(t *testing.T) (string, *elf.File) {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return exe, f
}

func TestFromELF(t *testing.T) {
	t.Parallel()

	exe, f := openSelf(t)

	id, err := FromELF(f)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = hex.DecodeString(id)
	require.NoError(t, err)

	fromPath, err := FromPath(exe)
	require.NoError(t, err)
	require.Equal(t, id, fromPath)
}

func openELF(t *testing.T, path string) *elf.File {
	t.Helper()

	f, err := elf.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFromELFPrefersGNUNote(t *testing.T) {
	t.Parallel()

	f := openELF(t, testutil.BuildC(t, testutil.CProgram, "-Wl,--build-id=sha1"))
	gnu, err := fastGNU(f)
	require.NoError(t, err)
	require.Len(t, gnu, 20)

	id, err := FromELF(f)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(gnu), id)
}

func TestFastGo(t *testing.T) {
	t.Parallel()

	f := openELF(t, testutil.BuildGo(t, testutil.GoProgram))
	require.NotNil(t, f.Section(".note.go.buildid"))

	id, err := fastGo(f)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = fastGNU(f)
	require.Error(t, err)
	fromELF, err := FromELF(f)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(id), fromELF)
}

func TestEqual(t *testing.T) {
	t.Parallel()

	require.True(t, Equal("ABCdef", "abcDEF"))
	require.False(t, Equal("abc", "abd"))
}
