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

// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fileInfo struct {
	name string
	size int64
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) Mode() fs.FileMode  { return 0o444 }
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return false }
func (i fileInfo) Sys() interface{}   { return nil }

type fakefile struct {
	info    fileInfo
	content io.Reader
}

func (f *fakefile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *fakefile) Read(b []byte) (int, error) { return f.content.Read(b) }
func (f *fakefile) Close() error               { return nil }

type fakefs struct {
	data map[string][]byte
}

func (f *fakefs) Open(name string) (fs.File, error) {
	d, ok := f.data[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fakefile{
		info:    fileInfo{name: path.Base(name), size: int64(len(d))},
		content: bytes.NewReader(d),
	}, nil
}

type errorfs struct{ err error }

func (f *errorfs) Open(name string) (fs.File, error) {
	return nil, f.err
}

// NewFakeFS serves files from memory. Names are used verbatim, rooted or
// not.
func NewFakeFS(files map[string][]byte) fs.FS {
	return &fakefs{files}
}

// NewErrorFS fails every Open with err.
func NewErrorFS(err error) fs.FS {
	return &errorfs{err}
}

// WriteFiles creates files below root, with their parent directories.
func WriteFiles(t testing.TB, root string, files map[string][]byte) {
	t.Helper()

	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
}

// Executable returns the path of the running test binary, a real ELF file
// with symbols and usually DWARF.
func Executable(t testing.TB) string {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// CopyFile copies src to root/name, creating the parent directories.
func CopyFile(t testing.TB, src, root, name string) string {
	t.Helper()

	data, err := os.ReadFile(src)
	require.NoError(t, err)
	dst := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, data, 0o755))
	return dst
}
