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

// Package debuginfo finds separate debug information files.
package debuginfo

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-probe/pkg/cache"
)

var ErrNotFound = errors.New("separate debug file not found")

type realfs struct{}

func (f *realfs) Open(name string) (fs.File, error) { return os.Open(name) }

// DefaultDebugDirs are the global debug directories searched by default.
var DefaultDebugDirs = []string{"/usr/lib/debug"}

type result struct {
	path string
	err  error
}

// Finder finds the separate debug information files on the system.
type Finder struct {
	logger log.Logger
	fs     fs.FS

	cache     *cache.LRU[string, result]
	debugDirs []string
}

// NewFinder creates a new Finder searching debugDirs, DefaultDebugDirs if
// empty.
func NewFinder(logger log.Logger, reg prometheus.Registerer, debugDirs []string) (*Finder, error) {
	return newFinder(logger, reg, debugDirs, &realfs{})
}

func newFinder(logger log.Logger, reg prometheus.Registerer, debugDirs []string, fsys fs.FS) (*Finder, error) {
	if len(debugDirs) == 0 {
		debugDirs = DefaultDebugDirs
	}
	c, err := cache.NewLRU[string, result](reg, "debuginfo_finder", 128, nil)
	if err != nil {
		return nil, err
	}
	return &Finder{
		logger:    log.With(logger, "component", "finder"),
		fs:        fsys,
		cache:     c,
		debugDirs: debugDirs,
	}, nil
}

// Close releases the lookup cache.
func (f *Finder) Close() error {
	return f.cache.Close()
}

// Find finds the separate debug file of the object at path. root is the
// file system root the object was found in, "/" or a sysroot.
func (f *Finder) Find(ctx context.Context, root, path, buildID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := root + "\x00" + path + "\x00" + buildID
	if r, ok := f.cache.Get(key); ok {
		return r.path, r.err
	}

	file, err := f.find(root, buildID, path)
	f.cache.Add(key, result{path: file, err: err})
	return file, err
}

// FindByBuildID finds a file with the given build id in the .build-id tree
// of the debug directories. With debug set it looks for the separate debug
// file, otherwise for the link to the object itself.
func (f *Finder) FindByBuildID(ctx context.Context, root, buildID string, debug bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(buildID) < 2 {
		return "", errors.New("invalid build ID")
	}
	ext := ""
	if debug {
		ext = ".debug"
	}
	for _, dir := range f.debugDirs {
		file := filepath.Join(root, dir, ".build-id", buildID[:2], buildID[2:]) + ext
		if f.exists(file) {
			return file, nil
		}
	}
	return "", fmt.Errorf("build id %s: %w", buildID, ErrNotFound)
}

func (f *Finder) exists(file string) bool {
	_, err := fs.Stat(f.fs, file)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		level.Warn(f.logger).Log("msg", "failed to search separate debug file", "path", file, "err", err)
	}
	return false
}

func (f *Finder) find(root, buildID, path string) (string, error) {
	// The separate debug file is named by the .gnu_debuglink section, if any,
	// and looked up next to the object, in its .debug directory and below
	// the global debug directories. The build id names it directly.
	// https://sourceware.org/gdb/onlinedocs/gdb/Separate-Debug-Files.html
	base, crc, err := readDebuglink(path)
	if err != nil {
		level.Debug(f.logger).Log("msg", "readDebuglink", "path", path, "err", err)
	}

	var found string
	for _, file := range f.generatePaths(root, buildID, path, base) {
		if f.exists(file) {
			level.Debug(f.logger).Log("msg", "found separate debug file", "path", path, "debugfile", file, "buildID", buildID)
			found = file
			break
		}
	}
	if found == "" {
		return "", ErrNotFound
	}

	if strings.Contains(found, ".build-id") || crc == 0 {
		return found, nil
	}
	match, err := f.checkSum(found, crc)
	if err != nil {
		return "", fmt.Errorf("failed to check checksum: %w", err)
	}
	if !match {
		return "", fmt.Errorf("%s: checksum mismatch: %w", found, ErrNotFound)
	}
	return found, nil
}

func readDebuglink(path string) (string, uint32, error) {
	file, err := elf.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	sec := file.Section(".gnu_debuglink")
	if sec == nil {
		return "", 0, errors.New("section not found")
	}
	d, err := sec.Data()
	if err != nil {
		return "", 0, err
	}
	return parseDebuglink(d, file.ByteOrder)
}

// parseDebuglink decodes a file name, NUL padding to four bytes and a CRC32
// of the debug file.
func parseDebuglink(d []byte, order binary.ByteOrder) (string, uint32, error) {
	i := bytes.IndexByte(d, 0)
	if i <= 0 || len(d) < 4 {
		return "", 0, errors.New("invalid debug link")
	}
	crc := order.Uint32(d[len(d)-4:])
	if crc == 0 {
		return "", 0, errors.New("invalid checksum")
	}
	return string(d[:i]), crc, nil
}

func (f *Finder) generatePaths(root, buildID, path, filename string) []string {
	const dbgExt = ".debug"

	var files []string
	if len(buildID) >= 2 {
		for _, dir := range f.debugDirs {
			files = append(files, filepath.Join(root, dir, ".build-id", buildID[:2], buildID[2:])+dbgExt)
		}
	}

	if len(filename) == 0 {
		filename = filepath.Base(path) + dbgExt
	}
	dir := filepath.Dir(path)
	files = append(files,
		filepath.Join(dir, filename),
		filepath.Join(dir, ".debug", filename),
	)
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return files
	}
	for _, d := range f.debugDirs {
		files = append(files, filepath.Join(root, d, rel, filename))
	}
	return files
}

func (f *Finder) checkSum(path string, crc uint32) (bool, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, file); err != nil {
		return false, err
	}
	return crc == h.Sum32(), nil
}
