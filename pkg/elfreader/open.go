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

package elfreader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/exp/mmap"
)

// File is an ELF object together with the reader backing it.
type File struct {
	*elf.File

	Path   string
	Reader io.ReaderAt

	closer io.Closer
}

// Open maps the object at path into memory. Compressed kernel modules
// (.ko.xz, .ko.zst, .ko.gz) are decompressed into an anonymous buffer.
func Open(path string) (*File, error) {
	if r, ok, err := openCompressed(path); ok {
		if err != nil {
			return nil, err
		}
		return NewFile(path, r, nil)
	}

	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	f, err := NewFile(path, ra, ra)
	if err != nil {
		ra.Close()
		return nil, err
	}
	return f, nil
}

// NewFile parses an ELF object from r. closer, if not nil, is closed
// together with the returned File.
func NewFile(path string, r io.ReaderAt, closer io.Closer) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse elf %s: %w", path, err)
	}
	return &File{File: ef, Path: path, Reader: r, closer: closer}, nil
}

func (f *File) Close() error {
	var err error
	if f.File != nil {
		err = f.File.Close()
	}
	if f.closer != nil {
		err = errors.Join(err, f.closer.Close())
	}
	return err
}

// IsCompressed reports whether path names a compressed object Open knows how
// to read.
func IsCompressed(path string) bool {
	for _, ext := range []string{".xz", ".zst", ".gz"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func openCompressed(path string) (io.ReaderAt, bool, error) {
	if !IsCompressed(path) {
		return nil, false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, true, err
	}
	defer file.Close()

	var r io.Reader
	switch {
	case strings.HasSuffix(path, ".xz"):
		xr, err := xz.NewReader(file)
		if err != nil {
			return nil, true, fmt.Errorf("xz %s: %w", path, err)
		}
		r = xr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, true, fmt.Errorf("zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	default:
		gr, err := gzip.NewReader(file)
		if err != nil {
			return nil, true, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, true, fmt.Errorf("decompress %s: %w", path, err)
	}
	return bytes.NewReader(data), true, nil
}

// IsELF reports whether the file at path starts with the ELF magic.
func IsELF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic[:], []byte(elf.ELFMAG)), nil
}
