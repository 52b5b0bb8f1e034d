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

// Package probespec parses probe point patterns such as
//
//	kernel.function("vfs_*@fs/*.c").return
//	process("/usr/bin/app").statement("main@app.c:42")
//	module("ext4").function("ext4_file_open").callees(2)
package probespec

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrSyntax is wrapped by every error returned for a malformed pattern.
var ErrSyntax = errors.New("probe point syntax error")

func syntaxErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

// MaxCallees bounds the depth of .callees(N).
const MaxCallees = 32

type LineType int

const (
	LineNone LineType = iota
	LineAbsolute
	LineRelative
	LineEnumerated
	LineWildcard
)

func (t LineType) String() string {
	switch t {
	case LineNone:
		return "none"
	case LineAbsolute:
		return "absolute"
	case LineRelative:
		return "relative"
	case LineEnumerated:
		return "enumerated"
	case LineWildcard:
		return "wildcard"
	}
	return fmt.Sprintf("LineType(%d)", int(t))
}

// SpecType tells which of the file and line suffixes were given.
type SpecType int

const (
	SpecAlone SpecType = iota
	SpecFileOnly
	SpecFileAndLine
)

func (t SpecType) String() string {
	switch t {
	case SpecAlone:
		return "alone"
	case SpecFileOnly:
		return "file-only"
	case SpecFileAndLine:
		return "file-and-line"
	}
	return fmt.Sprintf("SpecType(%d)", int(t))
}

// LineSpec is a parsed line suffix. Absolute lines are stored as [N, N],
// relative ones as [N], enumerated ones sorted ascending.
type LineSpec struct {
	Type  LineType
	Lines []int
	raw   string
}

func (l LineSpec) String() string {
	return l.raw
}

// Matches reports whether line satisfies the line spec. declLine is the declared
// line of the enclosing function, which relative lines are counted from.
func (l LineSpec) Matches(line, declLine int) bool {
	switch l.Type {
	case LineWildcard:
		return true
	case LineAbsolute:
		return line >= l.Lines[0] && line <= l.Lines[1]
	case LineRelative:
		return line == declLine+l.Lines[0]
	case LineEnumerated:
		i := sort.SearchInts(l.Lines, line)
		return i < len(l.Lines) && l.Lines[i] == line
	}
	return false
}

// Targets returns the concrete line numbers asked for, nil for wildcards.
func (l LineSpec) Targets(declLine int) []int {
	switch l.Type {
	case LineAbsolute:
		out := make([]int, 0, l.Lines[1]-l.Lines[0]+1)
		for n := l.Lines[0]; n <= l.Lines[1]; n++ {
			out = append(out, n)
		}
		return out
	case LineRelative:
		return []int{declLine + l.Lines[0]}
	case LineEnumerated:
		return append([]int(nil), l.Lines...)
	}
	return nil
}

// ParseLine classifies and parses the token after the last ':'.
func ParseLine(tok string) (LineSpec, error) {
	l := LineSpec{raw: tok}
	switch {
	case tok == "":
		return l, syntaxErrorf("empty line number")
	case strings.HasPrefix(tok, "+"):
		n, err := parseLineNumber(tok[1:], true)
		if err != nil {
			return l, err
		}
		l.Type = LineRelative
		l.Lines = []int{n}
	case tok == "*":
		l.Type = LineWildcard
	case strings.ContainsAny(tok, ",-"):
		l.Type = LineEnumerated
		for _, part := range strings.Split(tok, ",") {
			lo, hi, found := strings.Cut(part, "-")
			from, err := parseLineNumber(lo, false)
			if err != nil {
				return l, err
			}
			to := from
			if found {
				if to, err = parseLineNumber(hi, false); err != nil {
					return l, err
				}
				if to < from {
					return l, syntaxErrorf("line range %q is reversed", part)
				}
			}
			if to-from >= maxEnumeratedLines-len(l.Lines) {
				return l, syntaxErrorf("line range %q enumerates more than %d lines", tok, maxEnumeratedLines)
			}
			for n := from; n <= to; n++ {
				l.Lines = append(l.Lines, n)
			}
		}
		sort.Ints(l.Lines)
	default:
		n, err := parseLineNumber(tok, false)
		if err != nil {
			return l, err
		}
		l.Type = LineAbsolute
		l.Lines = []int{n, n}
	}
	return l, nil
}

// maxEnumeratedLines bounds the lines an enumerated line spec expands to.
const maxEnumeratedLines = 1 << 16

func parseLineNumber(s string, allowZero bool) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > math.MaxInt32 || (n == 0 && !allowZero) {
		return 0, syntaxErrorf("invalid line number %q", s)
	}
	return n, nil
}

// FunctionSpec is the string form of a function or statement selector:
// [scope::...::]name[@file][:line].
type FunctionSpec struct {
	Raw      string
	Scopes   []string
	Function string
	File     string
	Line     LineSpec
	Type     SpecType
}

// ParseFunction parses a function selector string.
func ParseFunction(s string) (FunctionSpec, error) {
	fs := FunctionSpec{Raw: s}

	name, rest, hasFile := strings.Cut(s, "@")
	if hasFile {
		file, line, hasLine := cutLast(rest, ':')
		if file == "" {
			return fs, syntaxErrorf("empty file name in %q", s)
		}
		fs.File = file
		fs.Type = SpecFileOnly
		if hasLine {
			l, err := ParseLine(line)
			if err != nil {
				return fs, fmt.Errorf("%q: %w", s, err)
			}
			fs.Line = l
			fs.Type = SpecFileAndLine
		}
	}

	parts := strings.Split(name, "::")
	fs.Function = parts[len(parts)-1]
	for _, scope := range parts[:len(parts)-1] {
		if scope == "" {
			return fs, syntaxErrorf("empty scope in %q", s)
		}
	}
	if len(parts) > 1 {
		fs.Scopes = parts[:len(parts)-1]
	}
	if fs.Function == "" {
		return fs, syntaxErrorf("empty function name in %q", s)
	}
	if strings.Contains(fs.Function, ":") {
		return fs, syntaxErrorf("line number without file in %q", s)
	}
	for _, p := range append([]string{fs.Function, fs.File}, fs.Scopes...) {
		if hasWildcard(p) {
			if _, err := compileGlob(p); err != nil {
				return fs, syntaxErrorf("bad pattern %q: %v", p, err)
			}
		}
	}
	return fs, nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// HasWildcard reports whether the function name is a pattern.
func (f FunctionSpec) HasWildcard() bool {
	return hasWildcard(f.Function)
}

// Mangled reports whether the function name is an Itanium C++ symbol.
func (f FunctionSpec) Mangled() bool {
	return strings.HasPrefix(f.Function, "_Z")
}

// FastPath reports whether the function can be looked up by name in an
// index: a plain, unqualified, unmangled name.
func (f FunctionSpec) FastPath() bool {
	return !f.HasWildcard() && !f.Mangled() && f.Type == SpecAlone && len(f.Scopes) == 0
}

// FullySpecified reports whether the selector names one function in one file
// at one line.
func (f FunctionSpec) FullySpecified() bool {
	return !f.HasWildcard() && f.File != "" && !hasWildcard(f.File) && f.Line.Type == LineAbsolute && f.Line.Lines[0] == f.Line.Lines[1]
}

func (f FunctionSpec) String() string {
	var b strings.Builder
	for _, s := range f.Scopes {
		b.WriteString(s)
		b.WriteString("::")
	}
	b.WriteString(f.Function)
	if f.File != "" {
		b.WriteString("@")
		b.WriteString(f.File)
	}
	if f.Type == SpecFileAndLine {
		b.WriteString(":")
		b.WriteString(f.Line.String())
	}
	return b.String()
}
