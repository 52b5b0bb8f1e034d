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

package probespec

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
)

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func compileGlob(pattern string, separators ...rune) (glob.Glob, error) {
	return glob.Compile(pattern, separators...)
}

// Matcher matches names against a possibly wildcarded pattern.
type Matcher struct {
	pattern string
	g       glob.Glob
}

// NewMatcher compiles pattern. Patterns without wildcard characters match by
// string equality.
func NewMatcher(pattern string) (*Matcher, error) {
	m := &Matcher{pattern: pattern}
	if hasWildcard(pattern) {
		g, err := compileGlob(pattern)
		if err != nil {
			return nil, syntaxErrorf("bad pattern %q: %v", pattern, err)
		}
		m.g = g
	}
	return m, nil
}

// MustMatcher is NewMatcher for patterns already validated by Parse.
func MustMatcher(pattern string) *Matcher {
	m, err := NewMatcher(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Matcher) Match(name string) bool {
	if m.g == nil {
		return name == m.pattern
	}
	return m.g.Match(name)
}

// Wildcard reports whether the pattern can match more than one name.
func (m *Matcher) Wildcard() bool {
	return m.g != nil
}

func (m *Matcher) String() string {
	return m.pattern
}

// FileMatcher matches source or binary paths. '*' stops at directory
// separators while '**' crosses them. A relative pattern also matches any
// path ending in it, so "fs/open.c" matches "/src/linux/fs/open.c".
type FileMatcher struct {
	pattern  string
	absolute bool
	full     glob.Glob
	suffix   glob.Glob
}

func NewFileMatcher(pattern string) (*FileMatcher, error) {
	m := &FileMatcher{pattern: pattern, absolute: strings.HasPrefix(pattern, "/")}
	var err error
	if m.full, err = compileGlob(pattern, '/'); err != nil {
		return nil, syntaxErrorf("bad file pattern %q: %v", pattern, err)
	}
	if !m.absolute {
		if m.suffix, err = compileGlob("**/"+pattern, '/'); err != nil {
			return nil, syntaxErrorf("bad file pattern %q: %v", pattern, err)
		}
	}
	return m, nil
}

func (m *FileMatcher) Match(p string) bool {
	if p == "" {
		return false
	}
	p = path.Clean(p)
	if m.full.Match(p) {
		return true
	}
	return m.suffix != nil && m.suffix.Match(p)
}

func (m *FileMatcher) String() string {
	return m.pattern
}

// ScopeMatcher matches the enclosing namespaces and classes of a function
// against the scope qualifiers of a selector. The innermost scopes must match
// the qualifiers; outer scopes may be left out.
type ScopeMatcher struct {
	scopes []*Matcher
}

func NewScopeMatcher(scopes []string) (*ScopeMatcher, error) {
	m := &ScopeMatcher{}
	for _, s := range scopes {
		sm, err := NewMatcher(s)
		if err != nil {
			return nil, err
		}
		m.scopes = append(m.scopes, sm)
	}
	return m, nil
}

func (m *ScopeMatcher) Match(scope []string) bool {
	if len(m.scopes) == 0 {
		return true
	}
	if len(scope) < len(m.scopes) {
		return false
	}
	off := len(scope) - len(m.scopes)
	for i, sm := range m.scopes {
		if !sm.Match(scope[off+i]) {
			return false
		}
	}
	return true
}
