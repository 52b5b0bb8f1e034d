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

// Package diagnostics collects the recoverable problems found while
// resolving probe points.
package diagnostics

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Category int

const (
	CategoryArchMismatch Category = iota
	CategoryDIEUnresolvable
	CategoryBlockSection
	CategoryBlockProbeMechanism
	CategoryBlockFile
	CategoryBlockReturn
	CategoryBlockGeneric
	CategoryInlineReturn
	CategorySymtabUnreadable
	CategoryDebugInfoUnreadable
	CategoryModuleUnreadable
	CategoryNoRelocation
)

var categoryNames = [...]string{
	CategoryArchMismatch:        "arch-mismatch",
	CategoryDIEUnresolvable:     "die-unresolvable",
	CategoryBlockSection:        "blocklisted-section",
	CategoryBlockProbeMechanism: "blocklisted-probe-mechanism",
	CategoryBlockFile:           "blocklisted-file",
	CategoryBlockReturn:         "blocklisted-return",
	CategoryBlockGeneric:        "blocklisted",
	CategoryInlineReturn:        "inline-return",
	CategorySymtabUnreadable:    "symtab-unreadable",
	CategoryDebugInfoUnreadable: "debuginfo-unreadable",
	CategoryModuleUnreadable:    "module-unreadable",
	CategoryNoRelocation:        "no-relocation",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// Blocklisted reports whether the category is one of the blocklist rejections.
func (c Category) Blocklisted() bool {
	switch c {
	case CategoryBlockSection, CategoryBlockProbeMechanism, CategoryBlockFile, CategoryBlockReturn, CategoryBlockGeneric:
		return true
	}
	return false
}

// Warning is a problem that did not stop resolution.
type Warning struct {
	Category Category
	// Subject names what the warning is about: a function, a module path.
	Subject string
	// Token is the probe point pattern being resolved.
	Token  string
	Detail string
}

func (w Warning) String() string {
	var b strings.Builder
	b.WriteString(w.Category.String())
	b.WriteString(": ")
	b.WriteString(w.Subject)
	if w.Detail != "" {
		b.WriteString(": ")
		b.WriteString(w.Detail)
	}
	if w.Token != "" {
		b.WriteString(" (")
		b.WriteString(w.Token)
		b.WriteString(")")
	}
	return b.String()
}

// Collector accumulates warnings in the order they were raised. Identical
// warnings are only kept once.
type Collector struct {
	logger   log.Logger
	warnings []Warning
	seen     map[Warning]struct{}
}

func NewCollector(logger log.Logger) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Collector{
		logger: log.With(logger, "component", "diagnostics"),
		seen:   map[Warning]struct{}{},
	}
}

// Add records w. It returns false if the same warning was already recorded.
func (c *Collector) Add(w Warning) bool {
	if _, ok := c.seen[w]; ok {
		return false
	}
	c.seen[w] = struct{}{}
	c.warnings = append(c.warnings, w)
	level.Debug(c.logger).Log("msg", "warning", "category", w.Category, "subject", w.Subject, "token", w.Token, "detail", w.Detail)
	return true
}

// Warnf is a shorthand for Add with a formatted detail.
func (c *Collector) Warnf(cat Category, subject, token, format string, args ...interface{}) bool {
	return c.Add(Warning{Category: cat, Subject: subject, Token: token, Detail: fmt.Sprintf(format, args...)})
}

func (c *Collector) Warnings() []Warning {
	return append([]Warning(nil), c.warnings...)
}

func (c *Collector) Len() int {
	return len(c.warnings)
}

// Count returns how many warnings of category cat were recorded.
func (c *Collector) Count(cat Category) int {
	n := 0
	for _, w := range c.warnings {
		if w.Category == cat {
			n++
		}
	}
	return n
}

// Mark returns a position that Since can later be called with.
func (c *Collector) Mark() int {
	return len(c.warnings)
}

// Since returns the warnings recorded after mark.
func (c *Collector) Since(mark int) []Warning {
	if mark >= len(c.warnings) {
		return nil
	}
	return append([]Warning(nil), c.warnings[mark:]...)
}
