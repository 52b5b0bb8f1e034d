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

// Package blocklist decides which functions, files and sections must never
// be probed.
package blocklist

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"github.com/parca-dev/parca-probe/pkg/config"
	"github.com/parca-dev/parca-probe/pkg/diagnostics"
)

// Kernel image sections whose code is discarded after boot, or which run
// with the probing machinery unusable.
var kernelSections = []string{
	`\.init\..*`,
	`\.exit\..*`,
	`\.kprobes\.text`,
	`\.noinstr\.text`,
	`\.entry\.text`,
	`\.irqentry\.text`,
	`\.softirqentry\.text`,
	`\.cpuidle\.text`,
}

// Module sections that can't be probed at all. Module init sections stay
// probeable through symbol+offset addressing.
var moduleSections = []string{
	`\.exit\..*`,
	`\.kprobes\.text`,
	`\.noinstr\.text`,
}

var userSections = []string{
	`\.plt`,
	`\.plt\.got`,
	`\.plt\.sec`,
}

// Functions the kprobes machinery itself runs through.
var mechanismFunctions = []string{
	`.*_kprobes?`,
	`kprobe_.*`,
	`.*_kprobe_.*`,
	`arch_.*_kprobe.*`,
	`atomic_notifier_call_chain`,
	`notifier_call_chain`,
	`default_do_nmi`,
	`__die`,
	`die_nmi`,
	`do_debug`,
	`do_general_protection`,
	`do_int3`,
	`do_IRQ`,
	`do_page_fault`,
	`do_trap`,
	`exc_int3`,
	`exc_debug`,
	`exc_page_fault`,
	`oops_begin`,
	`oops_end`,
	`sync_regs`,
	`unknown_nmi_error`,
	`io_check_error`,
	`mem_parity_error`,
	`xen_[gs]et_debugreg`,
	`xen_irq_.*`,
	`xen_iret.*`,
}

var kernelFiles = []string{
	`kernel/kprobes\.c`,
	`arch/.+/kernel/kprobes.*\.c`,
	`arch/.+/kprobes/.*\.c`,
	`arch/.+/kernel/entry.*`,
	`arch/.+/entry/.*`,
	`include/asm/io\.h`,
	`include/asm/io_.*\.h`,
	`include/linux/io\.h`,
	`include/linux/ktime\.h`,
	`include/asm-generic/io\.h`,
	`arch/.+/include/asm/paravirt\.h`,
}

// Functions that never return; a return probe on them holds its instance
// forever.
var returnFunctions = []string{
	`do_exit`,
	`do_group_exit`,
	`make_task_dead`,
	`kthread_exit`,
	`complete_and_exit`,
	`sys_exit`,
	`sys_exit_group`,
	`__.*_sys_exit`,
	`__.*_sys_exit_group`,
	`panic`,
}

// Functions the probe handlers themselves depend on.
var genericFunctions = []string{
	`_?_?raw_.*spin_.*lock.*`,
	`_?_?raw_.*(read|write)_.*lock.*`,
	`.*preempt_count.*`,
	`preempt_schedule.*`,
	`__schedule`,
	`native_.*`,
	`paravirt_.*`,
	`ftrace_.*`,
	`.*_ftrace_.*`,
	`mcount`,
	`__fentry__`,
	`__cyg_profile_.*`,
	`lockdep_.*`,
	`get_kprobe`,
}

// Candidate is what the blocklist looks at.
type Candidate struct {
	Name    string
	File    string
	Section string
	Return  bool
	// Kernel and Module tell the kind of target; neither means user space.
	Kernel bool
	Module bool
}

type matcher struct {
	re *regexp.Regexp
	// names are matched exactly.
	names map[string]struct{}
}

func compile(patterns []string, anchorFile bool) (*matcher, error) {
	m := &matcher{names: map[string]struct{}{}}
	if len(patterns) == 0 {
		return m, nil
	}
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("blocklist pattern %q: %w", p, err)
		}
		parts = append(parts, "(?:"+p+")")
	}
	prefix := "^"
	if anchorFile {
		prefix = "(?:^|/)"
	}
	re, err := regexp.Compile(prefix + "(?:" + strings.Join(parts, "|") + ")$")
	if err != nil {
		return nil, err
	}
	m.re = re
	return m, nil
}

func (m *matcher) match(s string) bool {
	if m == nil || s == "" {
		return false
	}
	if _, ok := m.names[s]; ok {
		return true
	}
	return m.re != nil && m.re.MatchString(s)
}

// Blocklist is a compiled set of rules.
type Blocklist struct {
	kernelSections *matcher
	moduleSections *matcher
	userSections   *matcher
	mechanism      *matcher
	kernelFiles    *matcher
	kernelReturn   *matcher
	kernelGeneric  *matcher

	extraSections *matcher
	extraFiles    *matcher
	extraReturn   *matcher
	extraGeneric  *matcher
}

// New compiles the built in rules plus the configured ones. probeBlacklist
// are the function names the running kernel refuses to probe.
func New(cfg config.Blocklist, probeBlacklist []string) (*Blocklist, error) {
	b := &Blocklist{}
	var err error
	builtin := func(patterns []string) []string {
		if cfg.DisableBuiltin {
			return nil
		}
		return patterns
	}
	for _, c := range []struct {
		dst      **matcher
		patterns []string
		file     bool
	}{
		{&b.kernelSections, builtin(kernelSections), false},
		{&b.moduleSections, builtin(moduleSections), false},
		{&b.userSections, userSections, false},
		{&b.mechanism, builtin(mechanismFunctions), false},
		{&b.kernelFiles, builtin(kernelFiles), true},
		{&b.kernelReturn, builtin(returnFunctions), false},
		{&b.kernelGeneric, builtin(genericFunctions), false},
		{&b.extraSections, cfg.Sections, false},
		{&b.extraFiles, cfg.Files, true},
		{&b.extraReturn, cfg.ReturnFunctions, false},
		{&b.extraGeneric, cfg.Functions, false},
	} {
		if *c.dst, err = compile(c.patterns, c.file); err != nil {
			return nil, err
		}
	}
	for _, name := range probeBlacklist {
		b.mechanism.names[name] = struct{}{}
	}
	return b, nil
}

// Check returns the category and a short reason if c must not be probed.
func (b *Blocklist) Check(c Candidate) (diagnostics.Category, string, bool) {
	kernel := c.Kernel || c.Module

	sections := b.userSections
	switch {
	case c.Kernel:
		sections = b.kernelSections
	case c.Module:
		sections = b.moduleSections
	}
	if sections.match(c.Section) || b.extraSections.match(c.Section) {
		return diagnostics.CategoryBlockSection, "section " + c.Section, true
	}
	if kernel && b.mechanism.match(c.Name) {
		return diagnostics.CategoryBlockProbeMechanism, "used by kprobes", true
	}
	if (kernel && b.kernelFiles.match(c.File)) || b.extraFiles.match(c.File) {
		return diagnostics.CategoryBlockFile, "file " + c.File, true
	}
	if c.Return && ((kernel && b.kernelReturn.match(c.Name)) || b.extraReturn.match(c.Name)) {
		return diagnostics.CategoryBlockReturn, "function does not return", true
	}
	if (kernel && b.kernelGeneric.match(c.Name)) || b.extraGeneric.match(c.Name) {
		return diagnostics.CategoryBlockGeneric, "unsafe to probe", true
	}
	return 0, "", false
}
