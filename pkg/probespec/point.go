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
	"fmt"
	"strconv"
	"strings"
)

type TargetKind int

const (
	TargetKernel TargetKind = iota
	TargetKernelModule
	TargetProcess
	TargetLibrary
)

func (k TargetKind) String() string {
	switch k {
	case TargetKernel:
		return "kernel"
	case TargetKernelModule:
		return "module"
	case TargetProcess:
		return "process"
	case TargetLibrary:
		return "library"
	}
	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// User reports whether the target lives in user space.
func (k TargetKind) User() bool {
	return k == TargetProcess || k == TargetLibrary
}

// Target selects the binaries a probe point is resolved in.
type Target struct {
	Kind TargetKind

	// Module is the kernel module name pattern.
	Module string

	// Exactly one of Path, PID and BuildID identifies the process.
	Path    string
	PID     int
	BuildID string

	// Library is the shared object pattern for TargetLibrary.
	Library string
}

// Pattern returns the module name pattern the target iterates over.
func (t Target) Pattern() string {
	switch t.Kind {
	case TargetKernel:
		return "kernel"
	case TargetKernelModule:
		return t.Module
	case TargetLibrary:
		return t.Library
	}
	return t.Path
}

// Wildcard reports whether the target may match more than one binary.
func (t Target) Wildcard() bool {
	return t.Kind != TargetKernel && hasWildcard(t.Pattern())
}

func (t Target) String() string {
	var b strings.Builder
	switch t.Kind {
	case TargetKernel:
		return "kernel"
	case TargetKernelModule:
		fmt.Fprintf(&b, "module(%q)", t.Module)
		return b.String()
	}
	switch {
	case t.PID != 0:
		fmt.Fprintf(&b, "process(%d)", t.PID)
	case t.BuildID != "":
		fmt.Fprintf(&b, "process.buildid(%q)", t.BuildID)
	default:
		fmt.Fprintf(&b, "process(%q)", t.Path)
	}
	if t.Kind == TargetLibrary {
		fmt.Fprintf(&b, ".library(%q)", t.Library)
	}
	return b.String()
}

type PointKind int

const (
	PointFunction PointKind = iota
	PointStatement
)

func (k PointKind) String() string {
	if k == PointStatement {
		return "statement"
	}
	return "function"
}

// Point is a parsed probe point. It is treated as immutable: the With
// methods return modified copies.
type Point struct {
	Target Target
	Kind   PointKind

	// Func is set unless the point names a raw address.
	Func       FunctionSpec
	Address    uint64
	HasAddress bool

	Return   bool
	Call     bool
	Inline   bool
	Exported bool
	Absolute bool
	Nearest  bool

	// Label is the label pattern of .label("...").
	Label string
	// Callee is the callee pattern of .callee("...").
	Callee string
	// Callees is the depth of .callees(N).
	Callees int
}

func (p Point) String() string {
	var b strings.Builder
	b.WriteString(p.Target.String())
	b.WriteString(".")
	b.WriteString(p.Kind.String())
	if p.HasAddress {
		fmt.Fprintf(&b, "(%#x)", p.Address)
	} else {
		fmt.Fprintf(&b, "(%q)", p.Func.String())
	}
	for _, m := range []struct {
		set  bool
		name string
	}{
		{p.Absolute, "absolute"},
		{p.Nearest, "nearest"},
		{p.Exported, "exported"},
		{p.Inline, "inline"},
		{p.Call, "call"},
	} {
		if m.set {
			b.WriteString(".")
			b.WriteString(m.name)
		}
	}
	if p.Label != "" {
		fmt.Fprintf(&b, ".label(%q)", p.Label)
	}
	if p.Callee != "" {
		fmt.Fprintf(&b, ".callee(%q)", p.Callee)
	}
	if p.Callees > 0 {
		fmt.Fprintf(&b, ".callees(%d)", p.Callees)
	}
	if p.Return {
		b.WriteString(".return")
	}
	return b.String()
}

// WithFunction returns a copy of p naming one concrete function, optionally
// at one concrete line.
func (p Point) WithFunction(name, file string, line int) Point {
	out := p
	out.HasAddress = false
	fs := FunctionSpec{Function: name, File: file, Type: SpecAlone}
	if file != "" {
		fs.Type = SpecFileOnly
	}
	if line > 0 && file != "" {
		fs.Type = SpecFileAndLine
		fs.Line = LineSpec{Type: LineAbsolute, Lines: []int{line, line}, raw: strconv.Itoa(line)}
	}
	fs.Raw = fs.String()
	out.Func = fs
	return out
}

// WithTarget returns a copy of p resolved in one concrete binary.
func (p Point) WithTarget(t Target) Point {
	out := p
	out.Target = t
	return out
}

// WithAddress returns a copy of p naming a raw address.
func (p Point) WithAddress(addr uint64) Point {
	out := p
	out.HasAddress = true
	out.Address = addr
	out.Func = FunctionSpec{}
	return out
}

// Parse parses a complete probe point.
func Parse(s string) (*Point, error) {
	comps, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &Point{}
	rest, err := parseTarget(comps, &p.Target)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, err)
	}
	if err := parseSelector(rest, p); err != nil {
		return nil, fmt.Errorf("%q: %w", s, err)
	}
	return p, nil
}

// MustParse is Parse for patterns known to be valid.
func MustParse(s string) *Point {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

type component struct {
	name   string
	arg    string
	hasArg bool
	quoted bool
}

func (c component) number() (uint64, error) {
	if !c.hasArg || c.quoted {
		return 0, syntaxErrorf("%s expects a number", c.name)
	}
	n, err := strconv.ParseUint(c.arg, 0, 64)
	if err != nil {
		return 0, syntaxErrorf("%s: invalid number %q", c.name, c.arg)
	}
	return n, nil
}

func (c component) str() (string, error) {
	if !c.hasArg || !c.quoted {
		return "", syntaxErrorf("%s expects a string", c.name)
	}
	return c.arg, nil
}

func lex(s string) ([]component, error) {
	var comps []component
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] != '.' && s[i] != '(' {
			i++
		}
		c := component{name: s[start:i]}
		if c.name == "" {
			return nil, syntaxErrorf("empty component at offset %d in %q", start, s)
		}
		if i < len(s) && s[i] == '(' {
			i++
			c.hasArg = true
			if i < len(s) && s[i] == '"' {
				i++
				var b strings.Builder
				closed := false
				for i < len(s) {
					if s[i] == '\\' && i+1 < len(s) {
						b.WriteByte(s[i+1])
						i += 2
						continue
					}
					if s[i] == '"' {
						closed = true
						i++
						break
					}
					b.WriteByte(s[i])
					i++
				}
				if !closed {
					return nil, syntaxErrorf("unterminated string in %q", s)
				}
				c.arg = b.String()
				c.quoted = true
			} else {
				end := strings.IndexByte(s[i:], ')')
				if end < 0 {
					return nil, syntaxErrorf("missing ')' in %q", s)
				}
				c.arg = strings.TrimSpace(s[i : i+end])
				i += end
			}
			if i >= len(s) || s[i] != ')' {
				return nil, syntaxErrorf("missing ')' in %q", s)
			}
			i++
		}
		comps = append(comps, c)
		if i < len(s) {
			if s[i] != '.' {
				return nil, syntaxErrorf("unexpected %q at offset %d in %q", s[i], i, s)
			}
			i++
			if i == len(s) {
				return nil, syntaxErrorf("trailing '.' in %q", s)
			}
		}
	}
	if len(comps) == 0 {
		return nil, syntaxErrorf("empty probe point")
	}
	return comps, nil
}

func parseTarget(comps []component, t *Target) ([]component, error) {
	c := comps[0]
	rest := comps[1:]
	switch c.name {
	case "kernel":
		if c.hasArg {
			return nil, syntaxErrorf("kernel takes no argument")
		}
		t.Kind = TargetKernel
	case "module":
		name, err := c.str()
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, syntaxErrorf("empty module name")
		}
		t.Kind = TargetKernelModule
		t.Module = name
	case "process":
		t.Kind = TargetProcess
		switch {
		case !c.hasArg && len(rest) > 0 && rest[0].name == "buildid":
			id, err := rest[0].str()
			if err != nil {
				return nil, err
			}
			id = strings.ToLower(id)
			if !isHex(id) {
				return nil, syntaxErrorf("invalid build id %q", id)
			}
			t.BuildID = id
			rest = rest[1:]
		case c.hasArg && c.quoted:
			if c.arg == "" {
				return nil, syntaxErrorf("empty process path")
			}
			t.Path = c.arg
		case c.hasArg:
			pid, err := c.number()
			if err != nil || pid == 0 || pid > 1<<22 {
				return nil, syntaxErrorf("invalid pid %q", c.arg)
			}
			t.PID = int(pid)
		default:
			return nil, syntaxErrorf("process needs a path, a pid or a build id")
		}
		if len(rest) > 0 && rest[0].name == "library" {
			lib, err := rest[0].str()
			if err != nil {
				return nil, err
			}
			if lib == "" {
				return nil, syntaxErrorf("empty library name")
			}
			t.Kind = TargetLibrary
			t.Library = lib
			rest = rest[1:]
		}
	default:
		return nil, syntaxErrorf("unknown target %q", c.name)
	}
	if t.Module != "" && hasWildcard(t.Module) {
		if _, err := compileGlob(t.Module); err != nil {
			return nil, syntaxErrorf("bad module pattern %q: %v", t.Module, err)
		}
	}
	return rest, nil
}

func parseSelector(comps []component, p *Point) error {
	if len(comps) == 0 {
		return syntaxErrorf("missing function or statement")
	}
	c := comps[0]
	switch c.name {
	case "function":
		p.Kind = PointFunction
	case "statement":
		p.Kind = PointStatement
	default:
		return syntaxErrorf("expected function or statement, got %q", c.name)
	}
	if !c.hasArg {
		return syntaxErrorf("%s needs an argument", c.name)
	}
	if c.quoted {
		fs, err := ParseFunction(c.arg)
		if err != nil {
			return err
		}
		p.Func = fs
	} else {
		addr, err := c.number()
		if err != nil {
			return err
		}
		p.Address = addr
		p.HasAddress = true
	}

	for _, m := range comps[1:] {
		var err error
		switch m.name {
		case "return":
			p.Return = true
		case "call":
			p.Call = true
		case "inline":
			p.Inline = true
		case "exported":
			p.Exported = true
		case "absolute":
			p.Absolute = true
		case "nearest":
			p.Nearest = true
		case "label":
			p.Label, err = m.str()
		case "callee":
			p.Callee, err = m.str()
		case "callees":
			n := uint64(1)
			if m.hasArg {
				n, err = m.number()
			}
			if err == nil && (n < 1 || n > MaxCallees) {
				err = syntaxErrorf("callees(%d) out of range [1, %d]", n, MaxCallees)
			}
			p.Callees = int(n)
		default:
			err = syntaxErrorf("unknown modifier %q", m.name)
		}
		if err != nil {
			return err
		}
		if m.hasArg && (m.name != "label" && m.name != "callee" && m.name != "callees") {
			return syntaxErrorf("modifier %q takes no argument", m.name)
		}
	}
	return p.validate()
}

func (p *Point) validate() error {
	fn := p.Kind == PointFunction
	switch {
	case p.Return && !fn:
		return syntaxErrorf(".return only applies to functions")
	case p.Call && !fn, p.Inline && !fn, p.Exported && !fn:
		return syntaxErrorf(".call, .inline and .exported only apply to functions")
	case p.Nearest && fn:
		return syntaxErrorf(".nearest only applies to statements")
	case p.Nearest && p.Func.Type != SpecFileAndLine:
		return syntaxErrorf(".nearest needs a line number")
	case p.Absolute && (!p.HasAddress || p.Target.Kind != TargetKernel):
		return syntaxErrorf(".absolute only applies to kernel statement addresses")
	case p.Inline && (p.Call || p.Return || p.Exported):
		return syntaxErrorf(".inline can't be combined with .call, .return or .exported")
	case p.Callee != "" && p.Callees > 0:
		return syntaxErrorf(".callee and .callees are exclusive")
	case (p.Callee != "" || p.Callees > 0) && !fn:
		return syntaxErrorf(".callee only applies to functions")
	case (p.Callee != "" || p.Callees > 0) && p.Return:
		return syntaxErrorf(".callee can't be combined with .return")
	case p.Label != "" && (p.Return || p.Callee != "" || p.Callees > 0):
		return syntaxErrorf(".label can't be combined with .return or .callee")
	case p.HasAddress && (p.Label != "" || p.Callee != "" || p.Callees > 0):
		return syntaxErrorf("raw addresses can't have labels or callees")
	}
	for _, pat := range []string{p.Label, p.Callee} {
		if pat != "" && hasWildcard(pat) {
			if _, err := compileGlob(pat); err != nil {
				return syntaxErrorf("bad pattern %q: %v", pat, err)
			}
		}
	}
	return nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
