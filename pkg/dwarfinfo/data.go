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

package dwarfinfo

import (
	"context"
	"debug/dwarf"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-probe/pkg/cache"
)

// Attributes and tags debug/dwarf has no names for.
const (
	attrMIPSLinkageName = dwarf.Attr(0x2007)
	attrCallReturnPC    = dwarf.Attr(0x7d)
	attrCallOrigin      = dwarf.Attr(0x7f)

	tagCallSite    = dwarf.Tag(0x48)
	tagGNUCallSite = dwarf.Tag(0x4109)

	inlInlined         = 1
	inlDeclaredInlined = 3
)

const defaultUnitCacheSize = 64

// Data is a Source reading DWARF through debug/dwarf. Decoded units are kept
// in a bounded LRU cache.
type Data struct {
	logger log.Logger
	dw     *dwarf.Data

	units []dwarf.Offset
	cache *cache.LRU[int, *Unit]

	// mu guards the index. A build interrupted by its context is not kept.
	mu       sync.Mutex
	index    map[string][]int
	indexErr error
}

var _ Source = (*Data)(nil)

// New indexes the compilation units of dw.
func New(logger log.Logger, reg prometheus.Registerer, dw *dwarf.Data, cacheSize int) (*Data, error) {
	if cacheSize <= 0 {
		cacheSize = defaultUnitCacheSize
	}
	c, err := cache.NewLRU[int, *Unit](reg, "dwarf_units", cacheSize, nil)
	if err != nil {
		return nil, err
	}

	d := &Data{
		logger: log.With(logger, "component", "dwarfinfo"),
		dw:     dw,
		cache:  c,
	}

	r := dw.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("read compilation units: %w", err)
		}
		if e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit || e.Tag == dwarf.TagPartialUnit {
			d.units = append(d.units, e.Offset)
		}
		r.SkipChildren()
	}
	return d, nil
}

// Close releases the unit cache.
func (d *Data) Close() error {
	return d.cache.Close()
}

func (d *Data) NumUnits() int {
	return len(d.units)
}

func (d *Data) Unit(ctx context.Context, i int) (*Unit, error) {
	if i < 0 || i >= len(d.units) {
		return nil, fmt.Errorf("unit %d out of range [0, %d)", i, len(d.units))
	}
	if u, ok := d.cache.Get(i); ok {
		return u, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := d.loadUnit(i)
	if err != nil {
		return nil, fmt.Errorf("unit %d at %#x: %w", i, d.units[i], err)
	}
	d.cache.Add(i, u)
	return u, nil
}

func (d *Data) FunctionIndex(ctx context.Context) (map[string][]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.index != nil || d.indexErr != nil {
		return d.index, d.indexErr
	}
	index, err := d.buildIndex(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	d.index, d.indexErr = index, err
	return index, err
}

func (d *Data) buildIndex(ctx context.Context) (map[string][]int, error) {
	index := map[string][]int{}
	add := func(name string, unit int) {
		if name == "" {
			return
		}
		units := index[name]
		if len(units) > 0 && units[len(units)-1] == unit {
			return
		}
		index[name] = append(units, unit)
	}

	r := d.dw.Reader()
	unit := -1
	for {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("build function index: %w", err)
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			unit++
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		case dwarf.TagSubprogram:
			name, _ := e.Val(dwarf.AttrName).(string)
			add(name, unit)
			add(linkageName(e), unit)
			if e.Children {
				r.SkipChildren()
			}
		case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType, 0:
		default:
			if e.Children {
				r.SkipChildren()
			}
		}
	}
	return index, nil
}

func linkageName(e valuer) string {
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	name, _ := e.Val(attrMIPSLinkageName).(string)
	return name
}

func (d *Data) loadUnit(i int) (*Unit, error) {
	r := d.dw.Reader()
	r.Seek(d.units[i])
	cu, err := r.Next()
	if err != nil {
		return nil, err
	}
	if cu == nil {
		return nil, errors.New("missing compilation unit entry")
	}

	u := &Unit{Index: i, Offset: cu.Offset}
	u.Name, _ = cu.Val(dwarf.AttrName).(string)
	u.CompDir, _ = cu.Val(dwarf.AttrCompDir).(string)
	u.Producer, _ = cu.Val(dwarf.AttrProducer).(string)

	var files []*dwarf.LineFile
	lr, err := d.dw.LineReader(cu)
	if err != nil {
		level.Debug(d.logger).Log("msg", "failed to read line table", "unit", u.Name, "err", err)
	} else if lr != nil {
		// File indices are only complete once the whole program ran.
		for {
			var le dwarf.LineEntry
			if err := lr.Next(&le); err != nil {
				if !errors.Is(err, io.EOF) {
					level.Debug(d.logger).Log("msg", "truncated line table", "unit", u.Name, "err", err)
				}
				break
			}
			row := LineRow{
				Address:     le.Address,
				Line:        le.Line,
				IsStmt:      le.IsStmt,
				PrologueEnd: le.PrologueEnd,
				EndSequence: le.EndSequence,
			}
			if le.File != nil {
				row.File = le.File.Name
			}
			u.Lines = append(u.Lines, row)
		}
		files = lr.Files()
	}
	for _, f := range files {
		if f == nil {
			u.Files = append(u.Files, "")
			continue
		}
		u.Files = append(u.Files, f.Name)
	}

	fileName := func(e valuer, attr dwarf.Attr) string {
		idx, ok := e.Val(attr).(int64)
		if !ok || idx < 0 || int(idx) >= len(u.Files) {
			return ""
		}
		return u.Files[idx]
	}

	if !cu.Children {
		u.Finalize()
		return u, nil
	}

	var scope []string
	depth := 1
	for depth > 0 {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case 0:
			depth--
			if depth > 0 && len(scope) > 0 {
				scope = scope[:len(scope)-1]
			}
		case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType, dwarf.TagUnionType:
			if !e.Children {
				continue
			}
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == "" {
				name = "(anonymous namespace)"
			}
			scope = append(scope, name)
			depth++
		case dwarf.TagSubprogram:
			tree, err := godwarf.LoadTree(e.Offset, d.dw, 0)
			if err != nil {
				level.Debug(d.logger).Log("msg", "failed to load subprogram", "offset", e.Offset, "err", err)
				name, _ := e.Val(dwarf.AttrName).(string)
				u.Unresolved = append(u.Unresolved, UnresolvedDIE{Offset: e.Offset, Name: name, Err: err})
				if e.Children {
					r.SkipChildren()
				}
				continue
			}
			if e.Children {
				r.SkipChildren()
			}
			d.addFunction(u, tree, scope, fileName)
		default:
			if e.Children {
				r.SkipChildren()
			}
		}
	}

	u.Finalize()
	return u, nil
}

type valuer interface{ Val(dwarf.Attr) interface{} }

func (d *Data) addFunction(u *Unit, t *godwarf.Tree, scope []string, fileName func(valuer, dwarf.Attr) string) {
	f := &Function{
		Offset:      t.Offset,
		LinkageName: linkageName(t),
		DeclFile:    fileName(t, dwarf.AttrDeclFile),
		Ranges:      t.Ranges,
	}
	if len(scope) > 0 {
		f.Scope = append([]string(nil), scope...)
	}
	f.Name, _ = t.Val(dwarf.AttrName).(string)
	if line, ok := t.Val(dwarf.AttrDeclLine).(int64); ok {
		f.DeclLine = int(line)
	}
	f.External, _ = t.Val(dwarf.AttrExternal).(bool)
	f.Origin, _ = t.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	f.Specification, _ = t.Val(dwarf.AttrSpecification).(dwarf.Offset)
	// LoadTree merges the attributes of abstract origins into concrete
	// entries, so these only hold for DIEs without code of their own.
	if decl, _ := t.Val(dwarf.AttrDeclaration).(bool); decl && len(t.Ranges) == 0 {
		f.Declaration = true
	}
	if inl, ok := t.Val(dwarf.AttrInline).(int64); ok && f.Origin == 0 && len(t.Ranges) == 0 {
		f.Inline = inl == inlInlined || inl == inlDeclaredInlined
	}
	f.EntryPC = entryPC(t, t.Ranges)

	for _, c := range t.Children {
		if c.Tag != dwarf.TagFormalParameter {
			continue
		}
		f.HasParams = true
		// exprloc decodes to []byte, a location list to its section offset.
		if _, ok := c.Val(dwarf.AttrLocation).(int64); ok {
			f.ParamsLocLists = true
		}
	}

	var walk func(children []*godwarf.Tree)
	walk = func(children []*godwarf.Tree) {
		for _, c := range children {
			switch c.Tag {
			case dwarf.TagLabel:
				name, _ := c.Val(dwarf.AttrName).(string)
				addr, ok := c.Val(dwarf.AttrLowpc).(uint64)
				if name == "" || !ok {
					continue
				}
				l := Label{Name: name, Addr: addr, DeclFile: fileName(c, dwarf.AttrDeclFile)}
				if line, ok := c.Val(dwarf.AttrDeclLine).(int64); ok {
					l.DeclLine = int(line)
				}
				f.Labels = append(f.Labels, l)
			case tagCallSite, tagGNUCallSite:
				cs := CallSite{}
				if origin, ok := c.Val(attrCallOrigin).(dwarf.Offset); ok {
					cs.Origin = origin
				} else if origin, ok := c.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
					cs.Origin = origin
				}
				if pc, ok := c.Val(attrCallReturnPC).(uint64); ok {
					cs.ReturnPC = pc
				} else if pc, ok := c.Val(dwarf.AttrLowpc).(uint64); ok {
					cs.ReturnPC = pc
				}
				if cs.Origin != 0 {
					f.CallSites = append(f.CallSites, cs)
				}
			case dwarf.TagInlinedSubroutine:
				origin, ok := c.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
				if ok && len(c.Ranges) > 0 {
					s := &InlineSite{
						Origin:   origin,
						Ranges:   c.Ranges,
						EntryPC:  entryPC(c, c.Ranges),
						CallFile: fileName(c, dwarf.AttrCallFile),
						Caller:   f,
					}
					if line, ok := c.Val(dwarf.AttrCallLine).(int64); ok {
						s.CallLine = int(line)
					}
					u.InlineSites = append(u.InlineSites, s)
				}
				walk(c.Children)
			case dwarf.TagLexDwarfBlock:
				walk(c.Children)
			}
		}
	}
	walk(t.Children)

	u.Functions = append(u.Functions, f)
}

// entryPC honours DW_AT_entry_pc, which DWARF 5 allows to be an offset from
// the lowest address.
func entryPC(e valuer, ranges [][2]uint64) uint64 {
	switch v := e.Val(dwarf.AttrEntrypc).(type) {
	case uint64:
		return v
	case int64:
		return lowPC(ranges) + uint64(v)
	}
	return lowPC(ranges)
}
