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

package query

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/samber/lo"

	"github.com/parca-dev/parca-probe/pkg/module"
)

// suggest collects the names of the visited modules that are close to the
// one requested.
func (r *resolution) suggest() []string {
	p := r.result.Point
	if p.HasAddress {
		return nil
	}
	want := strings.NewReplacer("*", "", "?", "", "[", "", "]", "").Replace(p.Func.Function)
	if want == "" {
		return nil
	}

	var names []string
	for _, m := range r.visited {
		if t, status, _ := m.Symtab(); status == module.StatusPresent {
			names = append(names, t.FunctionNames()...)
		}
		names = append(names, m.Markers()...)
		names = append(names, m.PLTNames()...)
		if inlined, err := m.InlinedNames(r.ctx); err == nil {
			names = append(names, inlined...)
		}
	}
	return closest(want, lo.Uniq(names), r.e.opts.MaxSuggestions)
}

// closest returns up to n names within an edit distance of a third of want,
// or containing it, nearest first.
func closest(want string, names []string, n int) []string {
	type scored struct {
		name string
		dist int
	}
	limit := len(want)/3 + 1
	var candidates []scored
	for _, name := range names {
		d := levenshtein.ComputeDistance(want, name)
		if d <= limit || strings.Contains(name, want) {
			candidates = append(candidates, scored{name, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return lo.Map(candidates, func(c scored, _ int) string { return c.name })
}
