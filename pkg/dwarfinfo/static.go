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
	"fmt"
)

// StaticSource serves units that were decoded up front.
type StaticSource struct {
	units []*Unit

	// Loads counts Unit calls per unit index.
	Loads map[int]int
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource finalizes units and numbers them in the given order.
func NewStaticSource(units ...*Unit) *StaticSource {
	for i, u := range units {
		u.Index = i
		u.Finalize()
	}
	return &StaticSource{units: units, Loads: map[int]int{}}
}

func (s *StaticSource) NumUnits() int {
	return len(s.units)
}

func (s *StaticSource) Unit(ctx context.Context, i int) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(s.units) {
		return nil, fmt.Errorf("unit %d out of range", i)
	}
	s.Loads[i]++
	return s.units[i], nil
}

func (s *StaticSource) FunctionIndex(_ context.Context) (map[string][]int, error) {
	index := map[string][]int{}
	for i, u := range s.units {
		for _, f := range u.Functions {
			for _, name := range []string{f.Name, f.LinkageName} {
				if name == "" {
					continue
				}
				units := index[name]
				if len(units) > 0 && units[len(units)-1] == i {
					continue
				}
				index[name] = append(units, i)
			}
		}
	}
	return index, nil
}
