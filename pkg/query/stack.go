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

import "github.com/parca-dev/parca-probe/pkg/probespec"

// pointStack tracks the probe point as it gets refined while descending from
// the pattern to a module, a function and a line. Each frame is a derived
// copy; frames below the top are never modified.
type pointStack struct {
	frames []probespec.Point
}

func (s *pointStack) push(p probespec.Point) {
	s.frames = append(s.frames, p)
}

func (s *pointStack) pop() {
	if len(s.frames) == 0 {
		panic("query: pop of empty point stack")
	}
	s.frames = s.frames[:len(s.frames)-1]
}

func (s *pointStack) top() probespec.Point {
	return s.frames[len(s.frames)-1]
}
