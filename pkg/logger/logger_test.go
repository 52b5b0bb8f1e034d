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

package logger

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFiltersLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newLogger(&buf, "warn", LogFormatLogfmt, "parca-probe")

	level.Debug(l).Log("msg", "hidden")
	require.Empty(t, buf.String())

	level.Warn(l).Log("msg", "shown")
	require.Contains(t, buf.String(), "msg=shown")
	require.Contains(t, buf.String(), "name=parca-probe")
}

func TestNewLoggerJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newLogger(&buf, "info", LogFormatJSON, "")
	level.Info(l).Log("msg", "hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestNewLoggerPanicsOnUnknownLevel(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		newLogger(&bytes.Buffer{}, "trace", LogFormatLogfmt, "")
	})
}
