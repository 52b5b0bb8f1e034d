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

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// GoProgram is a small Go program. work has a parameter and a call to add
// inlined into it.
const GoProgram = `package main

import "os"

//go:noinline
func work(n int) int {
	return add(n, len(os.Args))
}

func add(a, b int) int {
	return a*b + b
}

func main() {
	os.Exit(work(len(os.Args)) & 1)
}
`

// CProgram is a small C program. work calls sink directly and through the
// always inlined twice, and jumps to the label out.
const CProgram = `static volatile int total;

__attribute__((noinline)) int sink(int v) {
	total += v;
	return total;
}

static inline __attribute__((always_inline)) int twice(int v) {
	return sink(v) * 2;
}

__attribute__((noinline)) int work(int n) {
	int r = twice(n);
	if (r > 100)
		goto out;
	r += sink(n);
out:
	return r + n;
}

int main(int argc, char **argv) {
	(void)argv;
	return work(argc) & 1;
}
`

func goTool() string {
	if p := filepath.Join(runtime.GOROOT(), "bin", "go"); fileExists(p) {
		return p
	}
	return "go"
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// BuildGo compiles the main package src into an unstripped, statically
// linked binary with DWARF and returns its path.
func BuildGo(t testing.TB, src string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module fixture\n\ngo 1.21\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(src), 0o600))

	out := filepath.Join(dir, "fixture")
	cmd := exec.Command(goTool(), "build", "-buildvcs=false", "-o", out, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOWORK=off", "GOFLAGS=")
	b, err := cmd.CombinedOutput()
	require.NoError(t, err, string(b))
	return out
}

// BuildC compiles src with the system C compiler. The test is skipped when
// there is none.
func BuildC(t testing.TB, src string, flags ...string) string {
	t.Helper()

	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler found")
	}

	dir := t.TempDir()
	in := filepath.Join(dir, "fixture.c")
	require.NoError(t, os.WriteFile(in, []byte(src), 0o600))

	out := filepath.Join(dir, "fixture")
	args := append([]string{"-g", "-o", out}, flags...)
	cmd := exec.Command(cc, append(args, in)...)
	cmd.Dir = dir
	b, err := cmd.CombinedOutput()
	require.NoError(t, err, string(b))
	return out
}

// LineOf returns the number of the first line of src containing s.
func LineOf(t testing.TB, src, s string) int {
	t.Helper()

	for i, l := range strings.Split(src, "\n") {
		if strings.Contains(l, s) {
			return i + 1
		}
	}
	require.FailNow(t, "line not found", s)
	return 0
}
