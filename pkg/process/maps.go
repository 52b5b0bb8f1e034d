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

// Package process finds the executables and shared libraries of processes.
package process

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
)

var ErrProcNotFound = errors.New("process not found")

type metrics struct {
	lookups *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_probe_process_lookups_total",
				Help: "Total number of process executable and mapping lookups by kind and result.",
			},
			[]string{"kind", "result"},
		),
	}
}

// Finder reads process information from procfs.
type Finder struct {
	logger  log.Logger
	fs      procfs.FS
	root    string
	metrics *metrics
}

// NewFinder reads processes from the procfs mounted at mountPoint.
func NewFinder(logger log.Logger, reg prometheus.Registerer, mountPoint string) (*Finder, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	return &Finder{
		logger:  log.With(logger, "component", "process"),
		fs:      fs,
		root:    mountPoint,
		metrics: newMetrics(reg),
	}, nil
}

func (f *Finder) observe(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	f.metrics.lookups.WithLabelValues(kind, result).Inc()
}

// Object is a file mapped into a process.
type Object struct {
	PID int
	// Path is the file name as seen by the process.
	Path string
	// HostPath reaches the same file from the root namespace.
	HostPath string
}

// Executable returns the main executable of pid.
func (f *Finder) Executable(pid int) (Object, error) {
	proc, err := f.fs.Proc(pid)
	if err != nil {
		f.observe("executable", err)
		return Object{}, errors.Join(ErrProcNotFound, fmt.Errorf("open proc %d: %w", pid, err))
	}
	exe, err := proc.Executable()
	f.observe("executable", err)
	if err != nil {
		return Object{}, fmt.Errorf("read executable of %d: %w", pid, err)
	}
	return Object{PID: pid, Path: exe, HostPath: f.AbsolutePath(pid, exe)}, nil
}

// Libraries returns the files mapped executable into pid, other than its
// main executable, in mapping order.
func (f *Finder) Libraries(pid int) ([]Object, error) {
	proc, err := f.fs.Proc(pid)
	if err != nil {
		f.observe("maps", err)
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("open proc %d: %w", pid, err))
	}
	maps, err := proc.ProcMaps()
	f.observe("maps", err)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("read proc maps for proc %d: %w", pid, err))
	}
	exe, _ := proc.Executable()

	seen := map[string]struct{}{}
	var libs []Object
	for _, m := range maps {
		if !m.Perms.Execute || !doesReferToFile(m.Pathname) || m.Pathname == exe {
			continue
		}
		if _, ok := seen[m.Pathname]; ok {
			continue
		}
		seen[m.Pathname] = struct{}{}
		libs = append(libs, Object{PID: pid, Path: m.Pathname, HostPath: f.AbsolutePath(pid, m.Pathname)})
	}
	return libs, nil
}

// PIDs returns the ids of all running processes, sorted.
func (f *Finder) PIDs() ([]int, error) {
	procs, err := f.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.PID)
	}
	sort.Ints(pids)
	return pids, nil
}

// Executables returns the executables of all running processes, one per
// distinct path. Processes that exit while being read are skipped.
func (f *Finder) Executables() ([]Object, error) {
	pids, err := f.PIDs()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var exes []Object
	for _, pid := range pids {
		exe, err := f.Executable(pid)
		if err != nil {
			level.Debug(f.logger).Log("msg", "skipping process", "pid", pid, "err", err)
			continue
		}
		if _, ok := seen[exe.Path]; ok {
			continue
		}
		seen[exe.Path] = struct{}{}
		exes = append(exes, exe)
	}
	return exes, nil
}

// AbsolutePath returns p as reachable through the root of pid, so that
// binaries of processes in other mount namespaces can be opened.
func (f *Finder) AbsolutePath(pid int, p string) string {
	return path.Join(f.root, strconv.Itoa(pid), "root", p)
}

func doesReferToFile(p string) bool {
	p = strings.TrimSpace(p)
	return p != "" &&
		p != "jit" &&
		!strings.HasPrefix(p, "[") &&
		!strings.HasPrefix(p, "anon_inode:[") &&
		!strings.Contains(p, "(deleted)") &&
		!strings.Contains(p, "memfd:")
}
