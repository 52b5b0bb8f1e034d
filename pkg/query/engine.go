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

// Package query resolves probe points into probe descriptors.
package query

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-probe/pkg/blocklist"
	"github.com/parca-dev/parca-probe/pkg/config"
	"github.com/parca-dev/parca-probe/pkg/debuginfo"
	"github.com/parca-dev/parca-probe/pkg/diagnostics"
	"github.com/parca-dev/parca-probe/pkg/elfreader"
	"github.com/parca-dev/parca-probe/pkg/emitter"
	"github.com/parca-dev/parca-probe/pkg/kernel"
	"github.com/parca-dev/parca-probe/pkg/ksym"
	"github.com/parca-dev/parca-probe/pkg/module"
	"github.com/parca-dev/parca-probe/pkg/probe"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/process"
	"github.com/parca-dev/parca-probe/pkg/prologue"
	"github.com/parca-dev/parca-probe/pkg/scanner"
)

type Outcome int

const (
	OutcomeMatch Outcome = iota
	OutcomeNoMatch
)

func (o Outcome) String() string {
	if o == OutcomeNoMatch {
		return "no_match"
	}
	return "match"
}

// Result is what a probe point resolved to.
type Result struct {
	Point       *probespec.Point
	Descriptors []*probe.Descriptor
	Warnings    []diagnostics.Warning
	Outcome     Outcome
	// Suggestions are names close to the requested one, set on no match.
	Suggestions []string
	// Cancelled is set when the context ended the resolution early. The
	// descriptors found until then are kept.
	Cancelled bool
	// Modules is the number of modules visited.
	Modules int
}

// Modules enumerates the modules a target selects.
type Modules interface {
	Each(ctx context.Context, target probespec.Target, diag *diagnostics.Collector, token string, visit func(*module.Info) bool) error
}

// Options tune resolution independently of where modules come from.
type Options struct {
	Prologue             prologue.Policy
	ReturnParamsPrologue bool
	Blocklist            *blocklist.Blocklist
	// Mechanisms are the probe mechanisms the kernel provides, all of them
	// if nil.
	Mechanisms *kernel.Mechanisms
	// MaxSuggestions bounds Result.Suggestions, 5 if zero.
	MaxSuggestions int
}

type metrics struct {
	queries  *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "parca_probe_queries_total",
			Help: "Total number of probe point resolutions by outcome.",
		}, []string{"outcome"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "parca_probe_query_duration_seconds",
			Help:    "Time spent resolving one probe point.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

// Engine resolves probe points. Modules loaded by one resolution are kept
// for the next ones until Close. Resolutions are serialized.
type Engine struct {
	logger  log.Logger
	modules Modules
	opts    Options
	metrics *metrics

	scanner *scanner.Scanner
	emitter *emitter.Emitter

	closers []func() error

	mu sync.Mutex
}

// NewWithModules returns an engine resolving in the modules of mods.
func NewWithModules(logger log.Logger, reg prometheus.Registerer, mods Modules, opts Options) (*Engine, error) {
	if opts.Blocklist == nil {
		bl, err := blocklist.New(config.Blocklist{}, nil)
		if err != nil {
			return nil, err
		}
		opts.Blocklist = bl
	}
	if opts.MaxSuggestions == 0 {
		opts.MaxSuggestions = 5
	}
	if opts.Mechanisms == nil {
		all := kernel.Config(nil).Mechanisms()
		opts.Mechanisms = &all
	}
	logger = log.With(logger, "component", "query")
	return &Engine{
		logger:  logger,
		modules: mods,
		opts:    opts,
		metrics: newMetrics(reg),
		scanner: scanner.New(logger, reg),
		emitter: emitter.New(logger, reg, opts.Blocklist, *opts.Mechanisms),
	}, nil
}

// New returns an engine finding modules on the system cfg describes.
func New(logger log.Logger, reg prometheus.Registerer, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arch := cfg.Arch
	if arch == "" {
		arch = runtime.GOARCH
	}
	machine, err := elfreader.MachineForArch(arch)
	if err != nil {
		level.Warn(logger).Log("msg", "unknown architecture, accepting any binary", "arch", arch, "err", err)
		machine = elf.EM_NONE
	}
	policy, err := prologue.ParsePolicy(cfg.Prologue)
	if err != nil {
		return nil, err
	}

	sysroot := cfg.Paths.Sysroot
	if sysroot == "" {
		sysroot = "/"
	}
	live := sysroot == "/"
	hostFS := os.DirFS("/")

	opts := module.Options{
		Sysroot:       sysroot,
		KernelRelease: cfg.Paths.KernelRelease,
		KernelImage:   cfg.Paths.KernelImage,
		ModuleDirs:    cfg.Paths.ModuleDirs,
		LibraryDirs:   cfg.Paths.LibraryDirs,
		Machine:       machine,
		UnitCacheSize: cfg.DWARFUnitCacheSize,
		HostFS:        hostFS,
	}

	var closers []func() error
	finder, err := debuginfo.NewFinder(logger, reg, cfg.Paths.DebugDirs)
	if err != nil {
		return nil, fmt.Errorf("create debug file finder: %w", err)
	}
	closers = append(closers, finder.Close)
	opts.DebugFinder = finder

	if live {
		opts.Kallsyms = ksym.New(logger, nil)
		procfs := cfg.Paths.Proc
		if procfs == "" {
			procfs = "/proc"
		}
		procs, err := process.NewFinder(logger, reg, procfs)
		if err != nil {
			level.Warn(logger).Log("msg", "processes can't be selected by id", "err", err)
		} else {
			opts.Processes = procs
		}
	}

	probeBlacklist := loadProbeBlacklist(logger, cfg.Paths.KprobesBlacklist, hostFS, live)
	bl, err := blocklist.New(cfg.Blocklist, probeBlacklist)
	if err != nil {
		return nil, err
	}

	mechanisms := kernel.Config(nil).Mechanisms()
	release := cfg.Paths.KernelRelease
	if release == "" && live {
		release, _ = kernel.Release()
	}
	if release != "" {
		kcfg, err := kernel.LoadConfig(sysroot, release)
		if err != nil {
			level.Debug(logger).Log("msg", "no kernel config, assuming every probe mechanism", "release", release, "err", err)
		} else {
			mechanisms = kcfg.Mechanisms()
		}
	}

	cache := module.NewCache(logger, reg)
	closers = append(closers, cache.Close)

	e, err := NewWithModules(logger, reg, module.NewIterator(logger, reg, cache, opts), Options{
		Prologue:             policy,
		ReturnParamsPrologue: cfg.ReturnParamsPrologue,
		Blocklist:            bl,
		Mechanisms:           &mechanisms,
	})
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	e.closers = closers
	return e, nil
}

func loadProbeBlacklist(logger log.Logger, file string, hostFS fs.FS, live bool) []string {
	var (
		names []string
		err   error
	)
	switch {
	case file != "":
		var f *os.File
		if f, err = os.Open(file); err == nil {
			names, err = kernel.ParseProbeBlacklist(f)
			f.Close()
		}
	case live:
		names, err = kernel.ProbeBlacklist(hostFS)
	default:
		return nil
	}
	if err != nil {
		level.Debug(logger).Log("msg", "no kprobes blacklist", "err", err)
	}
	return names
}

// Close releases every module the engine loaded.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, e.closers[i]())
	}
	e.closers = nil
	return err
}

// Resolve parses pattern and resolves it. Only syntax errors are returned
// as errors.
func (e *Engine) Resolve(ctx context.Context, pattern string) (*Result, error) {
	p, err := probespec.Parse(pattern)
	if err != nil {
		e.metrics.queries.WithLabelValues("error").Inc()
		return nil, err
	}
	return e.ResolvePoint(ctx, p)
}

// ResolvePoint resolves an already parsed probe point.
func (e *Engine) ResolvePoint(ctx context.Context, p *probespec.Point) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.metrics.duration.Observe(time.Since(start).Seconds()) }()

	token := p.String()
	r := &resolution{
		e:             e,
		ctx:           ctx,
		token:         token,
		diag:          diagnostics.NewCollector(e.logger),
		result:        &Result{Point: p},
		inlineReturns: map[string]struct{}{},
	}
	r.stack.push(*p)

	err := e.modules.Each(ctx, p.Target, r.diag, token, func(m *module.Info) bool {
		r.result.Modules++
		r.visited = append(r.visited, m)
		if err := r.module(m); err != nil {
			r.err = err
			return false
		}
		return true
	})
	if r.err != nil {
		err = r.err
	}

	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		r.result.Cancelled = true
	case errors.Is(err, probespec.ErrSyntax):
		e.metrics.queries.WithLabelValues("error").Inc()
		return nil, err
	default:
		r.diag.Warnf(diagnostics.CategoryModuleUnreadable, p.Target.String(), token, "%v", err)
	}

	r.finish()
	res := r.result
	res.Warnings = r.diag.Warnings()
	if len(res.Descriptors) == 0 {
		res.Outcome = OutcomeNoMatch
		if !res.Cancelled {
			res.Suggestions = r.suggest()
		}
	}

	outcome := res.Outcome.String()
	if res.Cancelled {
		outcome = "cancelled"
	}
	e.metrics.queries.WithLabelValues(outcome).Inc()
	level.Debug(e.logger).Log(
		"msg", "resolved probe point",
		"point", token,
		"outcome", outcome,
		"descriptors", len(res.Descriptors),
		"warnings", len(res.Warnings),
		"modules", res.Modules,
		"duration", time.Since(start),
	)
	return res, nil
}
