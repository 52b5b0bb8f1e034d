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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-probe/flags"
	"github.com/parca-dev/parca-probe/pkg/logger"
	"github.com/parca-dev/parca-probe/pkg/probespec"
	"github.com/parca-dev/parca-probe/pkg/query"
)

func main() {
	f, err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "parca-probe:", err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		fmt.Fprintln(os.Stdout, flags.VersionString())
		os.Exit(int(flags.ExitSuccess))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-probe")
	os.Exit(int(resolve(logger, f)))
}

func resolve(logger log.Logger, f flags.Flags) flags.ExitCode {
	cfg, err := f.Config()
	if err != nil {
		level.Error(logger).Log("msg", "failed to load configuration", "err", err)
		return flags.ExitParseError
	}
	level.Debug(logger).Log("msg", "configuration", "config", cfg.String())

	reg := prometheus.NewRegistry()
	engine, err := query.New(logger, reg, cfg)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create resolver", "err", err)
		return flags.ExitFailure
	}
	defer func() {
		if err := engine.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close resolver", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		results []*query.Result
		g       run.Group
	)
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		for _, point := range f.Points {
			res, err := engine.Resolve(ctx, point)
			if err != nil {
				return fmt.Errorf("%s: %w", point, err)
			}
			results = append(results, res)
			if res.Cancelled {
				return nil
			}
		}
		return nil
	}, func(error) {
		cancel()
	})

	code := flags.ExitSuccess
	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if !errors.As(err, &sigErr) {
			level.Error(logger).Log("err", err)
			if errors.Is(err, probespec.ErrSyntax) {
				return flags.ExitParseError
			}
			return flags.ExitFailure
		}
		level.Warn(logger).Log("msg", "interrupted, results are partial", "signal", sigErr.Signal)
		code = flags.ExitFailure
	}

	for _, res := range results {
		for _, w := range res.Warnings {
			level.Warn(logger).Log("msg", w.Category.String(), "subject", w.Subject, "point", w.Token, "detail", w.Detail)
		}
		if res.Outcome == query.OutcomeNoMatch && code == flags.ExitSuccess {
			code = flags.ExitNoMatch
		}
	}

	if err := newPrinter(f.Output).print(os.Stdout, results); err != nil {
		level.Error(logger).Log("msg", "failed to write results", "err", err)
		return flags.ExitFailure
	}
	return code
}
