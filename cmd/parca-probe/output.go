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
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/parca-dev/parca-probe/flags"
	"github.com/parca-dev/parca-probe/pkg/probe"
	"github.com/parca-dev/parca-probe/pkg/query"
)

type printer interface {
	print(w io.Writer, results []*query.Result) error
}

func newPrinter(format string) printer {
	if format == flags.OutputJSON {
		return jsonPrinter{}
	}
	return textPrinter{}
}

type textPrinter struct{}

func (textPrinter) print(w io.Writer, results []*query.Result) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Kind", "Function", "Location", "Module", "Target", "Point"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	descriptors, modules := 0, 0
	var misses []string
	for _, res := range results {
		modules += res.Modules
		descriptors += len(res.Descriptors)
		for _, d := range res.Descriptors {
			table.Append([]string{d.Kind.String(), function(d), location(d), d.Module, d.Target(), d.Point})
		}
		if res.Outcome == query.OutcomeNoMatch {
			misses = append(misses, miss(res))
		}
	}
	if descriptors > 0 {
		table.Render()
	}

	for _, m := range misses {
		if _, err := fmt.Fprintln(w, m); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s %s from %s %s\n",
		humanize.Comma(int64(descriptors)), plural(descriptors, "probe"),
		humanize.Comma(int64(modules)), plural(modules, "module"),
	)
	return err
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func function(d *probe.Descriptor) string {
	name := d.Name
	switch {
	case d.Caller != "":
		name = d.Caller + " -> " + name
	case d.Inline:
		name += " (inline)"
	}
	if d.Return {
		name += " (return)"
	}
	return name
}

func location(d *probe.Descriptor) string {
	if d.File == "" {
		return "-"
	}
	return fmt.Sprintf("%s:%d", d.File, d.Line)
}

func miss(res *query.Result) string {
	s := fmt.Sprintf("no match for %s", res.Point)
	if res.Cancelled {
		return s + " (interrupted)"
	}
	if len(res.Suggestions) > 0 {
		s += fmt.Sprintf(", did you mean: %s", strings.Join(res.Suggestions, ", "))
	}
	return s
}

type jsonPrinter struct{}

type jsonResult struct {
	Point       string           `json:"point"`
	Outcome     string           `json:"outcome"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Modules     int              `json:"modules"`
	Probes      []jsonDescriptor `json:"probes"`
	Warnings    []jsonWarning    `json:"warnings,omitempty"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

type jsonDescriptor struct {
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	File          string `json:"file,omitempty"`
	Line          int    `json:"line,omitempty"`
	Module        string `json:"module"`
	Section       string `json:"section"`
	RawAddr       string `json:"raw_addr"`
	RelocatedAddr string `json:"relocated_addr"`
	ParamsAddr    string `json:"params_addr,omitempty"`
	Return        bool   `json:"return,omitempty"`
	Call          bool   `json:"call,omitempty"`
	Inline        bool   `json:"inline,omitempty"`
	Caller        string `json:"caller,omitempty"`
	Point         string `json:"point"`
	Target        string `json:"target"`

	Kernel *probe.KernelPayload `json:"kernel,omitempty"`
	User   *probe.UserPayload   `json:"user,omitempty"`
}

type jsonWarning struct {
	Category string `json:"category"`
	Subject  string `json:"subject"`
	Detail   string `json:"detail,omitempty"`
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func (jsonPrinter) print(w io.Writer, results []*query.Result) error {
	out := make([]jsonResult, 0, len(results))
	for _, res := range results {
		r := jsonResult{
			Point:       res.Point.String(),
			Outcome:     res.Outcome.String(),
			Cancelled:   res.Cancelled,
			Modules:     res.Modules,
			Probes:      make([]jsonDescriptor, 0, len(res.Descriptors)),
			Suggestions: res.Suggestions,
		}
		for _, d := range res.Descriptors {
			jd := jsonDescriptor{
				Kind:          d.Kind.String(),
				Name:          d.Name,
				File:          d.File,
				Line:          d.Line,
				Module:        d.Module,
				Section:       d.Section,
				RawAddr:       hex(d.RawAddr),
				RelocatedAddr: hex(d.RelocatedAddr),
				Return:        d.Return,
				Call:          d.Call,
				Inline:        d.Inline,
				Caller:        d.Caller,
				Point:         d.Point,
				Target:        d.Target(),
				Kernel:        d.Kernel,
				User:          d.User,
			}
			if d.ParamsAddr != 0 {
				jd.ParamsAddr = hex(d.ParamsAddr)
			}
			r.Probes = append(r.Probes, jd)
		}
		for _, wn := range res.Warnings {
			r.Warnings = append(r.Warnings, jsonWarning{Category: wn.Category.String(), Subject: wn.Subject, Detail: wn.Detail})
		}
		out = append(out, r)
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
