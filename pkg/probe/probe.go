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

// Package probe defines the resolved probe points handed to code generation.
package probe

import (
	"errors"
	"fmt"

	"github.com/parca-dev/parca-probe/pkg/dwarfinfo"
)

// Kind is the closed set of probing mechanisms a descriptor is placed with.
type Kind int

const (
	KindKProbe Kind = iota
	KindKRetProbe
	KindUProbe
	KindURetProbe
)

// KindFor picks the mechanism for a user or kernel target.
func KindFor(user, ret bool) Kind {
	switch {
	case user && ret:
		return KindURetProbe
	case user:
		return KindUProbe
	case ret:
		return KindKRetProbe
	}
	return KindKProbe
}

func (k Kind) String() string {
	switch k {
	case KindKProbe:
		return "kprobe"
	case KindKRetProbe:
		return "kretprobe"
	case KindUProbe:
		return "uprobe"
	case KindURetProbe:
		return "uretprobe"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) User() bool {
	return k == KindUProbe || k == KindURetProbe
}

func (k Kind) Return() bool {
	return k == KindKRetProbe || k == KindURetProbe
}

// KernelPayload is attached to kernel module probes in sections the module
// loader may discard. The address has to be re-resolved from Symbol+Offset
// when the module is loaded.
type KernelPayload struct {
	Symbol string `json:"symbol"`
	Offset uint64 `json:"offset"`
}

// UserPayload locates a user space probe inside its file.
type UserPayload struct {
	Path string `json:"path"`
	// Offset is the file offset of the probed instruction.
	Offset uint64 `json:"offset"`
}

// Descriptor is one concrete instrumentation point.
type Descriptor struct {
	Kind Kind

	Name   string
	File   string
	Line   int
	Module string

	// Section is the relocation base: "_stext" for the kernel image, a
	// section name for kernel modules, ".dynamic" for position independent
	// user binaries and ".absolute" for everything placed at a fixed address.
	Section       string
	RawAddr       uint64
	RelocatedAddr uint64

	Return bool
	Call   bool
	Inline bool

	// ParamsAddr is where function parameters can be read, if it differs
	// from the probed address.
	ParamsAddr uint64

	// Point is the probe point narrowed down to this descriptor.
	Point string

	// Scope is the debug information of the enclosing function, nil for
	// symbol table only probes.
	Scope *dwarfinfo.Function
	// Caller is set for callee probes to the function the call is made from.
	Caller string

	Kernel *KernelPayload
	User   *UserPayload
}

var (
	errMissingUser   = errors.New("user probe without user payload")
	errUnexpectedPay = errors.New("payload does not match probe kind")
)

// Validate checks that the payloads agree with the kind.
func (d *Descriptor) Validate() error {
	switch d.Kind {
	case KindUProbe, KindURetProbe:
		if d.User == nil {
			return errMissingUser
		}
		if d.Kernel != nil {
			return errUnexpectedPay
		}
	case KindKProbe, KindKRetProbe:
		if d.User != nil {
			return errUnexpectedPay
		}
	default:
		return fmt.Errorf("unknown probe kind %d", int(d.Kind))
	}
	if d.Kind.Return() != d.Return {
		return fmt.Errorf("%s probe with return=%t", d.Kind, d.Return)
	}
	return nil
}

// Target renders where the probe is placed, as the consuming loader
// addresses it.
func (d *Descriptor) Target() string {
	switch d.Kind {
	case KindUProbe, KindURetProbe:
		return fmt.Sprintf("%s:%#x", d.User.Path, d.User.Offset)
	default:
		if d.Kernel != nil {
			return fmt.Sprintf("%s:%s+%#x", d.Module, d.Kernel.Symbol, d.Kernel.Offset)
		}
		return fmt.Sprintf("%s:%s+%#x", d.Module, d.Section, d.RelocatedAddr)
	}
}

func (d *Descriptor) String() string {
	loc := d.Name
	if d.File != "" {
		loc = fmt.Sprintf("%s@%s:%d", d.Name, d.File, d.Line)
	}
	return fmt.Sprintf("%s %s %s", d.Kind, loc, d.Target())
}
