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

package elfreader

import (
	"debug/elf"
	"fmt"
	"strings"
)

// family groups the machine types that historically share an architecture
// name. A 64-bit kernel of a family runs the 32-bit binaries of it, and tools
// report both under the same name (i386 and x86_64 are both "x86").
func family(m elf.Machine) string {
	switch m {
	case elf.EM_386, elf.EM_X86_64:
		return "x86"
	case elf.EM_PPC, elf.EM_PPC64:
		return "powerpc"
	case elf.EM_S390:
		return "s390"
	case elf.EM_SPARC, elf.EM_SPARC32PLUS, elf.EM_SPARCV9:
		return "sparc"
	case elf.EM_MIPS, elf.EM_MIPS_RS3_LE:
		return "mips"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_RISCV:
		return "riscv"
	case elf.EM_LOONGARCH:
		return "loongarch"
	default:
		return m.String()
	}
}

// Compatible reports whether a binary built for machine m can be probed in a
// session targeting machine target.
func Compatible(target, m elf.Machine) bool {
	return family(target) == family(m)
}

// MachineForArch maps an architecture name, as printed by uname(1) or used
// by GOARCH, to its ELF machine type.
func MachineForArch(arch string) (elf.Machine, error) {
	switch strings.ToLower(arch) {
	case "x86_64", "amd64", "x64":
		return elf.EM_X86_64, nil
	case "i386", "i486", "i586", "i686", "386", "x86":
		return elf.EM_386, nil
	case "aarch64", "arm64":
		return elf.EM_AARCH64, nil
	case "ppc64", "ppc64le", "powerpc64", "powerpc":
		return elf.EM_PPC64, nil
	case "ppc":
		return elf.EM_PPC, nil
	case "s390x", "s390":
		return elf.EM_S390, nil
	case "riscv64", "riscv":
		return elf.EM_RISCV, nil
	case "mips", "mipsle", "mips64", "mips64le":
		return elf.EM_MIPS, nil
	case "loong64", "loongarch64":
		return elf.EM_LOONGARCH, nil
	case "sparc64", "sparcv9":
		return elf.EM_SPARCV9, nil
	}
	if strings.HasPrefix(arch, "arm") {
		return elf.EM_ARM, nil
	}
	return elf.EM_NONE, fmt.Errorf("unknown architecture %q", arch)
}
