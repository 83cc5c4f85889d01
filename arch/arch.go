// Package arch describes the target architectures exercised by the relocation
// test harness. Descriptors are plain data: nothing in this package talks to
// the linker or reads files.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownArch is returned by Lookup for names that have no descriptor.
var ErrUnknownArch = errors.New("unknown architecture")

// An Arch is an immutable description of one instruction set architecture.
type Arch struct {
	Name        string           // canonical name, e.g. "aarch64"
	Bits        int              // pointer width in bits
	ByteOrder   binary.ByteOrder // data encoding
	Machine     elf.Machine      // e_machine value
	Rel         string           // relocation section flavour, "rel" or "rela"
	RelocPrefix string           // relocation name prefix, e.g. "R_AARCH64"
	Relocs      []string         // relocation suffixes exercised, in test order
	PLTSize     int              // bytes per PLT entry
	InstrBytes  int              // bytes per machine word in a PLT dump
	Relative    uint32           // dynamic relocation type used for RELR entries
	DynRelocs   map[uint32]string
}

// WordBytes returns the pointer width in bytes.
func (a *Arch) WordBytes() int {
	return a.Bits / 8
}

// Class returns the ELF class name of the architecture, as yaml2obj spells it.
func (a *Arch) Class() string {
	return "ELFCLASS" + strconv.Itoa(a.Bits)
}

// Data returns the ELF data encoding name of the architecture.
func (a *Arch) Data() string {
	if a.ByteOrder == binary.BigEndian {
		return elf.ELFDATA2MSB.String()
	}
	return elf.ELFDATA2LSB.String()
}

// RelocType returns the full relocation name for a suffix in Relocs.
func (a *Arch) RelocType(suffix string) string {
	return a.RelocPrefix + "_" + suffix
}

// DynRelocName returns the name of a dynamic relocation type, or its decimal
// value if the type is not known.
func (a *Arch) DynRelocName(t uint32) string {
	if name, ok := a.DynRelocs[t]; ok {
		return name
	}
	return strconv.FormatUint(uint64(t), 10)
}

// Validate checks that the descriptor is internally consistent.
func (a *Arch) Validate() error {
	switch {
	case a.Bits != 32 && a.Bits != 64:
		return fmt.Errorf("%s: unsupported word size %d", a.Name, a.Bits)
	case a.ByteOrder == nil:
		return fmt.Errorf("%s: no byte order", a.Name)
	case a.Rel != "rel" && a.Rel != "rela":
		return fmt.Errorf("%s: relocation flavour %q is not rel or rela", a.Name, a.Rel)
	case len(a.Relocs) == 0:
		return fmt.Errorf("%s: no relocations", a.Name)
	case a.InstrBytes <= 0 || a.PLTSize <= 0 || a.PLTSize%a.InstrBytes != 0:
		return fmt.Errorf("%s: PLT entry size %d is not a multiple of %d", a.Name, a.PLTSize, a.InstrBytes)
	}
	return nil
}

// relocNames builds a type number to name table from debug/elf relocation
// constants.
func relocNames[T interface {
	~int
	fmt.Stringer
}](types ...T) map[uint32]string {
	m := make(map[uint32]string, len(types))
	for _, t := range types {
		m[uint32(t)] = t.String()
	}
	return m
}

var archs = map[string]*Arch{
	"aarch64": {
		Name:        "aarch64",
		Bits:        64,
		ByteOrder:   binary.LittleEndian,
		Machine:     elf.EM_AARCH64,
		Rel:         "rela",
		RelocPrefix: "R_AARCH64",
		Relocs: []string{
			"ABS64", "ABS32", "ABS16", "PREL64", "PREL32", "PREL16",
			"CALL26", "JUMP26", "ADR_PREL_PG_HI21", "ADD_ABS_LO12_NC",
			"ADR_GOT_PAGE", "LD64_GOT_LO12_NC",
			"TLSLE_ADD_TPREL_HI12", "TLSIE_ADR_GOTTPREL_PAGE21",
		},
		PLTSize:    16,
		InstrBytes: 4,
		Relative:   uint32(elf.R_AARCH64_RELATIVE),
		DynRelocs: relocNames(
			elf.R_AARCH64_ABS64,
			elf.R_AARCH64_COPY,
			elf.R_AARCH64_GLOB_DAT,
			elf.R_AARCH64_JUMP_SLOT,
			elf.R_AARCH64_RELATIVE,
			elf.R_AARCH64_TLS_DTPMOD64,
			elf.R_AARCH64_TLS_DTPREL64,
			elf.R_AARCH64_TLS_TPREL64,
			elf.R_AARCH64_TLSDESC,
			elf.R_AARCH64_IRELATIVE,
		),
	},
	"x86_64": {
		Name:        "x86_64",
		Bits:        64,
		ByteOrder:   binary.LittleEndian,
		Machine:     elf.EM_X86_64,
		Rel:         "rela",
		RelocPrefix: "R_X86_64",
		Relocs: []string{
			"64", "32", "32S", "PC32", "PC64", "PLT32",
			"GOTPCREL", "GOTPCRELX", "REX_GOTPCRELX", "TPOFF32",
		},
		PLTSize:    16,
		InstrBytes: 4,
		Relative:   uint32(elf.R_X86_64_RELATIVE),
		DynRelocs: relocNames(
			elf.R_X86_64_64,
			elf.R_X86_64_COPY,
			elf.R_X86_64_GLOB_DAT,
			elf.R_X86_64_JMP_SLOT,
			elf.R_X86_64_RELATIVE,
			elf.R_X86_64_DTPMOD64,
			elf.R_X86_64_DTPOFF64,
			elf.R_X86_64_TPOFF64,
			elf.R_X86_64_IRELATIVE,
		),
	},
	"riscv64": {
		Name:        "riscv64",
		Bits:        64,
		ByteOrder:   binary.LittleEndian,
		Machine:     elf.EM_RISCV,
		Rel:         "rela",
		RelocPrefix: "R_RISCV",
		Relocs: []string{
			"64", "32", "CALL", "CALL_PLT", "PCREL_HI20", "GOT_HI20",
			"HI20", "LO12_I", "TPREL_HI20",
		},
		PLTSize:    16,
		InstrBytes: 4,
		Relative:   uint32(elf.R_RISCV_RELATIVE),
		DynRelocs: relocNames(
			elf.R_RISCV_64,
			elf.R_RISCV_COPY,
			elf.R_RISCV_JUMP_SLOT,
			elf.R_RISCV_RELATIVE,
			elf.R_RISCV_TLS_DTPMOD64,
			elf.R_RISCV_TLS_DTPREL64,
			elf.R_RISCV_TLS_TPREL64,
		),
	},
	"arm": {
		Name:        "arm",
		Bits:        32,
		ByteOrder:   binary.LittleEndian,
		Machine:     elf.EM_ARM,
		Rel:         "rel",
		RelocPrefix: "R_ARM",
		Relocs: []string{
			"ABS32", "REL32", "CALL", "JUMP24", "GOT_PREL", "GOT_ABS",
			"MOVW_ABS_NC", "MOVT_ABS", "TLS_LE32",
		},
		PLTSize:    16,
		InstrBytes: 4,
		Relative:   uint32(elf.R_ARM_RELATIVE),
		DynRelocs: relocNames(
			elf.R_ARM_ABS32,
			elf.R_ARM_COPY,
			elf.R_ARM_GLOB_DAT,
			elf.R_ARM_JUMP_SLOT,
			elf.R_ARM_RELATIVE,
			elf.R_ARM_TLS_DTPMOD32,
			elf.R_ARM_TLS_DTPOFF32,
			elf.R_ARM_TLS_TPOFF32,
			elf.R_ARM_IRELATIVE,
		),
	},
	"i386": {
		Name:        "i386",
		Bits:        32,
		ByteOrder:   binary.LittleEndian,
		Machine:     elf.EM_386,
		Rel:         "rel",
		RelocPrefix: "R_386",
		Relocs: []string{
			"32", "PC32", "PLT32", "GOT32", "GOT32X", "GOTOFF", "GOTPC", "TLS_LE",
		},
		PLTSize:    16,
		InstrBytes: 4,
		Relative:   uint32(elf.R_386_RELATIVE),
		DynRelocs: relocNames(
			elf.R_386_32,
			elf.R_386_COPY,
			elf.R_386_GLOB_DAT,
			elf.R_386_JMP_SLOT,
			elf.R_386_RELATIVE,
			elf.R_386_TLS_DTPMOD32,
			elf.R_386_TLS_DTPOFF32,
			elf.R_386_TLS_TPOFF,
			elf.R_386_IRELATIVE,
		),
	},
}

var aliases = map[string]string{
	"arm64":  "aarch64",
	"amd64":  "x86_64",
	"x86-64": "x86_64",
	"rv64":   "riscv64",
	"riscv":  "riscv64",
	"arm32":  "arm",
	"x86":    "i386",
	"386":    "i386",
}

// Lookup returns the descriptor for an architecture name or alias.
func Lookup(name string) (*Arch, error) {
	key := strings.ToLower(name)
	if canon, ok := aliases[key]; ok {
		key = canon
	}
	a, ok := archs[key]
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnknownArch, name, strings.Join(Names(), ", "))
	}
	return a, nil
}

// Names returns the canonical architecture names, sorted.
func Names() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
