// Package objyaml builds minimal ELF relocatable object descriptions in the
// YAML dialect understood by yaml2obj, and converts them to object files.
package objyaml

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"moria.us/reloctest/arch"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid object description")

// A Kind selects which variant of section a Section is.
type Kind int

const (
	KindProgBits Kind = iota // code or data with literal content
	KindRel                  // SHT_REL relocations
	KindRela                 // SHT_RELA relocations
)

func (k Kind) String() string {
	switch k {
	case KindProgBits:
		return "progbits"
	case KindRel:
		return "rel"
	case KindRela:
		return "rela"
	default:
		return "unknown"
	}
}

// IsReloc returns true for relocation section kinds.
func (k Kind) IsReloc() bool {
	return k == KindRel || k == KindRela
}

// A FileHeader is the ELF header of an object description.
type FileHeader struct {
	Class   string `yaml:"Class"`
	Data    string `yaml:"Data"`
	Type    string `yaml:"Type"`
	Machine string `yaml:"Machine"`
}

// A Relocation is a single entry of a relocation section.
type Relocation struct {
	Symbol string `yaml:"Symbol"`
	Offset uint64 `yaml:"Offset"`
	Type   string `yaml:"Type"`
}

// A Symbol is a symbol table entry. Undefined symbols have no Type, Section or
// Value.
type Symbol struct {
	Name    string `yaml:"Name"`
	Type    string `yaml:"Type,omitempty"`
	Binding string `yaml:"Binding"`
	Section string `yaml:"Section,omitempty"`
	Value   uint64 `yaml:"Value,omitempty"`
}

// A Section is one section of an object description. Content is only used by
// KindProgBits; Link, Info and Relocations only by relocation kinds.
type Section struct {
	Kind        Kind
	Name        string
	Flags       []string
	Content     string
	Link        string
	Info        string
	Relocations []Relocation
}

type progBitsYAML struct {
	Name    string   `yaml:"Name"`
	Type    string   `yaml:"Type"`
	Flags   []string `yaml:"Flags,flow"`
	Content string   `yaml:"Content"`
}

type relocYAML struct {
	Name        string       `yaml:"Name"`
	Type        string       `yaml:"Type"`
	Flags       []string     `yaml:"Flags,flow"`
	Link        string       `yaml:"Link"`
	Info        string       `yaml:"Info"`
	Relocations []Relocation `yaml:"Relocations"`
}

// MarshalYAML renders the section variant with only the keys yaml2obj expects
// for its kind.
func (s *Section) MarshalYAML() (interface{}, error) {
	switch s.Kind {
	case KindProgBits:
		return progBitsYAML{
			Name:    s.Name,
			Type:    elf.SHT_PROGBITS.String(),
			Flags:   s.Flags,
			Content: s.Content,
		}, nil
	case KindRel, KindRela:
		typ := elf.SHT_REL
		if s.Kind == KindRela {
			typ = elf.SHT_RELA
		}
		relocs := s.Relocations
		if relocs == nil {
			relocs = []Relocation{}
		}
		return relocYAML{
			Name:        s.Name,
			Type:        typ.String(),
			Flags:       s.Flags,
			Link:        s.Link,
			Info:        s.Info,
			Relocations: relocs,
		}, nil
	default:
		return nil, fmt.Errorf("%w: section %q has unknown kind %d", ErrInvalid, s.Name, int(s.Kind))
	}
}

// An Object is a YAML-expressible ELF relocatable object.
type Object struct {
	FileHeader FileHeader `yaml:"FileHeader"`
	Sections   []*Section `yaml:"Sections"`
	Symbols    []Symbol   `yaml:"Symbols"`
}

// NewObject returns an empty relocatable object for the architecture.
func NewObject(a *arch.Arch) *Object {
	return &Object{
		FileHeader: FileHeader{
			Class:   a.Class(),
			Data:    a.Data(),
			Type:    elf.ET_REL.String(),
			Machine: a.Machine.String(),
		},
		Sections: []*Section{},
		Symbols:  []Symbol{},
	}
}

// wordContent returns one machine word of 0xff bytes, as hex.
func wordContent(a *arch.Arch) string {
	return strings.Repeat("ff", a.WordBytes())
}

// TextSection returns a .text section holding one word of content.
func TextSection(a *arch.Arch) *Section {
	return &Section{
		Kind:    KindProgBits,
		Name:    ".text",
		Flags:   []string{elf.SHF_ALLOC.String(), elf.SHF_EXECINSTR.String()},
		Content: wordContent(a),
	}
}

// DataSection returns a .data section holding one word of content.
func DataSection(a *arch.Arch) *Section {
	return &Section{
		Kind:    KindProgBits,
		Name:    ".data",
		Flags:   []string{elf.SHF_ALLOC.String(), elf.SHF_WRITE.String()},
		Content: wordContent(a),
	}
}

// RelSection returns an empty relocation section applying to target, using
// the architecture's REL or RELA flavour.
func RelSection(a *arch.Arch, target *Section) *Section {
	kind := KindRel
	if a.Rel == "rela" {
		kind = KindRela
	}
	return &Section{
		Kind:  kind,
		Name:  "." + a.Rel + target.Name,
		Flags: []string{elf.SHF_INFO_LINK.String()},
		Link:  ".symtab",
		Info:  target.Name,
	}
}

// AddSections appends sections in order.
func (o *Object) AddSections(secs ...*Section) {
	o.Sections = append(o.Sections, secs...)
}

// Section returns the section with the given name, or nil.
func (o *Object) Section(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddSymbol defines a symbol at offset 4 of a section.
func (o *Object) AddSymbol(section, name string, typ elf.SymType, bind elf.SymBind) {
	o.Symbols = append(o.Symbols, Symbol{
		Name:    name,
		Type:    typ.String(),
		Binding: bind.String(),
		Section: section,
		Value:   4,
	})
}

// AddUndefSymbol declares an undefined symbol and adds one relocation of the
// given type against it, at offset 0 of the section rel applies to.
func (o *Object) AddUndefSymbol(a *arch.Arch, rel *Section, name, reloc string, bind elf.SymBind) error {
	if !rel.Kind.IsReloc() {
		return fmt.Errorf("%w: section %q is not a relocation section", ErrInvalid, rel.Name)
	}
	o.Symbols = append(o.Symbols, Symbol{
		Name:    name,
		Binding: bind.String(),
	})
	rel.Relocations = append(rel.Relocations, Relocation{
		Symbol: name,
		Offset: 0,
		Type:   a.RelocType(reloc),
	})
	return nil
}

// Validate checks that section and symbol names are unique and that every
// cross reference resolves.
func (o *Object) Validate() error {
	sections := make(map[string]bool, len(o.Sections))
	for _, s := range o.Sections {
		if s.Name == "" {
			return fmt.Errorf("%w: unnamed section", ErrInvalid)
		}
		if sections[s.Name] {
			return fmt.Errorf("%w: duplicate section %q", ErrInvalid, s.Name)
		}
		sections[s.Name] = true
	}
	symbols := make(map[string]bool, len(o.Symbols))
	for _, sym := range o.Symbols {
		if symbols[sym.Name] {
			return fmt.Errorf("%w: duplicate symbol %q", ErrInvalid, sym.Name)
		}
		symbols[sym.Name] = true
		if sym.Section != "" && !sections[sym.Section] {
			return fmt.Errorf("%w: symbol %q is defined in missing section %q", ErrInvalid, sym.Name, sym.Section)
		}
	}
	for _, s := range o.Sections {
		if !s.Kind.IsReloc() {
			if len(s.Relocations) != 0 {
				return fmt.Errorf("%w: section %q has relocations but is %s", ErrInvalid, s.Name, s.Kind)
			}
			continue
		}
		if !sections[s.Info] {
			return fmt.Errorf("%w: section %q applies to missing section %q", ErrInvalid, s.Name, s.Info)
		}
		for i, r := range s.Relocations {
			if !symbols[r.Symbol] {
				return fmt.Errorf("%w: %s[%d] refers to missing symbol %q", ErrInvalid, s.Name, i, r.Symbol)
			}
		}
	}
	return nil
}

// Marshal validates the object and renders it as a yaml2obj document.
func (o *Object) Marshal() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("--- !ELF\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(o); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("---\n")
	return buf.Bytes(), nil
}
