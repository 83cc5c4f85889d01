package inspect

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A wrappedError is an error wrapped with a location for context.
type wrappedError struct {
	location string
	inner    error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %v", e.location, e.inner)
}

func (e *wrappedError) Unwrap() error {
	return e.inner
}

// wrapError returns an error wrapped with a location for context.
func wrapError(e error, loc string) error {
	if we, ok := e.(*wrappedError); ok {
		return &wrappedError{
			location: loc + ": " + we.location,
			inner:    we.inner,
		}
	}
	return &wrappedError{
		location: loc,
		inner:    e,
	}
}

// wrapErrorf returns an error wrapped with a formatted location for context.
func wrapErrorf(e error, f string, a ...interface{}) error {
	return wrapError(e, fmt.Sprintf(f, a...))
}

func wrapErrorSection(e error, i int, s *elf.Section) error {
	return wrapErrorf(e, "section %d %q", i, s.Name)
}

func wrapErrorSegment(e error, i int) error {
	return wrapErrorf(e, "segment %d", i)
}

// =================================================================================================

// RELR tags, which debug/elf does not name.
const (
	dtRELRSZ elf.DynTag = 35
	dtRELR   elf.DynTag = 36
)

// An addrRange is a range of addresses in the ELF file.
type addrRange struct {
	addr uint64
	size uint64
}

// hasAddr returns true if the range contains the given address.
func (x addrRange) hasAddr(addr uint64) bool {
	return x.addr <= addr && addr-x.addr < x.size
}

// contains returns true if x contains all of y.
func (x addrRange) contains(y addrRange) bool {
	return x.addr <= y.addr && y.addr+y.size <= x.addr+x.size
}

// sectionByAddr returns the index of the first section, in header order, whose
// memory image contains addr. Sections without file data or that are not
// loaded are ignored. It returns -1 if no section matches.
func sectionByAddr(f *elf.File, addr uint64) int {
	for i, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if (addrRange{s.Addr, s.Size}).hasAddr(addr) {
			return i
		}
	}
	return -1
}

// readAddr reads size bytes of the file image at a virtual address, through
// the PT_LOAD segment that contains them.
func readAddr(f *elf.File, addr, size uint64) ([]byte, error) {
	want := addrRange{addr, size}
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !(addrRange{p.Vaddr, p.Filesz}).contains(want) {
			continue
		}
		data := make([]byte, size)
		if _, err := p.ReadAt(data, int64(addr-p.Vaddr)); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, wrapErrorSegment(err, i)
		}
		return data, nil
	}
	return nil, fmt.Errorf("address range 0x%x+0x%x is not in a loaded segment", addr, size)
}

// sectionData returns the contents of a section. Sections without file data
// have no contents.
func sectionData(f *elf.File, i int) ([]byte, error) {
	s := f.Sections[i]
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, wrapErrorSection(err, i, s)
	}
	return data, nil
}

// =================================================================================================

// A dynEntry is one entry of the dynamic segment.
type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// dynamicSegment returns the first PT_DYNAMIC segment and its index, or nil.
func dynamicSegment(f *elf.File) (int, *elf.Prog) {
	for i, p := range f.Progs {
		if p.Type == elf.PT_DYNAMIC {
			return i, p
		}
	}
	return -1, nil
}

// readDynamic decodes the entries of a dynamic segment, up to DT_NULL.
func readDynamic(f *elf.File, i int, p *elf.Prog) ([]dynEntry, error) {
	data := make([]byte, p.Filesz)
	if _, err := p.ReadAt(data, 0); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, wrapErrorSegment(err, i)
	}
	r := bytes.NewReader(data)
	var entries []dynEntry
	for r.Len() > 0 {
		var e dynEntry
		switch f.Class {
		case elf.ELFCLASS64:
			var d elf.Dyn64
			if err := binary.Read(r, f.ByteOrder, &d); err != nil {
				return nil, wrapErrorSegment(errors.New("truncated dynamic entry"), i)
			}
			e = dynEntry{elf.DynTag(d.Tag), d.Val}
		case elf.ELFCLASS32:
			var d elf.Dyn32
			if err := binary.Read(r, f.ByteOrder, &d); err != nil {
				return nil, wrapErrorSegment(errors.New("truncated dynamic entry"), i)
			}
			e = dynEntry{elf.DynTag(d.Tag), uint64(d.Val)}
		default:
			return nil, fmt.Errorf("ELF has class %s, which is unsupported", f.Class)
		}
		if e.tag == elf.DT_NULL {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// tagValues maps dynamic tags to their values. A repeated tag keeps its last
// value.
func tagValues(entries []dynEntry) map[elf.DynTag]uint64 {
	m := make(map[elf.DynTag]uint64, len(entries))
	for _, e := range entries {
		m[e.tag] = e.val
	}
	return m
}

// =================================================================================================

// A dynReloc is one decoded dynamic relocation.
type dynReloc struct {
	off       uint64
	sym       uint32
	typ       uint32
	addend    int64
	hasAddend bool
}

// A relocTable is one dynamic relocation table.
type relocTable struct {
	name   string
	relocs []dynReloc
}

// decodeRel decodes a single REL or RELA entry.
func decodeRel(f *elf.File, data []byte, rela bool) (dynReloc, error) {
	r := bytes.NewReader(data)
	switch f.Class {
	case elf.ELFCLASS64:
		if rela {
			var rel elf.Rela64
			if err := binary.Read(r, f.ByteOrder, &rel); err != nil {
				return dynReloc{}, err
			}
			return dynReloc{rel.Off, elf.R_SYM64(rel.Info), elf.R_TYPE64(rel.Info), rel.Addend, true}, nil
		}
		var rel elf.Rel64
		if err := binary.Read(r, f.ByteOrder, &rel); err != nil {
			return dynReloc{}, err
		}
		return dynReloc{off: rel.Off, sym: elf.R_SYM64(rel.Info), typ: elf.R_TYPE64(rel.Info)}, nil
	case elf.ELFCLASS32:
		if rela {
			var rel elf.Rela32
			if err := binary.Read(r, f.ByteOrder, &rel); err != nil {
				return dynReloc{}, err
			}
			return dynReloc{uint64(rel.Off), elf.R_SYM32(rel.Info), elf.R_TYPE32(rel.Info), int64(rel.Addend), true}, nil
		}
		var rel elf.Rel32
		if err := binary.Read(r, f.ByteOrder, &rel); err != nil {
			return dynReloc{}, err
		}
		return dynReloc{off: uint64(rel.Off), sym: elf.R_SYM32(rel.Info), typ: elf.R_TYPE32(rel.Info)}, nil
	}
	return dynReloc{}, fmt.Errorf("ELF has class %s, which is unsupported", f.Class)
}

// readRelTable reads a REL or RELA table of size bytes at addr.
func readRelTable(f *elf.File, addr, size, entsize uint64, rela bool) ([]dynReloc, error) {
	if entsize == 0 {
		entsize = relEntSize(f.Class, rela)
	}
	if size%entsize != 0 {
		return nil, fmt.Errorf("table size %d is not a multiple of entry size %d", size, entsize)
	}
	data, err := readAddr(f, addr, size)
	if err != nil {
		return nil, err
	}
	relocs := make([]dynReloc, 0, size/entsize)
	for off := uint64(0); off < size; off += entsize {
		rel, err := decodeRel(f, data[off:off+entsize], rela)
		if err != nil {
			return nil, wrapErrorf(err, "entry at 0x%x", addr+off)
		}
		relocs = append(relocs, rel)
	}
	return relocs, nil
}

// relEntSize returns the standard entry size of a REL or RELA table.
func relEntSize(class elf.Class, rela bool) uint64 {
	word := uint64(4)
	if class == elf.ELFCLASS64 {
		word = 8
	}
	if rela {
		return 3 * word
	}
	return 2 * word
}

// readRelrTable reads a packed relative relocation table and expands it into
// one relocation of type relative per address.
func readRelrTable(f *elf.File, addr, size uint64, relative uint32) ([]dynReloc, error) {
	word := uint64(4)
	if f.Class == elf.ELFCLASS64 {
		word = 8
	}
	if size%word != 0 {
		return nil, fmt.Errorf("RELR table size %d is not a multiple of %d", size, word)
	}
	data, err := readAddr(f, addr, size)
	if err != nil {
		return nil, err
	}
	var relocs []dynReloc
	var base uint64
	for off := uint64(0); off < size; off += word {
		var entry uint64
		if word == 8 {
			entry = f.ByteOrder.Uint64(data[off:])
		} else {
			entry = uint64(f.ByteOrder.Uint32(data[off:]))
		}
		if entry&1 == 0 {
			relocs = append(relocs, dynReloc{off: entry, typ: relative})
			base = entry + word
			continue
		}
		for i, bits := uint64(0), entry>>1; bits != 0; i, bits = i+1, bits>>1 {
			if bits&1 != 0 {
				relocs = append(relocs, dynReloc{off: base + i*word, typ: relative})
			}
		}
		base += (8*word - 1) * word
	}
	return relocs, nil
}

// relocTables reads the dynamic relocation tables named by the dynamic
// entries, in the order REL, RELA, JMPREL, RELR. Tables that are not present
// are omitted.
func relocTables(f *elf.File, tags map[elf.DynTag]uint64, relative uint32) ([]relocTable, error) {
	var tables []relocTable
	if addr, ok := tags[elf.DT_REL]; ok {
		relocs, err := readRelTable(f, addr, tags[elf.DT_RELSZ], tags[elf.DT_RELENT], false)
		if err != nil {
			return nil, wrapError(err, "REL")
		}
		tables = append(tables, relocTable{"REL", relocs})
	}
	if addr, ok := tags[elf.DT_RELA]; ok {
		relocs, err := readRelTable(f, addr, tags[elf.DT_RELASZ], tags[elf.DT_RELAENT], true)
		if err != nil {
			return nil, wrapError(err, "RELA")
		}
		tables = append(tables, relocTable{"RELA", relocs})
	}
	if addr, ok := tags[elf.DT_JMPREL]; ok {
		rela := elf.DynTag(tags[elf.DT_PLTREL]) == elf.DT_RELA
		entsize := tags[elf.DT_RELENT]
		if rela {
			entsize = tags[elf.DT_RELAENT]
		}
		relocs, err := readRelTable(f, addr, tags[elf.DT_PLTRELSZ], entsize, rela)
		if err != nil {
			return nil, wrapError(err, "JMPREL")
		}
		tables = append(tables, relocTable{"JMPREL", relocs})
	}
	if addr, ok := tags[dtRELR]; ok {
		relocs, err := readRelrTable(f, addr, tags[dtRELRSZ], relative)
		if err != nil {
			return nil, wrapError(err, "RELR")
		}
		tables = append(tables, relocTable{"RELR", relocs})
	}
	return tables, nil
}
