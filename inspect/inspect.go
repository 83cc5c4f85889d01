// Package inspect reports how a linker resolved the relocation in a test
// object: the dynamic tags and relocations of the output, its PLT and GOT
// contents, and the value written at the relocation site.
package inspect

import (
	"bufio"
	"debug/elf"
	"errors"
	"log/slog"
	"strconv"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/objyaml"
)

// printTags are the dynamic tags reported, in report order.
var printTags = []elf.DynTag{elf.DT_FLAGS_1, elf.DT_PLTGOT, elf.DT_PLTRELSZ, elf.DT_PLTREL}

// Options describe what the inspected output was linked from.
type Options struct {
	Arch    *arch.Arch
	Case    string               // case name, for diagnostics
	Section string               // name of the section the relocations apply to
	Relocs  []objyaml.Relocation // relocations of the input object
	Log     *slog.Logger
}

// A slot identifies a location by section index and offset in the section.
type slot struct {
	section int
	off     uint64
}

// sections holds the indexes of the sections the report looks at. Missing
// sections have index -1.
type sections struct {
	dynsym, plt, got, gotplt, output int
}

func findSections(f *elf.File, output string) sections {
	idx := sections{-1, -1, -1, -1, -1}
	for i, s := range f.Sections {
		switch s.Name {
		case ".dynsym":
			idx.dynsym = i
		case ".plt":
			idx.plt = i
		case ".got":
			idx.got = i
		case ".got.plt":
			idx.gotplt = i
		}
		if s.Name == output {
			idx.output = i
		}
	}
	return idx
}

type inspector struct {
	opts Options
	f    *elf.File
	w    *bufio.Writer
	log  *slog.Logger
	idx  sections
	syms []elf.Symbol
	rels map[slot]dynReloc
}

// Inspect opens a linked output file and writes its report.
func Inspect(name string, opts Options, w *bufio.Writer) error {
	f, err := elf.Open(name)
	if err != nil {
		return wrapError(err, name)
	}
	defer f.Close()
	if err := InspectFile(f, opts, w); err != nil {
		return wrapError(err, name)
	}
	return nil
}

// InspectFile writes the report for an already opened output. Any subset of
// .dynsym, .plt, .got and .got.plt may be missing.
func InspectFile(f *elf.File, opts Options, w *bufio.Writer) error {
	if opts.Arch == nil {
		return errors.New("no architecture")
	}
	in := &inspector{
		opts: opts,
		f:    f,
		w:    w,
		log:  opts.Log,
		idx:  findSections(f, opts.Section),
		rels: make(map[slot]dynReloc),
	}
	if in.log == nil {
		in.log = slog.Default()
	}
	if in.idx.dynsym >= 0 {
		syms, err := f.DynamicSymbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return wrapErrorSection(err, in.idx.dynsym, f.Sections[in.idx.dynsym])
		}
		in.syms = syms
	}
	if err := in.dynamic(); err != nil {
		return err
	}
	if err := in.plt(); err != nil {
		return err
	}
	if err := in.got(); err != nil {
		return err
	}
	return in.sites()
}

// dynamic reports the dynamic tags and relocations, and records each dynamic
// relocation by the slot it applies to.
func (in *inspector) dynamic() error {
	i, p := dynamicSegment(in.f)
	if p == nil {
		return nil
	}
	entries, err := readDynamic(in.f, i, p)
	if err != nil {
		return err
	}
	tags := tagValues(entries)
	for _, tag := range printTags {
		if v, ok := tags[tag]; ok {
			writeTag(in.w, tag, v)
		}
	}
	tables, err := relocTables(in.f, tags, in.opts.Arch.Relative)
	if err != nil {
		return wrapErrorSegment(err, i)
	}
	for _, t := range tables {
		for j, r := range t.relocs {
			writeDynRel(in.w, t.name, j, r.off)
			si := sectionByAddr(in.f, r.off)
			if si < 0 {
				in.log.Warn(in.opts.Case+": no section for relocation",
					"table", t.name, "index", j, "offset", r.off)
				continue
			}
			s := in.f.Sections[si]
			off := r.off - s.Addr
			writeLocation(in.w, s.Name, off)
			in.rels[slot{si, off}] = r
		}
	}
	return nil
}

// plt dumps each PLT entry as machine words.
func (in *inspector) plt() error {
	if in.idx.plt < 0 {
		return nil
	}
	data, err := sectionData(in.f, in.idx.plt)
	if err != nil {
		return err
	}
	a := in.opts.Arch
	name := in.f.Sections[in.idx.plt].Name
	for i := 0; len(data) != 0; i++ {
		n := a.PLTSize
		if n > len(data) {
			n = len(data)
		}
		writePLTEntry(in.w, name, i, words(a.ByteOrder, data[:n], a.InstrBytes))
		data = data[n:]
	}
	return nil
}

// got dumps .got and .got.plt slot by slot.
func (in *inspector) got() error {
	a := in.opts.Arch
	size := a.WordBytes()
	for _, si := range []int{in.idx.got, in.idx.gotplt} {
		if si < 0 {
			continue
		}
		data, err := sectionData(in.f, si)
		if err != nil {
			return err
		}
		name := in.f.Sections[si].Name
		for i, v := range words(a.ByteOrder, data, size) {
			writeSlot(in.w, name, i, v)
			in.annotate(slot{si, uint64(i * size)})
		}
	}
	return nil
}

// sites reports the word at each input relocation's offset in the output
// section. This assumes the output section holds one input section.
func (in *inspector) sites() error {
	si := in.idx.output
	if si < 0 {
		return nil
	}
	data, err := sectionData(in.f, si)
	if err != nil {
		return err
	}
	a := in.opts.Arch
	name := in.f.Sections[si].Name
	for _, rel := range in.opts.Relocs {
		writeSite(in.w, name, rel.Offset, wordAt(a.ByteOrder, data, rel.Offset, a.WordBytes()))
		in.annotate(slot{si, rel.Offset})
	}
	return nil
}

// annotate writes the dynamic relocation recorded at s, if any.
func (in *inspector) annotate(s slot) {
	r, ok := in.rels[s]
	if !ok {
		return
	}
	writeAnnotation(in.w, in.symName(r.sym), in.opts.Arch.DynRelocName(r.typ), r)
}

// symName returns the name of a dynamic symbol by its symbol table index.
func (in *inspector) symName(i uint32) string {
	if i == 0 {
		return ""
	}
	if int(i) <= len(in.syms) {
		return in.syms[i-1].Name
	}
	return "#" + strconv.FormatUint(uint64(i), 10)
}
