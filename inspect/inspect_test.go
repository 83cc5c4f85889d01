package inspect

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/internal/testelf"
	"moria.us/reloctest/objyaml"
)

func aarch64(t *testing.T) *arch.Arch {
	t.Helper()
	a, err := arch.Lookup("aarch64")
	require.NoError(t, err)
	return a
}

func le64(vals ...uint64) []byte {
	return testelf.Bytes(binary.LittleEndian, vals)
}

const (
	textAddr    = 0x1000
	pltAddr     = 0x1010
	dynsymAddr  = 0x1100
	dynstrAddr  = 0x1150
	relaDynAddr = 0x1180
	relaPltAddr = 0x11d0
	dynamicAddr = 0x1200
	gotAddr     = 0x1300
	gotPltAddr  = 0x1310
	dataAddr    = 0x1400
	bssAddr     = 0x1408
)

var siteData = le64(0x0102030405060708)

// dynamicImage is a PIE-like aarch64 output with a GLOB_DAT in .got, a
// JUMP_SLOT in .got.plt, a RELATIVE at the start of .data and a RELATIVE
// outside every section.
func dynamicImage() *testelf.Image {
	a := binary.LittleEndian
	dynstr, strs := testelf.Strtab("func", "object")
	syms := []elf.Sym64{
		{},
		{Name: strs["func"], Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)},
		{Name: strs["object"], Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT)},
	}
	relaDyn := []elf.Rela64{
		{Off: gotAddr + 8, Info: elf.R_INFO(2, uint32(elf.R_AARCH64_GLOB_DAT))},
		{Off: dataAddr, Info: elf.R_INFO(0, uint32(elf.R_AARCH64_RELATIVE)), Addend: 16},
		{Off: 0x9000, Info: elf.R_INFO(0, uint32(elf.R_AARCH64_RELATIVE))},
	}
	relaPlt := []elf.Rela64{
		{Off: gotPltAddr + 24, Info: elf.R_INFO(1, uint32(elf.R_AARCH64_JUMP_SLOT))},
	}
	dynamic := []elf.Dyn64{
		{Tag: int64(elf.DT_FLAGS_1), Val: uint64(elf.DF_1_PIE)},
		{Tag: int64(elf.DT_PLTGOT), Val: gotPltAddr},
		{Tag: int64(elf.DT_PLTRELSZ), Val: 24},
		{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_RELA)},
		{Tag: int64(elf.DT_JMPREL), Val: relaPltAddr},
		{Tag: int64(elf.DT_RELA), Val: relaDynAddr},
		{Tag: int64(elf.DT_RELASZ), Val: 72},
		{Tag: int64(elf.DT_RELAENT), Val: 24},
		{Tag: int64(elf.DT_NULL)},
	}
	plt := make([]byte, 36)
	for i := 0; i < 9; i++ {
		a.PutUint32(plt[4*i:], 0xd503201f+uint32(i))
	}
	alloc := elf.SHF_ALLOC
	return &testelf.Image{
		Order:   a,
		Type:    elf.ET_DYN,
		Machine: elf.EM_AARCH64,
		Sections: []testelf.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: alloc | elf.SHF_EXECINSTR, Addr: textAddr, Data: le64(0)},
			{Name: ".plt", Type: elf.SHT_PROGBITS, Flags: alloc | elf.SHF_EXECINSTR, Addr: pltAddr, Data: plt},
			{Name: ".dynsym", Type: elf.SHT_DYNSYM, Flags: alloc, Addr: dynsymAddr, Data: testelf.Bytes(a, syms), Link: ".dynstr", Info: 1, Entsize: elf.Sym64Size},
			{Name: ".dynstr", Type: elf.SHT_STRTAB, Flags: alloc, Addr: dynstrAddr, Data: dynstr},
			{Name: ".rela.dyn", Type: elf.SHT_RELA, Flags: alloc, Addr: relaDynAddr, Data: testelf.Bytes(a, relaDyn), Link: ".dynsym", Entsize: 24},
			{Name: ".rela.plt", Type: elf.SHT_RELA, Flags: alloc, Addr: relaPltAddr, Data: testelf.Bytes(a, relaPlt), Link: ".dynsym", Entsize: 24},
			{Name: ".dynamic", Type: elf.SHT_DYNAMIC, Flags: alloc | elf.SHF_WRITE, Addr: dynamicAddr, Data: testelf.Bytes(a, dynamic), Link: ".dynstr", Entsize: 16},
			{Name: ".got", Type: elf.SHT_PROGBITS, Flags: alloc | elf.SHF_WRITE, Addr: gotAddr, Data: le64(dynamicAddr, 0)},
			{Name: ".got.plt", Type: elf.SHT_PROGBITS, Flags: alloc | elf.SHF_WRITE, Addr: gotPltAddr, Data: le64(0, 0, 0, pltAddr)},
			{Name: ".data", Type: elf.SHT_PROGBITS, Flags: alloc | elf.SHF_WRITE, Addr: dataAddr, Data: siteData},
			{Name: ".bss", Type: elf.SHT_NOBITS, Flags: alloc | elf.SHF_WRITE, Addr: bssAddr, Size: 8},
			{Name: ".comment", Type: elf.SHT_PROGBITS, Data: []byte("test\x00")},
		},
	}
}

const dynamicReport = `DT_FLAGS_1 0x8000000
DT_PLTGOT 0x1310
DT_PLTRELSZ 0x18
DT_PLTREL 0x7
DYNREL RELA[0] offset 0x1308
  .got @0x8
DYNREL RELA[1] offset 0x1400
  .data @0x0
DYNREL RELA[2] offset 0x9000
DYNREL JMPREL[0] offset 0x1328
  .got.plt @0x18
.plt [0] [0xd503201f, 0xd5032020, 0xd5032021, 0xd5032022]
.plt [1] [0xd5032023, 0xd5032024, 0xd5032025, 0xd5032026]
.plt [2] [0xd5032027]
.got [0] 0x1200
.got [1] 0x0
   object R_AARCH64_GLOB_DAT 0
.got.plt [0] 0x0
.got.plt [1] 0x0
.got.plt [2] 0x0
.got.plt [3] 0x1010
   func R_AARCH64_JUMP_SLOT 0
.data @0x0 0x102030405060708
    R_AARCH64_RELATIVE 16
`

func inspectImage(t *testing.T, img *testelf.Image, opts Options) string {
	t.Helper()
	f, err := img.Open()
	require.NoError(t, err)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, InspectFile(f, opts, w))
	require.NoError(t, w.Flush())
	return buf.String()
}

func siteOptions(a *arch.Arch, log *slog.Logger) Options {
	return Options{
		Arch:    a,
		Case:    "pie.dyndat.abs64",
		Section: ".data",
		Relocs:  []objyaml.Relocation{{Symbol: "object", Offset: 0, Type: "R_AARCH64_ABS64"}},
		Log:     log,
	}
}

func TestInspectDynamic(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	got := inspectImage(t, dynamicImage(), siteOptions(aarch64(t), log))
	require.Equal(t, dynamicReport, got)
	require.Contains(t, logs.String(), "pie.dyndat.abs64: no section for relocation")
	require.Contains(t, logs.String(), "table=RELA")
}

func TestInspectPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(path, dynamicImage().Build(), 0o666))
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	opts := siteOptions(aarch64(t), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, Inspect(path, opts, w))
	require.NoError(t, w.Flush())
	require.Equal(t, dynamicReport, buf.String())

	err := Inspect(filepath.Join(t.TempDir(), "missing.out"), opts, w)
	require.Error(t, err)
}

func TestInspectSiteValue(t *testing.T) {
	got := inspectImage(t, dynamicImage(), siteOptions(aarch64(t), nil))
	want := binary.LittleEndian.Uint64(siteData)
	var line string
	for _, l := range strings.Split(got, "\n") {
		if strings.HasPrefix(l, ".data @") {
			line = l
		}
	}
	require.Equal(t, ".data @0x0 0x"+strconv.FormatUint(want, 16), line)
}

// keep returns the image with only the named sections.
func keep(img *testelf.Image, names ...string) *testelf.Image {
	want := make(map[string]bool)
	for _, n := range names {
		want[n] = true
	}
	out := *img
	out.Sections = nil
	for _, s := range img.Sections {
		if want[s.Name] {
			out.Sections = append(out.Sections, s)
		}
	}
	return &out
}

func TestInspectStatic(t *testing.T) {
	img := keep(dynamicImage(), ".text", ".data", ".comment")
	got := inspectImage(t, img, siteOptions(aarch64(t), nil))
	require.Equal(t, ".data @0x0 0x102030405060708\n", got)
}

func TestInspectMissingSections(t *testing.T) {
	tests := []struct {
		name   string
		keep   []string
		expect []string
		absent []string
	}{
		{
			name:   "no got",
			keep:   []string{".text", ".plt", ".data"},
			expect: []string{".plt [2] [0xd5032027]", ".data @0x0 0x102030405060708"},
			absent: []string{".got", "DT_"},
		},
		{
			name:   "no plt",
			keep:   []string{".got", ".got.plt", ".data"},
			expect: []string{".got [0] 0x1200", ".got.plt [3] 0x1010"},
			absent: []string{"0xd503201f", "   object"},
		},
		{
			name:   "no output section",
			keep:   []string{".text"},
			expect: nil,
			absent: []string{".data"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := inspectImage(t, keep(dynamicImage(), test.keep...), siteOptions(aarch64(t), nil))
			for _, e := range test.expect {
				require.Contains(t, got, e+"\n")
			}
			for _, a := range test.absent {
				require.NotContains(t, got, a)
			}
		})
	}
}

func TestInspectNoDynsym(t *testing.T) {
	img := dynamicImage()
	var secs []testelf.Section
	for _, s := range img.Sections {
		switch s.Name {
		case ".dynsym":
		case ".rela.dyn", ".rela.plt":
			s.Link = ""
			secs = append(secs, s)
		default:
			secs = append(secs, s)
		}
	}
	img.Sections = secs
	got := inspectImage(t, img, siteOptions(aarch64(t), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.Contains(t, got, "\n   #2 R_AARCH64_GLOB_DAT 0\n")
	require.Contains(t, got, "\n   #1 R_AARCH64_JUMP_SLOT 0\n")
}

func TestInspectNoArch(t *testing.T) {
	f, err := dynamicImage().Open()
	require.NoError(t, err)
	w := bufio.NewWriter(&bytes.Buffer{})
	require.Error(t, InspectFile(f, Options{}, w))
}

func TestSectionByAddr(t *testing.T) {
	f, err := dynamicImage().Open()
	require.NoError(t, err)
	name := func(addr uint64) string {
		i := sectionByAddr(f, addr)
		if i < 0 {
			return ""
		}
		return f.Sections[i].Name
	}
	require.Equal(t, ".text", name(textAddr))
	require.Equal(t, ".got", name(gotAddr+8))
	require.Equal(t, ".got.plt", name(gotPltAddr))
	require.Equal(t, ".data", name(dataAddr+7))
	require.Equal(t, "", name(bssAddr))
	require.Equal(t, "", name(0))
	require.Equal(t, "", name(0x9000))
}

// loadedFile returns a file whose only content is data mapped at vaddr.
func loadedFile(class elf.Class, order binary.ByteOrder, vaddr uint64, data []byte) *elf.File {
	return &elf.File{
		FileHeader: elf.FileHeader{Class: class, ByteOrder: order},
		Progs: []*elf.Prog{{
			ProgHeader: elf.ProgHeader{
				Type:   elf.PT_LOAD,
				Vaddr:  vaddr,
				Filesz: uint64(len(data)),
				Memsz:  uint64(len(data)),
			},
			ReaderAt: bytes.NewReader(data),
		}},
	}
}

func TestReadRelrTable(t *testing.T) {
	const base = 0x10000
	data := le64(
		base,         // address
		0b101<<1 | 1, // bitmap: base+8, base+24
		1<<1 | 1,     // bitmap: base+8+63*8
	)
	f := loadedFile(elf.ELFCLASS64, binary.LittleEndian, 0x4000, data)
	relocs, err := readRelrTable(f, 0x4000, uint64(len(data)), 1027)
	require.NoError(t, err)
	var offs []uint64
	for _, r := range relocs {
		require.Equal(t, uint32(1027), r.typ)
		require.False(t, r.hasAddend)
		offs = append(offs, r.off)
	}
	require.Equal(t, []uint64{base, base + 8, base + 24, base + 8 + 63*8}, offs)

	_, err = readRelrTable(f, 0x4000, 12, 1027)
	require.Error(t, err)
	_, err = readRelrTable(f, 0x8000, 8, 1027)
	require.Error(t, err)
}

func TestReadRelTable32(t *testing.T) {
	rels := []elf.Rel32{
		{Off: 0x2000, Info: elf.R_INFO32(3, uint32(elf.R_ARM_GLOB_DAT))},
		{Off: 0x2004, Info: elf.R_INFO32(0, uint32(elf.R_ARM_RELATIVE))},
	}
	data := testelf.Bytes(binary.LittleEndian, rels)
	f := loadedFile(elf.ELFCLASS32, binary.LittleEndian, 0x100, data)
	relocs, err := readRelTable(f, 0x100, uint64(len(data)), 0, false)
	require.NoError(t, err)
	require.Equal(t, []dynReloc{
		{off: 0x2000, sym: 3, typ: uint32(elf.R_ARM_GLOB_DAT)},
		{off: 0x2004, typ: uint32(elf.R_ARM_RELATIVE)},
	}, relocs)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeAnnotation(w, "foo", "R_ARM_GLOB_DAT", relocs[0])
	require.NoError(t, w.Flush())
	require.Equal(t, "   foo R_ARM_GLOB_DAT\n", buf.String())

	_, err = readRelTable(f, 0x100, 12, 0, false)
	require.Error(t, err)
}

func TestRelocTablesOrder(t *testing.T) {
	// REL at 0x0, RELA at 0x10, JMPREL at 0x28 and RELR at 0x40.
	var data []byte
	data = append(data, testelf.Bytes(binary.LittleEndian, []elf.Rel64{{Off: 0x10}})...)
	data = append(data, testelf.Bytes(binary.LittleEndian, []elf.Rela64{{Off: 0x20}, {Off: 0x30}})...)
	data = append(data, le64(0x40)...)
	f := loadedFile(elf.ELFCLASS64, binary.LittleEndian, 0, data)
	tags := map[elf.DynTag]uint64{
		dtRELR:          0x40,
		dtRELRSZ:        8,
		elf.DT_JMPREL:   0x28,
		elf.DT_PLTRELSZ: 24,
		elf.DT_PLTREL:   uint64(elf.DT_RELA),
		elf.DT_RELA:     0x10,
		elf.DT_RELASZ:   24,
		elf.DT_REL:      0,
		elf.DT_RELSZ:    16,
	}
	tables, err := relocTables(f, tags, 8)
	require.NoError(t, err)
	var names []string
	var offs []uint64
	for _, tbl := range tables {
		names = append(names, tbl.name)
		require.Len(t, tbl.relocs, 1)
		offs = append(offs, tbl.relocs[0].off)
	}
	require.Equal(t, []string{"REL", "RELA", "JMPREL", "RELR"}, names)
	require.Equal(t, []uint64{0x10, 0x20, 0x30, 0x40}, offs)
	require.True(t, tables[2].relocs[0].hasAddend)
	require.Equal(t, uint32(8), tables[3].relocs[0].typ)
}

func TestReadDynamicStopsAtNull(t *testing.T) {
	f, err := dynamicImage().Open()
	require.NoError(t, err)
	i, p := dynamicSegment(f)
	require.NotNil(t, p)
	entries, err := readDynamic(f, i, p)
	require.NoError(t, err)
	require.Len(t, entries, 8)
	tags := tagValues(append(entries, dynEntry{elf.DT_PLTGOT, 1}))
	require.Equal(t, uint64(1), tags[elf.DT_PLTGOT])
}

func TestReadWord(t *testing.T) {
	require.Equal(t, uint64(0x0201), readWord(binary.LittleEndian, []byte{1, 2}))
	require.Equal(t, uint64(0x0102), readWord(binary.BigEndian, []byte{1, 2}))
	require.Equal(t, uint64(0), readWord(binary.LittleEndian, nil))
	require.Equal(t,
		[]uint64{0x04030201, 0x0605},
		words(binary.LittleEndian, []byte{1, 2, 3, 4, 5, 6}, 4))
	require.Equal(t, uint64(0x0605), wordAt(binary.LittleEndian, []byte{1, 2, 3, 4, 5, 6}, 4, 4))
	require.Equal(t, uint64(0), wordAt(binary.LittleEndian, []byte{1, 2}, 8, 4))
}
