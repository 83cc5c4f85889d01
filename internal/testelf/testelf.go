// Package testelf builds small ELF64 images for tests. Each allocated
// section is placed at a file offset equal to its address, and a single
// PT_LOAD segment maps them all, so addresses and file offsets coincide.
package testelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// A Section is a section of an image. Size is only used for SHT_NOBITS
// sections; other sections are as large as their data. Link names another
// section of the image.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Data    []byte
	Size    uint64
	Link    string
	Info    uint32
	Entsize uint64
}

// An Image describes an ELF64 file.
type Image struct {
	Order    binary.ByteOrder
	Type     elf.Type
	Machine  elf.Machine
	Sections []Section
}

// Bytes encodes v with binary.Write.
func Bytes(order binary.ByteOrder, v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Strtab returns a string table holding names, and the offset of each name.
func Strtab(names ...string) ([]byte, map[string]uint32) {
	data := []byte{0}
	offs := make(map[string]uint32, len(names))
	for _, n := range names {
		offs[n] = uint32(len(data))
		data = append(data, n...)
		data = append(data, 0)
	}
	return data, offs
}

func align(x, a uint64) uint64 {
	return (x + a - 1) &^ (a - 1)
}

// Build lays out and encodes the image. It panics if allocated sections
// overlap the headers.
func (img *Image) Build() []byte {
	order := img.Order
	if order == nil {
		order = binary.LittleEndian
	}

	secs := append([]Section{{}}, img.Sections...)
	names := make([]string, 0, len(secs))
	for _, s := range secs[1:] {
		names = append(names, s.Name)
	}
	names = append(names, ".shstrtab")
	shstr, nameOff := Strtab(names...)
	secs = append(secs, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstr})

	index := make(map[string]int, len(secs))
	for i, s := range secs {
		if i != 0 {
			index[s.Name] = i
		}
	}

	var dynamic *Section
	for i := range secs {
		if secs[i].Type == elf.SHT_DYNAMIC {
			dynamic = &secs[i]
		}
	}
	phnum := 1
	if dynamic != nil {
		phnum++
	}
	headerEnd := uint64(ehdrSize + phnum*phdrSize)

	// Allocated sections sit at their addresses; the rest follow them.
	offsets := make([]uint64, len(secs))
	var loadEnd uint64 = headerEnd
	for i, s := range secs {
		if i == 0 || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if s.Addr < headerEnd {
			panic(fmt.Sprintf("section %s at 0x%x overlaps headers", s.Name, s.Addr))
		}
		offsets[i] = s.Addr
		if s.Type != elf.SHT_NOBITS && s.Addr+uint64(len(s.Data)) > loadEnd {
			loadEnd = s.Addr + uint64(len(s.Data))
		}
	}
	end := loadEnd
	for i, s := range secs {
		if i == 0 || s.Flags&elf.SHF_ALLOC != 0 {
			continue
		}
		end = align(end, 8)
		offsets[i] = end
		end += uint64(len(s.Data))
	}
	shoff := align(end, 8)
	size := shoff + uint64(len(secs)*shdrSize)
	out := make([]byte, size)

	hdr := elf.Header64{
		Type:      uint16(img.Type),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehdrSize,
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(phnum),
		Shentsize: shdrSize,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(len(secs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if order == binary.BigEndian {
		hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	copy(out, Bytes(order, &hdr))

	progs := []elf.Prog64{{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Off:    0,
		Vaddr:  0,
		Paddr:  0,
		Filesz: loadEnd,
		Memsz:  loadEnd,
		Align:  0x1000,
	}}
	if dynamic != nil {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_DYNAMIC),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    dynamic.Addr,
			Vaddr:  dynamic.Addr,
			Paddr:  dynamic.Addr,
			Filesz: uint64(len(dynamic.Data)),
			Memsz:  uint64(len(dynamic.Data)),
			Align:  8,
		})
	}
	copy(out[ehdrSize:], Bytes(order, progs))

	shdrs := make([]elf.Section64, len(secs))
	for i, s := range secs {
		if i == 0 {
			continue
		}
		if s.Type != elf.SHT_NOBITS {
			copy(out[offsets[i]:], s.Data)
		}
		sz := uint64(len(s.Data))
		if s.Type == elf.SHT_NOBITS {
			sz = s.Size
		}
		var link uint32
		if s.Link != "" {
			li, ok := index[s.Link]
			if !ok {
				panic("unknown link section " + s.Link)
			}
			link = uint32(li)
		}
		shdrs[i] = elf.Section64{
			Name:      nameOff[s.Name],
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       offsets[i],
			Size:      sz,
			Link:      link,
			Info:      s.Info,
			Addralign: 1,
			Entsize:   s.Entsize,
		}
	}
	copy(out[shoff:], Bytes(order, shdrs))
	return out
}

// Open builds the image and parses it with debug/elf.
func (img *Image) Open() (*elf.File, error) {
	return elf.NewFile(bytes.NewReader(img.Build()))
}
