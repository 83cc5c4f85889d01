package inspect

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"strconv"
)

// readWord decodes a word of up to 8 bytes. Short input is decoded from the
// bytes present, as the most significant bytes missing.
func readWord(order binary.ByteOrder, b []byte) uint64 {
	var v uint64
	if order == binary.BigEndian {
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v
	}
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// words splits data into words of size bytes. The last word may be short.
func words(order binary.ByteOrder, data []byte, size int) []uint64 {
	var out []uint64
	for len(data) != 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, readWord(order, data[:n]))
		data = data[n:]
	}
	return out
}

// wordAt returns the word at off, or the part of it that is inside data.
func wordAt(order binary.ByteOrder, data []byte, off uint64, size int) uint64 {
	if off >= uint64(len(data)) {
		return 0
	}
	end := off + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return readWord(order, data[off:end])
}

func writeHex(w *bufio.Writer, v uint64) {
	w.WriteString("0x")
	w.WriteString(strconv.FormatUint(v, 16))
}

// writeIndexed writes "<name> [<i>]".
func writeIndexed(w *bufio.Writer, name string, i int) {
	w.WriteString(name)
	w.WriteString(" [")
	w.WriteString(strconv.Itoa(i))
	w.WriteByte(']')
}

// writeTag writes "<tag> 0x<val>".
func writeTag(w *bufio.Writer, tag elf.DynTag, val uint64) {
	w.WriteString(tag.String())
	w.WriteByte(' ')
	writeHex(w, val)
	w.WriteByte('\n')
}

// writeDynRel writes the DYNREL line for one dynamic relocation.
func writeDynRel(w *bufio.Writer, table string, i int, off uint64) {
	w.WriteString("DYNREL ")
	w.WriteString(table)
	w.WriteByte('[')
	w.WriteString(strconv.Itoa(i))
	w.WriteString("] offset ")
	writeHex(w, off)
	w.WriteByte('\n')
}

// writeLocation writes "  <section> @0x<off>".
func writeLocation(w *bufio.Writer, section string, off uint64) {
	w.WriteString("  ")
	w.WriteString(section)
	w.WriteString(" @")
	writeHex(w, off)
	w.WriteByte('\n')
}

// writePLTEntry writes one PLT entry as a list of machine words.
func writePLTEntry(w *bufio.Writer, name string, i int, entry []uint64) {
	writeIndexed(w, name, i)
	w.WriteString(" [")
	for j, v := range entry {
		if j != 0 {
			w.WriteString(", ")
		}
		writeHex(w, v)
	}
	w.WriteString("]\n")
}

// writeSlot writes one GOT slot.
func writeSlot(w *bufio.Writer, name string, i int, v uint64) {
	writeIndexed(w, name, i)
	w.WriteByte(' ')
	writeHex(w, v)
	w.WriteByte('\n')
}

// writeSite writes the value found at a static relocation site.
func writeSite(w *bufio.Writer, section string, off, v uint64) {
	w.WriteString(section)
	w.WriteString(" @")
	writeHex(w, off)
	w.WriteByte(' ')
	writeHex(w, v)
	w.WriteByte('\n')
}

// writeAnnotation writes the dynamic relocation that applies to a slot or
// site: symbol, relocation type and, for RELA entries, the addend.
func writeAnnotation(w *bufio.Writer, sym, typ string, r dynReloc) {
	w.WriteString("   ")
	w.WriteString(sym)
	w.WriteByte(' ')
	w.WriteString(typ)
	if r.hasAddend {
		w.WriteByte(' ')
		w.WriteString(strconv.FormatInt(r.addend, 10))
	}
	w.WriteByte('\n')
}
