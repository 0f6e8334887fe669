package mkimage

import (
	"debug/elf"
	"encoding/binary"
)

// testSection is a section the test ELF writer emits. Index 0 is always the
// null section, so the first added section gets index 1.
type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	align   uint64
	data    []byte
	size    uint64 // SHT_NOBITS only
	link    uint32
	info    uint32
	entsize uint64
}

type testSym struct {
	name  string
	value uint64
	size  uint64
	typ   elf.SymType
	bind  elf.SymBind
	shndx elf.SectionIndex
}

type testRel struct {
	off    uint64
	sym    uint32
	typ    uint32
	addend int64
}

type testRelTable struct {
	target int
	rela   bool
	rels   []testRel
}

// elfWriter assembles small ELF objects for the tests.
type elfWriter struct {
	class   elf.Class
	machine elf.Machine
	typ     elf.Type
	entry   uint64
	order   binary.ByteOrder

	sections []testSection
	syms     []testSym
	relocs   []testRelTable
	noSymtab bool
}

func newELF(class elf.Class, machine elf.Machine, typ elf.Type) *elfWriter {
	return &elfWriter{class: class, machine: machine, typ: typ, order: binary.LittleEndian}
}

func (w *elfWriter) section(s testSection) int {
	w.sections = append(w.sections, s)
	return len(w.sections)
}

func (w *elfWriter) text(name string, align uint64, code []byte) int {
	return w.section(testSection{name: name, typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, align: align, data: code})
}

func (w *elfWriter) data(name string, align uint64, data []byte) int {
	return w.section(testSection{name: name, typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: align, data: data})
}

func (w *elfWriter) bss(name string, align, size uint64) int {
	return w.section(testSection{name: name, typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: align, size: size})
}

// symbol adds a symbol and returns its index. Index 0 is the null symbol.
func (w *elfWriter) symbol(s testSym) uint32 {
	if s.bind == 0 && s.typ != elf.STT_SECTION && s.typ != elf.STT_FILE {
		s.bind = elf.STB_GLOBAL
	}
	w.syms = append(w.syms, s)
	return uint32(len(w.syms))
}

func (w *elfWriter) rela(target int, rels ...testRel) {
	w.relocs = append(w.relocs, testRelTable{target: target, rela: true, rels: rels})
}

func (w *elfWriter) rel(target int, rels ...testRel) {
	w.relocs = append(w.relocs, testRelTable{target: target, rels: rels})
}

func (w *elfWriter) is64() bool {
	return w.class == elf.ELFCLASS64
}

func (w *elfWriter) put(b []byte, off int, width int, v uint64) {
	switch width {
	case 1:
		b[off] = byte(v)
	case 2:
		w.order.PutUint16(b[off:], uint16(v))
	case 4:
		w.order.PutUint32(b[off:], uint32(v))
	case 8:
		w.order.PutUint64(b[off:], v)
	}
}

// word is the width of addresses and offsets in the class.
func (w *elfWriter) word() int {
	if w.is64() {
		return 8
	}
	return 4
}

type strtab struct {
	b []byte
}

func newStrtab() *strtab {
	return &strtab{b: []byte{0}}
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	off := uint32(len(t.b))
	t.b = append(t.b, s...)
	t.b = append(t.b, 0)
	return off
}

func (w *elfWriter) symtab() (*strtab, []byte) {
	names := newStrtab()
	size := 16
	if w.is64() {
		size = 24
	}
	b := make([]byte, size*(len(w.syms)+1))
	for i, s := range w.syms {
		p := b[size*(i+1):]
		info := uint64(byte(s.bind)<<4 | byte(s.typ)&0xf)
		name := uint64(names.add(s.name))
		if w.is64() {
			w.put(p, 0, 4, name)
			w.put(p, 4, 1, info)
			w.put(p, 6, 2, uint64(s.shndx))
			w.put(p, 8, 8, s.value)
			w.put(p, 16, 8, s.size)
		} else {
			w.put(p, 0, 4, name)
			w.put(p, 4, 4, s.value)
			w.put(p, 8, 4, s.size)
			w.put(p, 12, 1, info)
			w.put(p, 14, 2, uint64(s.shndx))
		}
	}
	return names, b
}

func (w *elfWriter) relTable(t testRelTable) ([]byte, uint64) {
	var size int
	switch {
	case w.is64() && t.rela:
		size = 24
	case w.is64():
		size = 16
	case t.rela:
		size = 12
	default:
		size = 8
	}
	b := make([]byte, size*len(t.rels))
	for i, r := range t.rels {
		p := b[size*i:]
		if w.is64() {
			w.put(p, 0, 8, r.off)
			w.put(p, 8, 8, uint64(r.sym)<<32|uint64(r.typ))
			if t.rela {
				w.put(p, 16, 8, uint64(r.addend))
			}
		} else {
			w.put(p, 0, 4, r.off)
			w.put(p, 4, 4, uint64(r.sym)<<8|uint64(r.typ&0xff))
			if t.rela {
				w.put(p, 8, 4, uint64(r.addend))
			}
		}
	}
	return b, uint64(size)
}

// bytes lays the object out as header, section contents and section header
// table. Relocation tables follow the added sections, then the symbol
// table, its string table and the section name table.
func (w *elfWriter) bytes() []byte {
	all := append([]testSection(nil), w.sections...)
	symtabIdx := len(all) + len(w.relocs) + 1
	for _, t := range w.relocs {
		b, entsize := w.relTable(t)
		name := ".rel" + w.sections[t.target-1].name
		typ := elf.SHT_REL
		if t.rela {
			name = ".rela" + w.sections[t.target-1].name
			typ = elf.SHT_RELA
		}
		all = append(all, testSection{name: name, typ: typ, data: b, link: uint32(symtabIdx), info: uint32(t.target), entsize: entsize, align: 8})
	}
	names, symb := w.symtab()
	symEnt := uint64(16)
	if w.is64() {
		symEnt = 24
	}
	if !w.noSymtab {
		all = append(all, testSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symb, link: uint32(symtabIdx + 1), entsize: symEnt, align: 8})
		all = append(all, testSection{name: ".strtab", typ: elf.SHT_STRTAB, data: names.b, align: 1})
	}
	shstr := newStrtab()
	nameOffs := make([]uint32, len(all))
	for i, s := range all {
		nameOffs[i] = shstr.add(s.name)
	}
	shstrName := shstr.add(".shstrtab")
	all = append(all, testSection{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.b, align: 1})
	nameOffs = append(nameOffs, shstrName)

	ehsize, shentsize := 52, 40
	if w.is64() {
		ehsize, shentsize = 64, 64
	}
	out := make([]byte, ehsize)
	offsets := make([]uint64, len(all))
	for i, s := range all {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		offsets[i] = uint64(len(out))
		if s.typ != elf.SHT_NOBITS {
			out = append(out, s.data...)
		}
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := len(out)
	out = append(out, make([]byte, shentsize*(len(all)+1))...)

	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(w.class)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if w.order == binary.BigEndian {
		out[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w.put(out, 16, 2, uint64(w.typ))
	w.put(out, 18, 2, uint64(w.machine))
	w.put(out, 20, 4, uint64(elf.EV_CURRENT))
	word := w.word()
	w.put(out, 24, word, w.entry)
	if w.is64() {
		w.put(out, 40, 8, uint64(shoff))
		w.put(out, 52, 2, uint64(ehsize))
		w.put(out, 58, 2, uint64(shentsize))
		w.put(out, 60, 2, uint64(len(all)+1))
		w.put(out, 62, 2, uint64(len(all)))
	} else {
		w.put(out, 32, 4, uint64(shoff))
		w.put(out, 40, 2, uint64(ehsize))
		w.put(out, 46, 2, uint64(shentsize))
		w.put(out, 48, 2, uint64(len(all)+1))
		w.put(out, 50, 2, uint64(len(all)))
	}

	for i, s := range all {
		p := out[shoff+shentsize*(i+1):]
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		if w.is64() {
			w.put(p, 0, 4, uint64(nameOffs[i]))
			w.put(p, 4, 4, uint64(s.typ))
			w.put(p, 8, 8, uint64(s.flags))
			w.put(p, 16, 8, s.addr)
			w.put(p, 24, 8, offsets[i])
			w.put(p, 32, 8, size)
			w.put(p, 40, 4, uint64(s.link))
			w.put(p, 44, 4, uint64(s.info))
			w.put(p, 48, 8, s.align)
			w.put(p, 56, 8, s.entsize)
		} else {
			w.put(p, 0, 4, uint64(nameOffs[i]))
			w.put(p, 4, 4, uint64(s.typ))
			w.put(p, 8, 4, uint64(s.flags))
			w.put(p, 12, 4, s.addr)
			w.put(p, 16, 4, offsets[i])
			w.put(p, 20, 4, size)
			w.put(p, 24, 4, uint64(s.link))
			w.put(p, 28, 4, uint64(s.info))
			w.put(p, 32, 4, s.align)
			w.put(p, 36, 4, s.entsize)
		}
	}
	return out
}
