package mkimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// field is one fixed-width member of an on-disk ELF structure.
type field struct {
	off, width int
}

type ehdrLayout struct {
	size      int
	typ       field
	machine   field
	version   field
	entry     field
	shoff     field
	shentsize field
	shnum     field
	shstrndx  field
}

type shdrLayout struct {
	size      int
	name      field
	typ       field
	flags     field
	addr      field
	offset    field
	fsize     field
	link      field
	info      field
	addralign field
	entsize   field
}

type symLayout struct {
	size  int
	name  field
	value field
	fsize field
	info  field
	other field
	shndx field
}

type relLayout struct {
	size   int
	rsize  int // with addend
	offset field
	info   field
	addend field
}

type classLayout struct {
	ehdr ehdrLayout
	shdr shdrLayout
	sym  symLayout
	rel  relLayout
	// symShift and typeMask split r_info.
	symShift uint
	typeMask uint64
}

var layouts = map[elf.Class]*classLayout{
	elf.ELFCLASS32: {
		ehdr: ehdrLayout{
			size:      52,
			typ:       field{16, 2},
			machine:   field{18, 2},
			version:   field{20, 4},
			entry:     field{24, 4},
			shoff:     field{32, 4},
			shentsize: field{46, 2},
			shnum:     field{48, 2},
			shstrndx:  field{50, 2},
		},
		shdr: shdrLayout{
			size:      40,
			name:      field{0, 4},
			typ:       field{4, 4},
			flags:     field{8, 4},
			addr:      field{12, 4},
			offset:    field{16, 4},
			fsize:     field{20, 4},
			link:      field{24, 4},
			info:      field{28, 4},
			addralign: field{32, 4},
			entsize:   field{36, 4},
		},
		sym: symLayout{
			size:  16,
			name:  field{0, 4},
			value: field{4, 4},
			fsize: field{8, 4},
			info:  field{12, 1},
			other: field{13, 1},
			shndx: field{14, 2},
		},
		rel: relLayout{
			size:   8,
			rsize:  12,
			offset: field{0, 4},
			info:   field{4, 4},
			addend: field{8, 4},
		},
		symShift: 8,
		typeMask: 0xff,
	},
	elf.ELFCLASS64: {
		ehdr: ehdrLayout{
			size:      64,
			typ:       field{16, 2},
			machine:   field{18, 2},
			version:   field{20, 4},
			entry:     field{24, 8},
			shoff:     field{40, 8},
			shentsize: field{58, 2},
			shnum:     field{60, 2},
			shstrndx:  field{62, 2},
		},
		shdr: shdrLayout{
			size:      64,
			name:      field{0, 4},
			typ:       field{4, 4},
			flags:     field{8, 8},
			addr:      field{16, 8},
			offset:    field{24, 8},
			fsize:     field{32, 8},
			link:      field{40, 4},
			info:      field{44, 4},
			addralign: field{48, 8},
			entsize:   field{56, 8},
		},
		sym: symLayout{
			size:  24,
			name:  field{0, 4},
			info:  field{4, 1},
			other: field{5, 1},
			shndx: field{6, 2},
			value: field{8, 8},
			fsize: field{16, 8},
		},
		rel: relLayout{
			size:   16,
			rsize:  24,
			offset: field{0, 8},
			info:   field{8, 8},
			addend: field{16, 8},
		},
		symShift: 32,
		typeMask: 0xffffffff,
	},
}

// decoder reads fields of one structure instance at base. The first failed
// read sticks in err and every later read returns 0.
type decoder struct {
	b     []byte
	order binary.ByteOrder
	base  uint64
	what  string
	err   error
}

func (d *decoder) get(fl field) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := readField(d.b, d.base, fl, d.order)
	if err != nil {
		d.err = malformedf("%s at 0x%x: %v", d.what, d.base, err)
	}
	return v
}

func readField(b []byte, base uint64, fl field, order binary.ByteOrder) (uint64, error) {
	start := base + uint64(fl.off)
	end := start + uint64(fl.width)
	if start < base || end < start || end > uint64(len(b)) {
		return 0, fmt.Errorf("field [0x%x, 0x%x) past end of buffer (0x%x)", start, end, len(b))
	}
	p := b[start:end]
	switch fl.width {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(order.Uint16(p)), nil
	case 4:
		return uint64(order.Uint32(p)), nil
	case 8:
		return order.Uint64(p), nil
	}
	return 0, fmt.Errorf("unsupported field width %d", fl.width)
}

// File is a parsed view over an ELF object held entirely in memory. The
// underlying bytes are never modified.
type File struct {
	Class     elf.Class
	Data      elf.Data
	ByteOrder binary.ByteOrder
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Sections  []*Section

	raw    []byte
	layout *classLayout
}

// Section is one section header entry.
type Section struct {
	Index     int
	Name      string
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (s *Section) alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

func (s *Section) exec() bool {
	return s.Flags&elf.SHF_EXECINSTR != 0
}

// Symbol is one symbol table entry with its raw value.
type Symbol struct {
	Index   int
	Name    string
	NameOff uint32
	Info    byte
	Other   byte
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

// Type is the symbol type from st_info.
func (s *Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Bind is the symbol binding from st_info.
func (s *Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// Reloc is one REL or RELA record.
type Reloc struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
	// Explicit is set for RELA records. REL records keep their addend in
	// the target bytes.
	Explicit bool
}

// NewFile parses the ELF header and section table of data. class and order
// are the values the caller builds for; ELFCLASSNONE and a nil order accept
// whatever the file declares.
func NewFile(data []byte, class elf.Class, order binary.ByteOrder) (*File, error) {
	if len(data) < elf.EI_NIDENT {
		return nil, malformedf("file too short for an ELF identification (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, malformedf("bad ELF magic % x", data[:4])
	}
	if elf.Version(data[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, malformedf("unsupported ELF identification version %d", data[elf.EI_VERSION])
	}

	f := &File{
		Class: elf.Class(data[elf.EI_CLASS]),
		Data:  elf.Data(data[elf.EI_DATA]),
		raw:   data,
	}
	if class != elf.ELFCLASSNONE && f.Class != class {
		return nil, malformedf("ELF class %v does not match the expected %v", f.Class, class)
	}
	f.layout = layouts[f.Class]
	if f.layout == nil {
		return nil, malformedf("unknown ELF class %v", f.Class)
	}
	switch f.Data {
	case elf.ELFDATA2LSB:
		f.ByteOrder = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.ByteOrder = binary.BigEndian
	default:
		return nil, malformedf("unknown ELF data encoding %v", f.Data)
	}
	if order != nil && order != f.ByteOrder {
		return nil, malformedf("ELF byte order %v does not match the expected %v", f.ByteOrder, order)
	}

	eh := &f.layout.ehdr
	if len(data) < eh.size {
		return nil, malformedf("file too short for an ELF header (%d < %d bytes)", len(data), eh.size)
	}
	d := &decoder{b: data, order: f.ByteOrder, what: "ELF header"}
	f.Type = elf.Type(d.get(eh.typ))
	f.Machine = elf.Machine(d.get(eh.machine))
	version := d.get(eh.version)
	f.Entry = d.get(eh.entry)
	shoff := d.get(eh.shoff)
	shentsize := d.get(eh.shentsize)
	shnum := d.get(eh.shnum)
	shstrndx := d.get(eh.shstrndx)
	if d.err != nil {
		return nil, d.err
	}
	if elf.Version(version) != elf.EV_CURRENT {
		return nil, malformedf("unsupported ELF version %d", version)
	}

	if shnum > 0 && shentsize < uint64(f.layout.shdr.size) {
		return nil, malformedf("section header entry size %d is smaller than %d", shentsize, f.layout.shdr.size)
	}
	end := shoff + shentsize*shnum
	if end < shoff || end > uint64(len(data)) {
		return nil, malformedf("premature end of file: section table [0x%x, 0x%x) exceeds 0x%x bytes", shoff, end, len(data))
	}

	f.Sections = make([]*Section, shnum)
	for i := range f.Sections {
		s, err := f.readSection(i, shoff+uint64(i)*shentsize)
		if err != nil {
			return nil, err
		}
		f.Sections[i] = s
	}

	if shstrndx != uint64(elf.SHN_UNDEF) {
		if shstrndx >= shnum {
			return nil, malformedf("section name table index %d exceeds section count %d", shstrndx, shnum)
		}
		names := f.Sections[shstrndx]
		for _, s := range f.Sections {
			name, err := f.stringAt(names, s.NameOff)
			if err != nil {
				return nil, err
			}
			s.Name = name
		}
	}
	return f, nil
}

func (f *File) readSection(i int, base uint64) (*Section, error) {
	sh := &f.layout.shdr
	d := &decoder{b: f.raw, order: f.ByteOrder, base: base, what: fmt.Sprintf("section header %d", i)}
	s := &Section{
		Index:     i,
		NameOff:   uint32(d.get(sh.name)),
		Type:      elf.SectionType(d.get(sh.typ)),
		Flags:     elf.SectionFlag(d.get(sh.flags)),
		Addr:      d.get(sh.addr),
		Offset:    d.get(sh.offset),
		Size:      d.get(sh.fsize),
		Link:      uint32(d.get(sh.link)),
		Info:      uint32(d.get(sh.info)),
		Addralign: d.get(sh.addralign),
		Entsize:   d.get(sh.entsize),
	}
	return s, d.err
}

// SectionData returns the file contents of s. SHT_NOBITS sections have none.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.raw)) {
		return nil, malformedf("section %s [0x%x, 0x%x) exceeds file size 0x%x", s.Name, s.Offset, end, len(f.raw))
	}
	return f.raw[s.Offset:end], nil
}

// Section returns the section at index i or an out-of-range error.
func (f *File) Section(i uint64) (*Section, error) {
	if i >= uint64(len(f.Sections)) {
		return nil, outOfRangef("section %d does not exist", i)
	}
	return f.Sections[i], nil
}

// SymbolTable returns the first SHT_SYMTAB section, or nil.
func (f *File) SymbolTable() *Section {
	for _, s := range f.Sections {
		if s.Type == elf.SHT_SYMTAB {
			return s
		}
	}
	return nil
}

func (f *File) stringAt(tab *Section, off uint32) (string, error) {
	data, err := f.SectionData(tab)
	if err != nil {
		return "", err
	}
	if uint64(off) >= uint64(len(data)) {
		if off == 0 {
			return "", nil
		}
		return "", malformedf("string offset 0x%x outside of %s (0x%x bytes)", off, tab.Name, len(data))
	}
	str := data[off:]
	n := bytes.IndexByte(str, 0)
	if n < 0 {
		return "", malformedf("unterminated string at 0x%x in %s", off, tab.Name)
	}
	return string(str[:n]), nil
}

// Symbols decodes every entry of symtab, index 0 included.
func (f *File) Symbols(symtab *Section) ([]Symbol, error) {
	sl := &f.layout.sym
	if symtab.Entsize < uint64(sl.size) {
		return nil, malformedf("symbol table %s entry size %d is smaller than %d", symtab.Name, symtab.Entsize, sl.size)
	}
	strtab, err := f.Section(uint64(symtab.Link))
	if err != nil {
		return nil, err
	}
	if _, err := f.SectionData(symtab); err != nil {
		return nil, err
	}

	n := symtab.Size / symtab.Entsize
	syms := make([]Symbol, n)
	for i := range syms {
		base := symtab.Offset + uint64(i)*symtab.Entsize
		d := &decoder{b: f.raw, order: f.ByteOrder, base: base, what: fmt.Sprintf("symbol %d", i)}
		syms[i] = Symbol{
			Index:   i,
			NameOff: uint32(d.get(sl.name)),
			Value:   d.get(sl.value),
			Size:    d.get(sl.fsize),
			Info:    byte(d.get(sl.info)),
			Other:   byte(d.get(sl.other)),
			Section: elf.SectionIndex(d.get(sl.shndx)),
		}
		if d.err != nil {
			return nil, d.err
		}
		if syms[i].Name, err = f.stringAt(strtab, syms[i].NameOff); err != nil {
			return nil, err
		}
	}
	return syms, nil
}

// Relocs decodes the SHT_REL or SHT_RELA table s in table order.
func (f *File) Relocs(s *Section) ([]Reloc, error) {
	rl := &f.layout.rel
	explicit := s.Type == elf.SHT_RELA
	min := rl.size
	if explicit {
		min = rl.rsize
	}
	if s.Type != elf.SHT_REL && !explicit {
		return nil, malformedf("section %s is not a relocation table", s.Name)
	}
	if s.Entsize < uint64(min) {
		return nil, malformedf("relocation table %s entry size %d is smaller than %d", s.Name, s.Entsize, min)
	}
	if _, err := f.SectionData(s); err != nil {
		return nil, err
	}

	n := s.Size / s.Entsize
	rels := make([]Reloc, n)
	for i := range rels {
		base := s.Offset + uint64(i)*s.Entsize
		d := &decoder{b: f.raw, order: f.ByteOrder, base: base, what: fmt.Sprintf("%s entry %d", s.Name, i)}
		info := d.get(rl.info)
		r := Reloc{
			Offset:   d.get(rl.offset),
			Sym:      uint32(info >> f.layout.symShift),
			Type:     uint32(info & f.layout.typeMask),
			Explicit: explicit,
		}
		if explicit {
			a := d.get(rl.addend)
			if rl.addend.width == 4 {
				r.Addend = int64(int32(a))
			} else {
				r.Addend = int64(a)
			}
		}
		if d.err != nil {
			return nil, d.err
		}
		rels[i] = r
	}
	return rels, nil
}
