package mkimage

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SymbolResolver looks up symbols exported to modules by the running
// kernel.
type SymbolResolver interface {
	ResolveSymbol(name string) (uint64, bool)
}

// Segment is an allocated section of a loaded module.
type Segment struct {
	Section int
	Name    string
	// Offset is where the segment starts in Memory, Addr where it starts in
	// the address space of the module.
	Offset uint64
	Addr   uint64
	Size   uint64
	Align  uint64
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithBase sets the address the module memory is placed at.
func WithBase(base uint64) ModuleOption {
	return func(m *Module) {
		m.base = base
	}
}

// WithResolver sets where undefined symbols are looked up.
func WithResolver(r SymbolResolver) ModuleOption {
	return func(m *Module) {
		m.resolver = r
	}
}

// WithModuleLogger sets the logger of the module.
func WithModuleLogger(log *zap.Logger) ModuleOption {
	return func(m *Module) {
		m.log = log
	}
}

// WithModuleTarget makes LoadModule reject modules built for another target.
func WithModuleTarget(t *Target) ModuleOption {
	return func(m *Module) {
		m.target = t
	}
}

// Module is a relocatable ELF object placed in one contiguous arena.
type Module struct {
	file     *File
	rel      relocator
	base     uint64
	resolver SymbolResolver
	target   *Target
	log      *zap.Logger

	mem  []byte
	segs []Segment
	// IA-64 areas behind the BSS, sizes counted in entries.
	ntramp, ngot, nfuncs int
	trampOff, descOff    uint64
	gotOff               uint64

	syms     []Symbol
	warnings error
}

// LoadModule checks the module in data and lays its allocated sections out.
// Relocate must be called before the memory is usable.
func LoadModule(data []byte, opts ...ModuleOption) (*Module, error) {
	m := &Module{}
	for _, opt := range opts {
		opt(m)
	}
	m.log = orNop(m.log)

	f, err := NewFile(data, elf.ELFCLASSNONE, nil)
	if err != nil {
		return nil, err
	}
	if f.Type != elf.ET_REL {
		return nil, malformedf("this ELF file is not of the right type (%v)", f.Type)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, malformedf("invalid arch-dependent ELF magic (%v)", f.Data)
	}
	if t := m.target; t != nil && (t.Class != f.Class || t.Machine != f.Machine || t.ByteOrder != f.ByteOrder) {
		return nil, malformedf("module for %v %v does not match the target %s", f.Machine, f.Class, t.Name)
	}
	if m.rel, err = lookupRelocator(f.Machine, f.Class); err != nil {
		return nil, err
	}
	m.file = f
	if err := m.layout(); err != nil {
		return nil, err
	}
	return m, nil
}

func isModuleText(s *Section) bool {
	return s.alloc() && s.exec()
}

func isModuleData(s *Section) bool {
	return s.alloc() && !s.exec() && s.Type != elf.SHT_NOBITS
}

func isModuleBSS(s *Section) bool {
	return s.alloc() && !s.exec() && s.Type == elf.SHT_NOBITS
}

// layout assigns arena offsets to text, data and then BSS, followed by the
// IA-64 trampoline, descriptor and GOT areas.
func (m *Module) layout() error {
	f := m.file
	var cur uint64
	for _, match := range []func(*Section) bool{isModuleText, isModuleData, isModuleBSS} {
		for _, s := range f.Sections {
			if !match(s) {
				continue
			}
			var err error
			if cur, err = checkedAlign(cur, m.base, s.Addralign); err != nil {
				return errors.WithMessagef(err, "section %s", s.Name)
			}
			m.segs = append(m.segs, Segment{
				Section: s.Index,
				Name:    s.Name,
				Offset:  cur,
				Addr:    m.base + cur,
				Size:    s.Size,
				Align:   s.Addralign,
			})
			m.log.Debug("locating the section", zap.String("section", s.Name), hex("addr", m.base+cur))
			if cur, err = checkedAdd(cur, s.Size); err != nil {
				return errors.WithMessagef(err, "section %s", s.Name)
			}
		}
	}

	if f.Machine == elf.EM_IA_64 {
		var err error
		if m.ntramp, m.ngot, err = countReservations(f, m.rel); err != nil {
			return err
		}
		if symtab := f.SymbolTable(); symtab != nil {
			syms, err := f.Symbols(symtab)
			if err != nil {
				return err
			}
			m.nfuncs = countFuncs(syms)
		}
		steps := []struct {
			off         *uint64
			align, size uint64
		}{
			{&m.trampOff, ia64BundleSize, uint64(m.ntramp) * ia64TrampSize},
			{&m.descOff, 8, uint64(m.nfuncs) * ia64DescSize},
			{&m.gotOff, 1, uint64(m.ngot) * 8},
		}
		for _, st := range steps {
			if cur, err = checkedAlign(cur, m.base, st.align); err != nil {
				return err
			}
			*st.off = cur
			if cur, err = checkedAdd(cur, st.size); err != nil {
				return err
			}
		}
	}
	m.mem = make([]byte, cur)
	return nil
}

// reset restores every segment to its file contents and empties the
// indirect areas.
func (m *Module) reset() error {
	for i := range m.mem {
		m.mem[i] = 0
	}
	for _, seg := range m.segs {
		s := m.file.Sections[seg.Section]
		src, err := m.file.SectionData(s)
		if err != nil {
			return err
		}
		copy(m.mem[seg.Offset:seg.Offset+seg.Size], src)
	}
	m.warnings = nil
	return nil
}

func (m *Module) segment(section uint64) *Segment {
	for i := range m.segs {
		if uint64(m.segs[i].Section) == section {
			return &m.segs[i]
		}
	}
	return nil
}

func (m *Module) areas() (*relocEnv, *wordArea) {
	order := m.file.ByteOrder
	env := &relocEnv{
		order: order,
		gp:    m.base,
		load64: func(addr uint64) (uint64, error) {
			off := addr - m.base
			if addr < m.base || off+8 > uint64(len(m.mem)) {
				return 0, outOfRangef("descriptor at 0x%x is outside of the module", addr)
			}
			return order.Uint64(m.mem[off:]), nil
		},
		log: m.log,
	}
	if m.file.Machine != elf.EM_IA_64 {
		return env, nil
	}
	env.tramp = &trampolineArea{
		buf:  m.mem[m.trampOff : m.trampOff+uint64(m.ntramp)*ia64TrampSize],
		addr: m.base + m.trampOff,
	}
	desc := &wordArea{
		buf:   m.mem[m.descOff:m.gotOff],
		addr:  m.base + m.descOff,
		order: order,
	}
	env.got = &wordArea{
		buf:   m.mem[m.gotOff:],
		addr:  m.base + m.gotOff,
		order: order,
	}
	return env, desc
}

// Relocate resolves the symbols of the module and applies its relocations
// to the arena. The arena is rebuilt from the file first, so calling it
// again with the same resolver gives the same memory.
func (m *Module) Relocate() error {
	if err := m.reset(); err != nil {
		return err
	}
	f := m.file
	symtab := f.SymbolTable()
	if symtab == nil {
		return errors.Wrap(ErrMissingStructure, "no symbol table")
	}
	syms, err := f.Symbols(symtab)
	if err != nil {
		return err
	}
	env, desc := m.areas()
	if err := m.resolveSymbols(syms, desc); err != nil {
		return err
	}
	m.syms = syms

	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		if _, err := f.Section(uint64(s.Info)); err != nil {
			return errors.WithMessagef(err, "relocation section %s", s.Name)
		}
		seg := m.segment(uint64(s.Info))
		if seg == nil {
			// Relocations for sections that are not loaded are dropped.
			w := errors.Errorf("relocation section %s applies to section %d which is not loaded", s.Name, s.Info)
			m.log.Warn("skipping relocation section", zap.Error(w))
			m.warnings = multierr.Append(m.warnings, w)
			continue
		}
		rels, err := f.Relocs(s)
		if err != nil {
			return err
		}
		buf := m.mem[seg.Offset : seg.Offset+seg.Size : seg.Offset+seg.Size]
		for i := range rels {
			r := &rels[i]
			sym, err := symbolFor(syms, r)
			if err != nil {
				return err
			}
			st := &site{buf: buf, off: r.Offset, addr: seg.Addr + r.Offset, segBase: seg.Addr}
			if err := m.rel.apply(env, st, r, sym, sym.Value); err != nil {
				return errors.WithMessagef(err, "%s in %s at 0x%x", m.rel.typeName(r.Type), seg.Name, r.Offset)
			}
		}
	}
	return nil
}

func (m *Module) resolveSymbols(syms []Symbol, desc *wordArea) error {
	for i := range syms {
		sym := &syms[i]
		switch {
		case sym.Type() == elf.STT_FILE:
			sym.Value = 0
		case sym.Section == elf.SHN_UNDEF:
			if sym.NameOff == 0 {
				continue
			}
			if m.resolver == nil {
				return errors.Wrapf(ErrUnresolvedSymbol, "symbol not found: `%s'", sym.Name)
			}
			v, ok := m.resolver.ResolveSymbol(sym.Name)
			if !ok {
				return errors.Wrapf(ErrUnresolvedSymbol, "symbol not found: `%s'", sym.Name)
			}
			sym.Value = v
		case sym.Section == elf.SHN_ABS:
		case uint64(sym.Section) >= uint64(len(m.file.Sections)):
			return outOfRangef("section %d does not exist", sym.Section)
		default:
			if seg := m.segment(uint64(sym.Section)); seg != nil {
				sym.Value += seg.Addr
			}
			if desc != nil && sym.Type() == elf.STT_FUNC {
				addr, err := desc.put(sym.Value, m.base)
				if err != nil {
					return err
				}
				sym.Value = addr
			}
		}
		m.log.Debug("locating symbol", zap.String("name", sym.Name), hex("value", sym.Value))
	}
	return nil
}

// Memory is the module arena, valid at Base after Relocate.
func (m *Module) Memory() []byte {
	return m.mem
}

// Base is the address the arena is relocated for.
func (m *Module) Base() uint64 {
	return m.base
}

// Segments lists the allocated sections in arena order.
func (m *Module) Segments() []Segment {
	return m.segs
}

// Symbol returns the relocated value of the first symbol called name.
func (m *Module) Symbol(name string) (uint64, bool) {
	for i := range m.syms {
		if m.syms[i].Name == name && m.syms[i].Type() != elf.STT_FILE {
			return m.syms[i].Value, true
		}
	}
	return 0, false
}

// Warnings lists the problems the last Relocate tolerated.
func (m *Module) Warnings() []error {
	return multierr.Errors(m.warnings)
}

// ByteOrder is the byte order of the module words in Memory.
func (m *Module) ByteOrder() binary.ByteOrder {
	return m.file.ByteOrder
}
