package mkimage

import (
	"debug/elf"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Image is a merged and relocated kernel image. The caller wraps it in the
// container the target loader expects.
type Image struct {
	// Data holds KernelSize bytes of image followed by the space reserved
	// for appended modules.
	Data []byte
	// Fixups is the PE base relocation table, nil for raw targets.
	Fixups []byte
	Start  uint64

	ExecSize   uint64
	KernelSize uint64
	BSSSize    uint64
	Align      uint64

	Layout *Layout
}

// Option configures a Builder.
type Option func(*Builder)

// WithModuleSpace reserves n zero bytes behind the image for modules.
func WithModuleSpace(n uint64) Option {
	return func(b *Builder) {
		b.moduleSpace = n
	}
}

// WithLogger sets the logger used for layout and relocation messages.
func WithLogger(log *zap.Logger) Option {
	return func(b *Builder) {
		b.log = log
	}
}

// Builder turns linked ELF kernels into images for one target.
type Builder struct {
	target      *Target
	moduleSpace uint64
	log         *zap.Logger
}

// NewBuilder returns a Builder for t. The target is checked by Build.
func NewBuilder(t *Target, opts ...Option) *Builder {
	b := &Builder{target: t}
	for _, opt := range opts {
		opt(b)
	}
	b.log = orNop(b.log)
	return b
}

// relocTable is one relocation section together with the section it
// applies to.
type relocTable struct {
	sec    *Section
	target *Section
	rels   []Reloc
}

// ia64Areas are the offsets of the extra regions IA-64 images carry behind
// the data.
type ia64Areas struct {
	trampOff, jmpOff, gotOff uint64
	nfuncs, ngot             int
}

// reserve places the trampolines, descriptors and GOT behind the kernel
// of size k and returns the new kernel size.
func (ia *ia64Areas) reserve(k uint64, ntramp int) (uint64, error) {
	var err error
	steps := []struct {
		off  *uint64
		size uint64
	}{
		{&ia.trampOff, uint64(ntramp) * ia64TrampSize},
		{&ia.jmpOff, ia64DescSize * uint64(ia.nfuncs)},
		{&ia.gotOff, uint64(ia.ngot) * 8},
	}
	for _, st := range steps {
		if k, err = checkedAlign(k, 0, 16); err != nil {
			return 0, err
		}
		*st.off = k
		if k, err = checkedAdd(k, st.size); err != nil {
			return 0, err
		}
	}
	return checkedAlign(k, 0, 16)
}

// Build converts the ELF kernel in data. Nothing is returned on failure.
func (b *Builder) Build(data []byte) (*Image, error) {
	t := b.target
	if t == nil {
		return nil, errors.Wrap(ErrMissingStructure, "no target")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f, err := NewFile(data, t.Class, t.ByteOrder)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid ELF header")
	}
	if f.Machine != t.Machine {
		return nil, malformedf("machine %v does not match the target %s", f.Machine, t.Name)
	}
	rel, err := lookupRelocator(f.Machine, f.Class)
	if err != nil {
		return nil, err
	}
	log := b.log.With(zap.String("target", t.Name))

	l, err := locateSections(f, t, log)
	if err != nil {
		return nil, err
	}
	img := &Image{
		Start:      f.Entry,
		ExecSize:   l.ExecSize,
		KernelSize: l.KernelSize,
		BSSSize:    l.BSSSize,
		Align:      l.Align,
		Layout:     l,
	}
	if t.Format != FormatEFI {
		// Raw kernels are linked where they run.
		total, err := checkedAdd(img.KernelSize, b.moduleSpace)
		if err != nil {
			return nil, errors.WithMessage(err, "module space")
		}
		img.Data = make([]byte, total)
		if err := copySections(f, t, l, img.Data); err != nil {
			return nil, err
		}
		return img, nil
	}

	symtab := f.SymbolTable()
	if symtab == nil {
		return nil, errors.Wrap(ErrMissingStructure, "no symbol table")
	}
	syms, err := f.Symbols(symtab)
	if err != nil {
		return nil, err
	}
	tables, err := relocTables(f, l)
	if err != nil {
		return nil, err
	}

	var ia *ia64Areas
	if f.Machine == elf.EM_IA_64 {
		ia = &ia64Areas{}
		var ntramp int
		ntramp, ia.ngot, err = countReservations(f, rel)
		if err != nil {
			return nil, err
		}
		ia.nfuncs = countFuncs(syms)
		if img.KernelSize, err = ia.reserve(img.KernelSize, ntramp); err != nil {
			return nil, err
		}
		log.Debug("reserving indirect areas", zap.Int("trampolines", ntramp), zap.Int("descriptors", ia.nfuncs), zap.Int("got", ia.ngot))
	}

	total, err := checkedAdd(img.KernelSize, b.moduleSpace)
	if err != nil {
		return nil, errors.WithMessage(err, "module space")
	}
	out := make([]byte, total)
	if err := copySections(f, t, l, out); err != nil {
		return nil, err
	}

	env := &relocEnv{
		order: t.ByteOrder,
		load64: func(addr uint64) (uint64, error) {
			off := addr - t.VaddrOffset
			if addr < t.VaddrOffset || off+8 > img.KernelSize {
				return 0, outOfRangef("descriptor at 0x%x is outside of the image", addr)
			}
			return t.ByteOrder.Uint64(out[off:]), nil
		},
		log: log,
	}
	var jumpers *wordArea
	if ia != nil {
		env.tramp = &trampolineArea{
			buf:  out[ia.trampOff:ia.jmpOff],
			addr: ia.trampOff + t.VaddrOffset,
		}
		jumpers = &wordArea{
			buf:   out[ia.jmpOff:ia.gotOff],
			addr:  ia.jmpOff + t.VaddrOffset,
			order: t.ByteOrder,
		}
		env.got = &wordArea{
			buf:   out[ia.gotOff:img.KernelSize],
			addr:  ia.gotOff + t.VaddrOffset,
			order: t.ByteOrder,
		}
	}

	if img.Start, err = relocateSymbols(syms, l.Vaddrs, jumpers, log); err != nil {
		return nil, err
	}
	if err := relocateAddresses(env, rel, tables, syms, l, out); err != nil {
		return nil, err
	}
	if img.Fixups, err = makeFixups(t, rel, tables, l, ia, log); err != nil {
		return nil, err
	}
	img.Data = out
	return img, nil
}

// copySections copies the contents of every text and data section to its
// place in out. BSS stays zero.
func copySections(f *File, t *Target, l *Layout, out []byte) error {
	for _, s := range f.Sections {
		if (!isTextSection(s, t) && !isDataSection(s, t)) || s.Type == elf.SHT_NOBITS {
			continue
		}
		src, err := f.SectionData(s)
		if err != nil {
			return err
		}
		addr := l.Addrs[s.Index]
		if addr+s.Size < addr || addr+s.Size > uint64(len(out)) {
			return outOfRangef("section %s at 0x%x does not fit the image", s.Name, addr)
		}
		copy(out[addr:], src)
	}
	return nil
}

// relocTables collects the relocation sections of f. Each one must apply
// to a section that is part of the image.
func relocTables(f *File, l *Layout) ([]relocTable, error) {
	var tables []relocTable
	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		target, err := f.Section(uint64(s.Info))
		if err != nil {
			return nil, errors.WithMessagef(err, "relocation section %s", s.Name)
		}
		if !l.Placed(target.Index) {
			return nil, outOfRangef("relocation section %s applies to %s which is not part of the image", s.Name, target.Name)
		}
		rels, err := f.Relocs(s)
		if err != nil {
			return nil, err
		}
		tables = append(tables, relocTable{sec: s, target: target, rels: rels})
	}
	return tables, nil
}

func symbolFor(syms []Symbol, r *Reloc) (*Symbol, error) {
	if uint64(r.Sym) >= uint64(len(syms)) {
		return nil, outOfRangef("symbol %d does not exist", r.Sym)
	}
	return &syms[r.Sym], nil
}

// relocateAddresses resolves every relocation in the address space the
// image code sees. Absolute addresses are later rebased by the loader
// through the fixup table.
func relocateAddresses(env *relocEnv, rel relocator, tables []relocTable, syms []Symbol, l *Layout, out []byte) error {
	for _, tab := range tables {
		env.log.Debug("dealing with the relocation section", zap.String("section", tab.sec.Name), zap.String("target", tab.target.Name))
		base := l.Addrs[tab.target.Index]
		end := base + tab.target.Size
		if end < base || end > uint64(len(out)) {
			return outOfRangef("section %s at 0x%x does not fit the image", tab.target.Name, base)
		}
		buf := out[base:end:end]
		for i := range tab.rels {
			r := &tab.rels[i]
			sym, err := symbolFor(syms, r)
			if err != nil {
				return err
			}
			s := &site{
				buf:     buf,
				off:     r.Offset,
				addr:    l.Vaddrs[tab.target.Index] + r.Offset,
				segBase: base,
			}
			if err := rel.apply(env, s, r, sym, sym.Value); err != nil {
				return errors.WithMessagef(err, "%s in %s at 0x%x", rel.typeName(r.Type), tab.target.Name, r.Offset)
			}
		}
	}
	return nil
}

// makeFixups emits the base relocation table for the absolute writes of
// tables and, on IA-64, for every descriptor and GOT word.
func makeFixups(t *Target, rel relocator, tables []relocTable, l *Layout, ia *ia64Areas, log *zap.Logger) ([]byte, error) {
	w := newFixupWriter(t.ByteOrder, t.SectionAlign, log)
	for _, tab := range tables {
		log.Debug("translating the relocation section", zap.String("section", tab.sec.Name))
		vaddr := l.Vaddrs[tab.target.Index]
		for i := range tab.rels {
			typ, ok, err := rel.fixup(&tab.rels[i])
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := w.add(typ, vaddr+tab.rels[i].Offset); err != nil {
				return nil, err
			}
		}
	}
	if ia != nil {
		jumpers := ia.jmpOff + t.VaddrOffset
		for i := 0; i < 2*ia.nfuncs+ia.ngot; i++ {
			if err := w.add(fixupDir64, jumpers+8*uint64(i)); err != nil {
				return nil, err
			}
		}
	}
	return w.flush(), nil
}
