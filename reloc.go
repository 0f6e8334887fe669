package mkimage

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PE base relocation types used in fixup entries.
const (
	fixupAbsolute = 0  // IMAGE_REL_BASED_ABSOLUTE, padding
	fixupHighLow  = 3  // IMAGE_REL_BASED_HIGHLOW
	fixupDir64    = 10 // IMAGE_REL_BASED_DIR64
)

// site is the location a single relocation rewrites.
type site struct {
	// buf holds the contents of the target section and off is the
	// relocation offset in it.
	buf []byte
	off uint64
	// addr is the address of the site as the relocated code sees it.
	addr uint64
	// segBase is the base segment-relative relocations subtract.
	segBase uint64
}

func (s *site) span(off, width uint64) ([]byte, error) {
	end := off + width
	if end < off || end > uint64(len(s.buf)) {
		return nil, outOfRangef("reloc offset 0x%x is out of the segment (0x%x bytes)", s.off, len(s.buf))
	}
	return s.buf[off:end], nil
}

// relocEnv is everything besides the site a relocation may depend on. The
// image builder and the module relocator fill it in differently, the
// per-architecture code does not care which one is calling.
type relocEnv struct {
	order binary.ByteOrder
	// gp is the global pointer value GP-relative slots are encoded against.
	gp    uint64
	tramp *trampolineArea
	got   *wordArea
	// load64 reads a word at an address of the image being built.
	load64 func(addr uint64) (uint64, error)
	log    *zap.Logger
}

func (e *relocEnv) add32(s *site, v uint64) error {
	p, err := s.span(s.off, 4)
	if err != nil {
		return err
	}
	e.order.PutUint32(p, e.order.Uint32(p)+uint32(v))
	return nil
}

func (e *relocEnv) add64(s *site, v uint64) error {
	p, err := s.span(s.off, 8)
	if err != nil {
		return err
	}
	e.order.PutUint64(p, e.order.Uint64(p)+v)
	return nil
}

// fitsSigned reports whether v read as a two's complement number fits in
// bits bits.
func fitsSigned(v uint64, bits uint) bool {
	n := int64(v)
	return n >= -(1<<(bits-1)) && n < 1<<(bits-1)
}

// relocator is one (machine, word width) variant.
type relocator interface {
	machine() elf.Machine
	class() elf.Class
	// apply rewrites s for r against the resolved symbol value.
	apply(env *relocEnv, s *site, r *Reloc, sym *Symbol, symValue uint64) error
	// fixup returns the base relocation type r needs when the image is
	// rebased, ok is false when rebasing does not affect r.
	fixup(r *Reloc) (typ uint16, ok bool, err error)
	// reserve reports how many trampolines and GOT slots r consumes.
	reserve(rtype uint32) (tramp, got int)
	typeName(rtype uint32) string
}

type archKey struct {
	machine elf.Machine
	class   elf.Class
}

var relocators = map[archKey]relocator{}

func registerRelocator(r relocator) {
	relocators[archKey{r.machine(), r.class()}] = r
}

func init() {
	registerRelocator(i386Relocator{})
	registerRelocator(x86_64Relocator{})
	registerRelocator(ia64Relocator{})
}

func lookupRelocator(m elf.Machine, c elf.Class) (relocator, error) {
	r, ok := relocators[archKey{m, c}]
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "unknown architecture type %v (%v)", m, c)
	}
	return r, nil
}

// countReservations walks every relocation table of f and sums what the
// relocations will take from the trampoline and GOT areas.
func countReservations(f *File, rel relocator) (tramp, got int, err error) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		rels, err := f.Relocs(s)
		if err != nil {
			return 0, 0, err
		}
		for i := range rels {
			t, g := rel.reserve(rels[i].Type)
			tramp += t
			got += g
		}
	}
	return tramp, got, nil
}

func countFuncs(syms []Symbol) int {
	n := 0
	for i := range syms {
		if syms[i].Type() == elf.STT_FUNC {
			n++
		}
	}
	return n
}
