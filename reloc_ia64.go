package mkimage

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ia64Relocator struct{}

func (ia64Relocator) machine() elf.Machine { return elf.EM_IA_64 }
func (ia64Relocator) class() elf.Class     { return elf.ELFCLASS64 }

func (ia64Relocator) typeName(rtype uint32) string {
	if name, ok := ia64RelocNames[rtype]; ok {
		return name
	}
	return fmt.Sprintf("R_IA64_0x%x", rtype)
}

// bundle returns the 16-byte instruction bundle the slot relocation at s
// points into, together with the slot number. A bundle has three slots.
func (ia64Relocator) bundle(s *site) ([]byte, uint64, error) {
	slot := s.off & 3
	if slot >= uint64(len(slotWord)) {
		return nil, 0, malformedf("reloc offset 0x%x does not name an instruction slot", s.off)
	}
	b, err := s.span(s.off&^3, ia64BundleSize)
	if err != nil {
		return nil, 0, err
	}
	return b, slot, nil
}

func (r ia64Relocator) apply(env *relocEnv, s *site, rel *Reloc, sym *Symbol, symValue uint64) error {
	value := symValue + uint64(rel.Addend)
	var err error
	switch rel.Type {
	case rIA64PCRel21B:
		err = r.branch(env, s, value)
	case rIA64LTOff22X, rIA64LTOff22:
		if sym != nil && sym.Type() == elf.STT_FUNC {
			// The symbol points to its descriptor, load the entry address.
			code, lerr := env.load64(symValue)
			if lerr != nil {
				return lerr
			}
			value = code + uint64(rel.Addend)
		}
		err = r.indirect(env, s, value)
	case rIA64LTOffFPtr22:
		err = r.indirect(env, s, value)
	case rIA64GPRel22:
		var b []byte
		var slot uint64
		if b, slot, err = r.bundle(s); err == nil {
			err = putSlot22(b, slot, value-env.gp)
		}
	case rIA64PCRel64LSB:
		err = env.add64(s, value-s.addr)
	case rIA64SegRel64LSB:
		err = env.add64(s, value-s.segBase)
	case rIA64Dir64LSB, rIA64FPtr64LSB:
		err = env.add64(s, value)
	case rIA64LDXMov:
		// LTOFF22X is handled as LTOFF22, so the paired move stays as is.
		return nil
	default:
		return notImplemented(rel.Type)
	}
	if err != nil {
		return err
	}
	env.log.Debug("relocating an entry", zap.String("type", r.typeName(rel.Type)), hex("offset", rel.Offset), hex("value", value))
	return nil
}

// branch points the PCREL21B branch at s to a fresh trampoline jumping to
// value.
func (r ia64Relocator) branch(env *relocEnv, s *site, value uint64) error {
	b, slot, err := r.bundle(s)
	if err != nil {
		return err
	}
	tr, err := env.tramp.alloc(value)
	if err != nil {
		return err
	}
	noff := (tr - s.addr&^3) >> 4
	if noff&^mask19 != 0 {
		return errors.Wrapf(ErrEncodingOverflow, "trampoline offset too big (%x)", noff)
	}
	addSlot20b(b, slot, uint32(noff))
	return nil
}

// indirect stores value in the next GOT slot and makes the instruction at s
// address that slot relative to gp.
func (r ia64Relocator) indirect(env *relocEnv, s *site, value uint64) error {
	b, slot, err := r.bundle(s)
	if err != nil {
		return err
	}
	addr, err := env.got.put(value)
	if err != nil {
		return err
	}
	return putSlot22(b, slot, addr-env.gp)
}

// putSlot22 adds a gp-relative offset to the addl immediate. The sign bit
// of the immediate is left alone, so off must be below 2^21.
func putSlot22(b []byte, slot uint64, off uint64) error {
	if off >= 1<<21 {
		return errors.Wrapf(ErrEncodingOverflow, "gp-relative offset 0x%x does not fit 21 bits", off)
	}
	addSlot21(b, slot, uint32(off))
	return nil
}

func (ia64Relocator) fixup(r *Reloc) (uint16, bool, error) {
	switch r.Type {
	case rIA64Dir64LSB, rIA64FPtr64LSB:
		return fixupDir64, true, nil
	}
	return 0, false, nil
}

func (ia64Relocator) reserve(rtype uint32) (int, int) {
	switch rtype {
	case rIA64PCRel21B:
		return 1, 0
	case rIA64LTOffFPtr22, rIA64LTOff22X, rIA64LTOff22:
		return 0, 1
	}
	return 0, 0
}
