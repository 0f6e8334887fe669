package mkimage

import (
	"debug/elf"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type x86_64Relocator struct{}

func (x86_64Relocator) machine() elf.Machine { return elf.EM_X86_64 }
func (x86_64Relocator) class() elf.Class     { return elf.ELFCLASS64 }

func (x86_64Relocator) typeName(rtype uint32) string {
	return elf.R_X86_64(rtype).String()
}

func (x86_64Relocator) apply(env *relocEnv, s *site, r *Reloc, _ *Symbol, symValue uint64) error {
	value := symValue + uint64(r.Addend)
	var err error
	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_NONE:
		return nil
	case elf.R_X86_64_64:
		err = env.add64(s, value)
	case elf.R_X86_64_PC32:
		if v := value - s.addr; !fitsSigned(v, 32) {
			err = errors.Wrapf(ErrEncodingOverflow, "displacement 0x%x does not fit 32 bits", v)
		} else {
			err = env.add32(s, v)
		}
	case elf.R_X86_64_32:
		if value>>32 != 0 {
			err = errors.Wrapf(ErrEncodingOverflow, "value 0x%x does not fit 32 bits", value)
		} else {
			err = env.add32(s, value)
		}
	case elf.R_X86_64_32S:
		if !fitsSigned(value, 32) {
			err = errors.Wrapf(ErrEncodingOverflow, "value 0x%x does not fit 32 signed bits", value)
		} else {
			err = env.add32(s, value)
		}
	default:
		return notImplemented(r.Type)
	}
	if err != nil {
		return err
	}
	env.log.Debug("relocating an entry", zap.Stringer("type", elf.R_X86_64(r.Type)), hex("offset", r.Offset), hex("value", value))
	return nil
}

func (x86_64Relocator) fixup(r *Reloc) (uint16, bool, error) {
	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_64:
		return fixupDir64, true, nil
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		// 32-bit absolute fields cannot be rebased by a DIR64 entry.
		return 0, false, errors.Wrapf(ErrNotImplemented, "can't add fixup entry for %v at 0x%x", elf.R_X86_64(r.Type), r.Offset)
	}
	return 0, false, nil
}

func (x86_64Relocator) reserve(uint32) (int, int) { return 0, 0 }
