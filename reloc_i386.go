package mkimage

import (
	"debug/elf"

	"go.uber.org/zap"
)

type i386Relocator struct{}

func (i386Relocator) machine() elf.Machine { return elf.EM_386 }
func (i386Relocator) class() elf.Class     { return elf.ELFCLASS32 }

func (i386Relocator) typeName(rtype uint32) string {
	return elf.R_386(rtype).String()
}

func (i386Relocator) apply(env *relocEnv, s *site, r *Reloc, _ *Symbol, symValue uint64) error {
	value := symValue + uint64(r.Addend)
	var err error
	switch elf.R_386(r.Type) {
	case elf.R_386_NONE:
		return nil
	case elf.R_386_32:
		// This is absolute.
		err = env.add32(s, value)
	case elf.R_386_PC32:
		// This is relative.
		err = env.add32(s, value-s.addr)
	default:
		return notImplemented(r.Type)
	}
	if err != nil {
		return err
	}
	env.log.Debug("relocating an entry", zap.Stringer("type", elf.R_386(r.Type)), hex("offset", r.Offset), hex("value", value))
	return nil
}

func (i386Relocator) fixup(r *Reloc) (uint16, bool, error) {
	if elf.R_386(r.Type) == elf.R_386_32 {
		return fixupHighLow, true, nil
	}
	return 0, false, nil
}

func (i386Relocator) reserve(uint32) (int, int) { return 0, 0 }
