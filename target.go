package mkimage

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Format is the kind of image a target loader expects.
type Format int

const (
	// FormatRaw is a bare, position-dependent image linked at a fixed address.
	FormatRaw Format = iota
	// FormatEFI is a firmware-loadable image that carries a PE fixup table.
	FormatEFI
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatEFI:
		return "efi"
	default:
		return "unknown"
	}
}

const (
	peSectionAlign = 0x200
	// efiHeaderSize is the PE32/PE32+ header block (DOS stub, signature,
	// COFF and optional header, four section headers) rounded to the
	// section alignment. Both widths round to the same value.
	efiHeaderSize = 0x400

	i386LinkAddr = 0x9000
)

// Target describes the environment an image is built for.
type Target struct {
	Name      string
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Machine   elf.Machine
	Format    Format
	// VaddrOffset is the bias between image offsets and the addresses the
	// code sees, the size of the container headers for EFI.
	VaddrOffset uint64
	// SectionAlign is the container's section/file alignment.
	SectionAlign uint64
	// LinkAddr is where raw images were linked.
	LinkAddr uint64
}

var targets = map[string]*Target{
	"i386-pc": {
		Name:         "i386-pc",
		Class:        elf.ELFCLASS32,
		ByteOrder:    binary.LittleEndian,
		Machine:      elf.EM_386,
		Format:       FormatRaw,
		SectionAlign: 1,
		LinkAddr:     i386LinkAddr,
	},
	"i386-coreboot": {
		Name:         "i386-coreboot",
		Class:        elf.ELFCLASS32,
		ByteOrder:    binary.LittleEndian,
		Machine:      elf.EM_386,
		Format:       FormatRaw,
		SectionAlign: 1,
		LinkAddr:     i386LinkAddr,
	},
	"i386-efi": {
		Name:         "i386-efi",
		Class:        elf.ELFCLASS32,
		ByteOrder:    binary.LittleEndian,
		Machine:      elf.EM_386,
		Format:       FormatEFI,
		VaddrOffset:  efiHeaderSize,
		SectionAlign: peSectionAlign,
	},
	"x86_64-efi": {
		Name:         "x86_64-efi",
		Class:        elf.ELFCLASS64,
		ByteOrder:    binary.LittleEndian,
		Machine:      elf.EM_X86_64,
		Format:       FormatEFI,
		VaddrOffset:  efiHeaderSize,
		SectionAlign: peSectionAlign,
	},
	"ia64-efi": {
		Name:         "ia64-efi",
		Class:        elf.ELFCLASS64,
		ByteOrder:    binary.LittleEndian,
		Machine:      elf.EM_IA_64,
		Format:       FormatEFI,
		VaddrOffset:  efiHeaderSize,
		SectionAlign: peSectionAlign,
	},
}

// LookupTarget returns a copy of the built-in target called name.
func LookupTarget(name string) (*Target, error) {
	t, ok := targets[name]
	if !ok {
		return nil, errors.Wrapf(ErrOutOfRange, "unknown target %q", name)
	}
	c := *t
	return &c, nil
}

// Targets lists the names of the built-in targets, sorted.
func Targets() []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that t is consistent and that a relocation variant exists
// for its machine and word width. Failures are ErrMalformed.
func (t *Target) Validate() error {
	if t.ByteOrder == nil {
		return errors.Wrapf(ErrMalformed, "target %s: no byte order", t.Name)
	}
	if t.SectionAlign == 0 || t.SectionAlign&(t.SectionAlign-1) != 0 {
		return errors.Wrapf(ErrMalformed, "target %s: section alignment 0x%x is not a power of two", t.Name, t.SectionAlign)
	}
	if _, err := lookupRelocator(t.Machine, t.Class); err != nil {
		return errors.WithMessagef(err, "target %s", t.Name)
	}
	return nil
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (%v %v %v, %v)", t.Name, t.Machine, t.Class, t.ByteOrder, t.Format)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
