package mkimage

import (
	"debug/elf"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Layout records where every section of an image lands.
type Layout struct {
	// Addrs holds the offset of each section inside the output image.
	Addrs []uint64
	// Vaddrs holds the address the code sees for each section, Addrs plus
	// the target bias.
	Vaddrs []uint64
	// ExecSize is the rounded end of the code region, KernelSize the rounded
	// end of code and data. BSSSize is the trailing zero-fill region of raw
	// images.
	ExecSize   uint64
	KernelSize uint64
	BSSSize    uint64
	// Align is the largest alignment of any allocated section.
	Align uint64

	placed []bool
}

// Placed reports whether section i was given room in the image.
func (l *Layout) Placed(i int) bool {
	return i >= 0 && i < len(l.placed) && l.placed[i]
}

func isTextSection(s *Section, t *Target) bool {
	if t.Format != FormatEFI && s.Type != elf.SHT_PROGBITS {
		return false
	}
	return s.Flags&(elf.SHF_EXECINSTR|elf.SHF_ALLOC) == elf.SHF_EXECINSTR|elf.SHF_ALLOC
}

// isDataSection includes BSS for EFI targets; the image zero-fills it so the
// firmware does not have to.
func isDataSection(s *Section, t *Target) bool {
	if t.Format != FormatEFI && s.Type != elf.SHT_PROGBITS {
		return false
	}
	return s.Flags&(elf.SHF_EXECINSTR|elf.SHF_ALLOC) == elf.SHF_ALLOC
}

// maxImageSize bounds every image and module arena.
const maxImageSize = 1 << 30

// alignBiased aligns addr as seen by the code, that is after adding bias.
func alignBiased(addr, bias, align uint64) uint64 {
	if align == 0 {
		return addr
	}
	return alignUp(addr+bias, align) - bias
}

// checkedAlign is alignBiased for layout cursors, which must stay within
// maxImageSize.
func checkedAlign(cur, bias, align uint64) (uint64, error) {
	next := alignBiased(cur, bias, align)
	if next < cur || next > maxImageSize {
		return 0, outOfRangef("aligning 0x%x to 0x%x leaves the 0x%x byte address space", cur, align, uint64(maxImageSize))
	}
	return next, nil
}

// checkedAdd advances a layout cursor by size.
func checkedAdd(cur, size uint64) (uint64, error) {
	end := cur + size
	if end < cur || end > maxImageSize {
		return 0, outOfRangef("0x%x bytes at 0x%x do not fit in 0x%x bytes", size, cur, uint64(maxImageSize))
	}
	return end, nil
}

// locateSections merges code sections and then data sections into two
// contiguous regions and, for raw targets, puts BSS behind them.
func locateSections(f *File, t *Target, log *zap.Logger) (*Layout, error) {
	n := len(f.Sections)
	l := &Layout{
		Addrs:  make([]uint64, n),
		Vaddrs: make([]uint64, n),
		Align:  1,
		placed: make([]bool, n),
	}
	for _, s := range f.Sections {
		if s.alloc() && s.Addralign > l.Align {
			l.Align = s.Addralign
		}
	}

	place := func(cur uint64, match func(*Section, *Target) bool) (uint64, error) {
		var err error
		for _, s := range f.Sections {
			if !match(s, t) {
				continue
			}
			if cur, err = checkedAlign(cur, t.VaddrOffset, s.Addralign); err != nil {
				return 0, errors.WithMessagef(err, "section %s", s.Name)
			}
			if t.Format != FormatEFI {
				if s.Addr < t.LinkAddr {
					return 0, outOfRangef("section %s at 0x%x is below the link address 0x%x", s.Name, s.Addr, t.LinkAddr)
				}
				cur = s.Addr - t.LinkAddr
			}
			log.Debug("locating the section", zap.String("section", s.Name), hex("addr", cur))
			l.Addrs[s.Index] = cur
			l.placed[s.Index] = true
			if cur, err = checkedAdd(cur, s.Size); err != nil {
				return 0, errors.WithMessagef(err, "section %s", s.Name)
			}
		}
		return checkedAlign(cur, t.VaddrOffset, t.SectionAlign)
	}

	var err error
	if l.ExecSize, err = place(0, isTextSection); err != nil {
		return nil, err
	}
	if l.KernelSize, err = place(l.ExecSize, isDataSection); err != nil {
		return nil, err
	}

	for i := range l.Vaddrs {
		l.Vaddrs[i] = l.Addrs[i] + t.VaddrOffset
	}

	if t.Format != FormatEFI {
		cur := l.KernelSize
		for _, s := range f.Sections {
			if s.Type != elf.SHT_NOBITS {
				continue
			}
			if cur, err = checkedAlign(cur, t.VaddrOffset, s.Addralign); err != nil {
				return nil, errors.WithMessagef(err, "section %s", s.Name)
			}
			if s.Addr < t.LinkAddr {
				return nil, outOfRangef("section %s at 0x%x is below the link address 0x%x", s.Name, s.Addr, t.LinkAddr)
			}
			cur = s.Addr - t.LinkAddr
			log.Debug("locating the section", zap.String("section", s.Name), hex("addr", cur))
			l.Vaddrs[s.Index] = cur + t.VaddrOffset
			if cur, err = checkedAdd(cur, s.Size); err != nil {
				return nil, errors.WithMessagef(err, "section %s", s.Name)
			}
		}
		if cur, err = checkedAlign(cur, t.VaddrOffset, t.SectionAlign); err != nil {
			return nil, err
		}
		if cur > l.KernelSize {
			l.BSSSize = cur - l.KernelSize
		}
	}
	return l, nil
}
