package mkimage

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	fixupPageSize   = 0x1000
	fixupHeaderSize = 8
	// maxFixupBlock is the size past which no entry can be added to a block.
	maxFixupBlock = fixupHeaderSize + 2*fixupPageSize
)

// FixupBlock is one page of a PE base relocation table.
type FixupBlock struct {
	PageRVA uint32
	// Entries are type<<12 | page offset, padding entries included.
	Entries []uint16
}

// Size is the number of bytes the block takes in the table.
func (b *FixupBlock) Size() uint32 {
	return uint32(fixupHeaderSize + 2*len(b.Entries))
}

// Addrs returns the addresses the non-padding entries of b rebase.
func (b *FixupBlock) Addrs() []uint64 {
	var addrs []uint64
	for _, e := range b.Entries {
		if e>>12 == fixupAbsolute {
			continue
		}
		addrs = append(addrs, uint64(b.PageRVA)+uint64(e&0xfff))
	}
	return addrs
}

// fixupWriter groups fixup entries into page blocks and serializes each
// block as soon as an entry falls outside of it.
type fixupWriter struct {
	order binary.ByteOrder
	align uint64
	log   *zap.Logger

	out []byte
	cur *FixupBlock
}

func newFixupWriter(order binary.ByteOrder, align uint64, log *zap.Logger) *fixupWriter {
	return &fixupWriter{order: order, align: align, log: orNop(log)}
}

func (w *fixupWriter) add(typ uint16, addr uint64) error {
	if b := w.cur; b != nil && (addr < uint64(b.PageRVA) || uint64(b.PageRVA)+fixupPageSize <= addr) {
		for b.Size()&7 != 0 {
			w.log.Debug("adding a padding fixup entry")
			b.Entries = append(b.Entries, 0)
		}
		w.write(b)
	}
	if w.cur == nil {
		w.cur = &FixupBlock{PageRVA: uint32(addr &^ (fixupPageSize - 1))}
	}
	b := w.cur
	if b.Size() >= maxFixupBlock {
		return errors.Wrapf(ErrEncodingOverflow, "too many fixup entries in the page at 0x%x", b.PageRVA)
	}
	w.log.Debug("adding a relocation entry", hex("addr", addr))
	b.Entries = append(b.Entries, typ<<12|uint16(addr-uint64(b.PageRVA)))
	return nil
}

func (w *fixupWriter) write(b *FixupBlock) {
	w.log.Debug("writing fixup block", zap.Uint32("size", b.Size()), hex("page", uint64(b.PageRVA)))
	var hdr [fixupHeaderSize]byte
	w.order.PutUint32(hdr[0:], b.PageRVA)
	w.order.PutUint32(hdr[4:], b.Size())
	w.out = append(w.out, hdr[:]...)
	var ent [2]byte
	for _, e := range b.Entries {
		w.order.PutUint16(ent[:], e)
		w.out = append(w.out, ent[:]...)
	}
	w.cur = nil
}

// flush pads the open block so the table ends on a section boundary and
// returns the table.
func (w *fixupWriter) flush() []byte {
	if b := w.cur; b != nil {
		next := uint64(len(w.out)) + uint64(b.Size())
		padding := (alignUp(next, w.align) - next) >> 1
		w.log.Debug("adding padding fixup entries", zap.Uint64("count", padding))
		for ; padding > 0; padding-- {
			b.Entries = append(b.Entries, 0)
		}
		w.write(b)
	}
	return w.out
}

// ParseFixups decodes a base relocation table written in the given order.
func ParseFixups(b []byte, order binary.ByteOrder) ([]FixupBlock, error) {
	var blocks []FixupBlock
	for off := 0; off < len(b); {
		if len(b)-off < fixupHeaderSize {
			return nil, malformedf("truncated fixup block header at 0x%x", off)
		}
		page := order.Uint32(b[off:])
		size := order.Uint32(b[off+4:])
		if size < fixupHeaderSize || size&1 != 0 || uint64(size) > uint64(len(b)-off) {
			return nil, malformedf("bad fixup block size 0x%x at 0x%x", size, off)
		}
		blk := FixupBlock{PageRVA: page, Entries: make([]uint16, (size-fixupHeaderSize)/2)}
		for i := range blk.Entries {
			blk.Entries[i] = order.Uint16(b[off+fixupHeaderSize+2*i:])
		}
		blocks = append(blocks, blk)
		off += int(size)
	}
	return blocks, nil
}
