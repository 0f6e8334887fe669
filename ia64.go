package mkimage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// IA-64 relocation types handled here. debug/elf has no IA-64 table.
const (
	rIA64None        = 0x00
	rIA64Dir64LSB    = 0x27
	rIA64GPRel22     = 0x2a
	rIA64LTOff22     = 0x32
	rIA64FPtr64LSB   = 0x47
	rIA64PCRel21B    = 0x49
	rIA64PCRel64LSB  = 0x4f
	rIA64LTOffFPtr22 = 0x52
	rIA64SegRel64LSB = 0x5f
	rIA64LTOff22X    = 0x86
	rIA64LDXMov      = 0x87
)

var ia64RelocNames = map[uint32]string{
	rIA64None:        "R_IA64_NONE",
	rIA64Dir64LSB:    "R_IA64_DIR64LSB",
	rIA64GPRel22:     "R_IA64_GPREL22",
	rIA64LTOff22:     "R_IA64_LTOFF22",
	rIA64FPtr64LSB:   "R_IA64_FPTR64LSB",
	rIA64PCRel21B:    "R_IA64_PCREL21B",
	rIA64PCRel64LSB:  "R_IA64_PCREL64LSB",
	rIA64LTOffFPtr22: "R_IA64_LTOFF_FPTR22",
	rIA64SegRel64LSB: "R_IA64_SEGREL64LSB",
	rIA64LTOff22X:    "R_IA64_LTOFF22X",
	rIA64LDXMov:      "R_IA64_LDXMOV",
}

const (
	ia64BundleSize = 16
	ia64TrampSize  = 0x30
	// ia64DescSize is a function descriptor: entry address and gp.
	ia64DescSize = 16

	mask19  = 1<<19 - 1
	mask20  = 1<<20 - 1
	maskF21 = (1<<23 - 1) &^ (1<<7 | 1<<8)
)

// Each instruction slot of a bundle has its immediate fields starting at a
// different bit; slotWord is the 32-bit little-endian word that holds them
// and the shift of the first immediate bit inside it.
var slotWord = [3]struct {
	off   int
	shift uint
}{
	{2, 2},
	{7, 3},
	{12, 4},
}

// addSlot20b adds value to the imm20b field of the branch in the given slot
// of bundle.
func addSlot20b(bundle []byte, slot uint64, value uint32) {
	w := slotWord[slot]
	p := bundle[w.off : w.off+4]
	val := binary.LittleEndian.Uint32(p)
	imm := ((val >> w.shift) & mask20) + value
	val = (imm&mask20)<<w.shift | val&^(mask20<<w.shift)
	binary.LittleEndian.PutUint32(p, val)
}

// slot20b extracts the imm20b field written by addSlot20b.
func slot20b(bundle []byte, slot uint64) uint32 {
	w := slotWord[slot]
	return (binary.LittleEndian.Uint32(bundle[w.off:]) >> w.shift) & mask20
}

// add21 adds value to the imm7b:imm9d:imm5c fields packed in a.
func add21(a, value uint32) uint32 {
	low := a & 0x00007f
	mid := (a & 0x7fc000) >> 7
	high := (a & 0x003e00) << 7
	c := (low | mid | high) + value
	return c&0x7f | (c<<7)&0x7fc000 | (c>>7)&0x003e00
}

// addSlot21 adds value to the 21-bit immediate of the addl in the given slot.
func addSlot21(bundle []byte, slot uint64, value uint32) {
	w := slotWord[slot]
	p := bundle[w.off : w.off+4]
	val := binary.LittleEndian.Uint32(p)
	imm := add21((val>>w.shift)&maskF21, value) & maskF21
	val = imm<<w.shift | val&^(maskF21<<w.shift)
	binary.LittleEndian.PutUint32(p, val)
}

// slot21 extracts the 21-bit immediate written by addSlot21.
func slot21(bundle []byte, slot uint64) uint32 {
	w := slotWord[slot]
	a := (binary.LittleEndian.Uint32(bundle[w.off:]) >> w.shift) & maskF21
	return a&0x7f | (a&0x7fc000)>>7 | (a&0x003e00)<<7
}

var (
	// [MLX] nop.m 0x0
	trampNop = [5]byte{0x05, 0x00, 0x00, 0x00, 0x01}
	trampJump = [0x20]byte{
		// ld8 r16=[r15],8
		0x02, 0x80, 0x20, 0x1e, 0x18, 0x14,
		// mov r14=r1;;
		0xe0, 0x00, 0x04, 0x00, 0x42, 0x00,
		// nop.i 0x0
		0x00, 0x00, 0x04, 0x00,
		// ld8 r1=[r15]
		0x11, 0x08, 0x00, 0x1e, 0x18, 0x10,
		// mov b6=r16
		0x60, 0x80, 0x04, 0x80, 0x03, 0x00,
		// br.few b6;;
		0x60, 0x00, 0x80, 0x00,
	}
)

// makeTrampoline writes a movl r15=addr followed by an indirect branch
// through the descriptor r15 points to.
func makeTrampoline(tr []byte, addr uint64) {
	copy(tr[0:5], trampNop[:])
	tr[5] = byte((addr & 0xc00000) >> 16)
	tr[6] = byte(addr >> 24)
	tr[7] = byte(addr >> 32)
	tr[8] = byte(addr >> 40)
	tr[9] = byte(addr >> 48)
	tr[10] = byte(addr >> 56)
	tr[11] = 0xe0
	tr[12] = byte((addr&0x000f)<<4 | 0x01)
	tr[13] = byte((addr&0x0070)>>4 | (addr&0x070000)>>11 | (addr&0x200000)>>17)
	tr[14] = byte((addr&0x1f80)>>5 | (addr&0x180000)>>19)
	tr[15] = byte((addr&0xe000)>>13 | 0x60)
	copy(tr[16:], trampJump[:])
}

// trampolineAddr decodes the address makeTrampoline stored in tr. The top
// bits that live in the imm41 slot are returned as stored.
func trampolineAddr(tr []byte) uint64 {
	addr := uint64(tr[5]&0xc0) << 16
	addr |= uint64(tr[6]) << 24
	addr |= uint64(tr[7]) << 32
	addr |= uint64(tr[8]) << 40
	addr |= uint64(tr[9]) << 48
	addr |= uint64(tr[10]) << 56
	addr |= uint64(tr[12]>>4) & 0x000f
	addr |= uint64(tr[13]&0x07) << 4
	addr |= uint64(tr[13]>>5) << 16
	addr |= uint64(tr[13]>>4&1) << 21
	addr |= uint64(tr[14]>>2) << 7
	addr |= uint64(tr[14]&0x03) << 19
	addr |= uint64(tr[15]&0x07) << 13
	return addr
}

// trampolineArea is a pre-sized run of trampolines handed out in order.
type trampolineArea struct {
	buf  []byte
	addr uint64
	next uint64
}

func (t *trampolineArea) alloc(target uint64) (uint64, error) {
	if t == nil || t.next+ia64TrampSize > uint64(len(t.buf)) {
		return 0, errors.Wrapf(ErrOutOfRange, "trampoline area exhausted for target 0x%x", target)
	}
	makeTrampoline(t.buf[t.next:t.next+ia64TrampSize], target)
	addr := t.addr + t.next
	t.next += ia64TrampSize
	return addr, nil
}

// wordArea is a pre-sized table of target-order 64-bit words, used for the
// GOT and for function descriptors.
type wordArea struct {
	buf   []byte
	addr  uint64
	next  uint64
	order binary.ByteOrder
}

// put appends vals and returns the address of the first one.
func (w *wordArea) put(vals ...uint64) (uint64, error) {
	n := uint64(8 * len(vals))
	if w == nil || w.next+n > uint64(len(w.buf)) {
		return 0, errors.Wrapf(ErrOutOfRange, "indirect data area exhausted (%d words)", len(vals))
	}
	addr := w.addr + w.next
	for _, v := range vals {
		w.order.PutUint64(w.buf[w.next:], v)
		w.next += 8
	}
	return addr, nil
}

// words is the number of words handed out so far.
func (w *wordArea) words() int {
	if w == nil {
		return 0
	}
	return int(w.next / 8)
}
