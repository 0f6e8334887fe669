package mkimage

import (
	"debug/elf"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xorMask(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestSlotImmediates(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	var fields [3][]byte
	for slot := uint64(0); slot < 3; slot++ {
		f20 := make([]byte, ia64BundleSize)
		addSlot20b(f20, slot, mask20)
		f21 := make([]byte, ia64BundleSize)
		addSlot21(f21, slot, 1<<21-1)
		assert.Equal(t, uint32(mask20), slot20b(f20, slot))
		assert.Equal(t, uint32(1<<21-1), slot21(f21, slot))
		fields[slot] = f21

		for i := 0; i < 200; i++ {
			orig := make([]byte, ia64BundleSize)
			rnd.Read(orig)
			v := rnd.Uint32()

			b := append([]byte(nil), orig...)
			addSlot20b(b, slot, v)
			assert.Equal(t, (slot20b(orig, slot)+v)&mask20, slot20b(b, slot))
			for j, d := range xorMask(orig, b) {
				assert.Zero(t, d&^f20[j], "slot %d byte %d", slot, j)
			}

			b = append([]byte(nil), orig...)
			addSlot21(b, slot, v)
			assert.Equal(t, (slot21(orig, slot)+v)&(1<<21-1), slot21(b, slot))
			for j, d := range xorMask(orig, b) {
				assert.Zero(t, d&^f21[j], "slot %d byte %d", slot, j)
			}
		}
	}
	for j := 0; j < ia64BundleSize; j++ {
		assert.Zero(t, fields[0][j]&fields[1][j])
		assert.Zero(t, fields[1][j]&fields[2][j])
		assert.Zero(t, fields[0][j]&fields[2][j])
	}
	// The template bits of the bundle are never touched.
	assert.Zero(t, fields[0][0]&0x1f)
}

func TestAdd21(t *testing.T) {
	assert.Equal(t, uint32(0x7f), add21(0, 0x7f))
	assert.Equal(t, uint32(0x4000), add21(0, 0x80))
	assert.Equal(t, uint32(0x200), add21(0, 0x10000))
	assert.Equal(t, uint32(0x4000), add21(0x7f, 1))
}

func TestTrampoline(t *testing.T) {
	for _, addr := range []uint64{0, 0x640, 0x123456789abcdef0, 0xffffffffffffffff, 0x8000000000000001} {
		tr := make([]byte, ia64TrampSize)
		makeTrampoline(tr, addr)
		assert.Equal(t, addr, trampolineAddr(tr), "0x%x", addr)
		assert.Equal(t, trampNop[:], tr[0:5])
		assert.Equal(t, byte(0), tr[5]&0x3f)
		assert.Equal(t, byte(0xe0), tr[11])
		assert.Equal(t, byte(0x01), tr[12]&0x0f)
		assert.Equal(t, byte(0x60), tr[15]&0xf8)
		assert.Equal(t, trampJump[:], tr[16:])
	}
}

func TestTrampolineArea(t *testing.T) {
	area := &trampolineArea{buf: make([]byte, 2*ia64TrampSize), addr: 0x1000}
	a, err := area.alloc(0x10)
	require.NoError(t, err)
	b, err := area.alloc(0x20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), a)
	assert.Equal(t, uint64(0x1030), b)
	assert.Equal(t, uint64(0x20), trampolineAddr(area.buf[ia64TrampSize:]))
	_, err = area.alloc(0x30)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	var none *trampolineArea
	_, err = none.alloc(0)
	assert.Error(t, err)
}

func TestWordArea(t *testing.T) {
	w := &wordArea{buf: make([]byte, 24), addr: 0x600, order: binary.LittleEndian}
	a, err := w.put(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x600), a)
	_, err = w.put(3, 4)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	a, err = w.put(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x610), a)
	assert.Equal(t, 3, w.words())
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(w.buf[8:]))
}

func TestIA64RelocNames(t *testing.T) {
	r := ia64Relocator{}
	assert.Equal(t, "R_IA64_PCREL21B", r.typeName(rIA64PCRel21B))
	assert.Equal(t, "R_IA64_0x99", r.typeName(0x99))
}

// ia64Kernel calls callee from _start and addresses it through the GOT
// and gp.
func ia64Kernel(bss uint64) *elfWriter {
	w := newELF(elf.ELFCLASS64, elf.EM_IA_64, elf.ET_EXEC)
	text := w.text(".text", 16, make([]byte, 0x20))
	if bss > 0 {
		w.bss(".bss", 16, bss)
	}
	w.symbol(testSym{name: "_start", typ: elf.STT_FUNC, shndx: elf.SectionIndex(text)})
	callee := w.symbol(testSym{name: "callee", value: 0x10, typ: elf.STT_FUNC, shndx: elf.SectionIndex(text)})
	w.rela(text,
		testRel{off: 0x02, sym: callee, typ: rIA64PCRel21B},
		testRel{off: 0x11, sym: callee, typ: rIA64LTOff22},
		testRel{off: 0x12, sym: callee, typ: rIA64GPRel22},
		testRel{off: 0x10, sym: callee, typ: rIA64LDXMov},
	)
	return w
}

func TestBuildIA64(t *testing.T) {
	tg := mustTarget(t, "ia64-efi")
	img, err := NewBuilder(tg).Build(ia64Kernel(0).bytes())
	require.NoError(t, err)

	// text, trampolines at 0x200, descriptors at 0x230, GOT at 0x250.
	assert.Equal(t, uint64(0x260), img.KernelSize)
	require.Len(t, img.Data, 0x260)
	out := img.Data
	le := binary.LittleEndian

	assert.Equal(t, uint64(0x630), img.Start)
	assert.Equal(t, []uint64{0x400, 0, 0x410, 0}, []uint64{
		le.Uint64(out[0x230:]), le.Uint64(out[0x238:]), le.Uint64(out[0x240:]), le.Uint64(out[0x248:]),
	})

	assert.Equal(t, uint32(0x20), slot20b(out[0:16], 2))
	assert.Equal(t, uint64(0x640), trampolineAddr(out[0x200:0x230]))

	assert.Equal(t, uint64(0x410), le.Uint64(out[0x250:]))
	assert.Equal(t, uint32(0x650), slot21(out[0x10:0x20], 1))
	assert.Equal(t, uint32(0x640), slot21(out[0x10:0x20], 2))
	assert.Equal(t, uint32(0), slot21(out[0x10:0x20], 0))

	blocks, err := ParseFixups(img.Fixups, tg.ByteOrder)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []uint64{0x630, 0x638, 0x640, 0x648, 0x650}, blocks[0].Addrs())
	for _, e := range blocks[0].Entries[:5] {
		assert.Equal(t, uint16(fixupDir64), e>>12)
	}
	assert.Len(t, img.Fixups, 0x200)
}

func TestBuildIA64TrampolineTooFar(t *testing.T) {
	img, err := NewBuilder(mustTarget(t, "ia64-efi")).Build(ia64Kernel(0x800000).bytes())
	assert.Nil(t, img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncodingOverflow), "%v", err)
	assert.Contains(t, err.Error(), "trampoline offset too big")
	assert.Contains(t, err.Error(), "R_IA64_PCREL21B")
}

func TestBuildIA64Absolute(t *testing.T) {
	w := newELF(elf.ELFCLASS64, elf.EM_IA_64, elf.ET_EXEC)
	text := w.text(".text", 16, make([]byte, 0x10))
	data := w.data(".data", 8, make([]byte, 0x18))
	start := w.symbol(testSym{name: "_start", typ: elf.STT_FUNC, shndx: elf.SectionIndex(text)})
	w.rela(data,
		testRel{off: 0, sym: start, typ: rIA64FPtr64LSB},
		testRel{off: 8, sym: start, typ: rIA64PCRel64LSB},
		testRel{off: 0x10, sym: start, typ: rIA64SegRel64LSB, addend: 0x20},
	)
	img, err := NewBuilder(mustTarget(t, "ia64-efi")).Build(w.bytes())
	require.NoError(t, err)

	// .data at 0x200, the descriptor of _start right behind the data.
	le := binary.LittleEndian
	desc := uint64(0x400 + 0x400)
	assert.Equal(t, desc, le.Uint64(img.Data[0x200:]))
	assert.Equal(t, desc-0x608, le.Uint64(img.Data[0x208:]))
	assert.Equal(t, desc+0x20-0x200, le.Uint64(img.Data[0x210:]))

	blocks, err := ParseFixups(img.Fixups, le)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []uint64{0x600, desc, desc + 8}, blocks[0].Addrs())
}

func TestBuildIA64SlotOutOfBundle(t *testing.T) {
	w := ia64Kernel(0)
	w.relocs[0].rels[0].off = 0x03
	img, err := NewBuilder(mustTarget(t, "ia64-efi")).Build(w.bytes())
	assert.Nil(t, img)
	assert.True(t, errors.Is(err, ErrMalformed), "%v", err)
	assert.Contains(t, err.Error(), "does not name an instruction slot")
}

func TestPutSlot22(t *testing.T) {
	b := make([]byte, ia64BundleSize)
	require.NoError(t, putSlot22(b, 1, 1<<21-1))
	assert.Equal(t, uint32(1<<21-1), slot21(b, 1))

	err := putSlot22(make([]byte, ia64BundleSize), 1, 1<<21)
	assert.True(t, errors.Is(err, ErrEncodingOverflow), "%v", err)
	err = putSlot22(make([]byte, ia64BundleSize), 1, ^uint64(0))
	assert.Equal(t, "encoding-overflow", KindOf(err))
}
