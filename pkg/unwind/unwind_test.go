package unwind

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfwalk/elfwalk/internal/elftest"
	"github.com/elfwalk/elfwalk/pkg/logsink"
	"github.com/elfwalk/elfwalk/pkg/process"
)

// DWARF CFA opcodes used to assemble test programs.
const (
	opDefCfa       = 0x0c
	opDefCfaOffset = 0x0e
	opAdvanceLoc4  = 0x04
	opOffsetRip    = 0x80 | 16
)

// buildFrameSection assembles a .debug_frame with one CIE (CFA=rsp+8,
// rip at CFA-8) and one FDE per [begin, end) range.
func buildFrameSection(ranges [][2]uint64) []byte {
	var cie bytes.Buffer
	cie.Write([]byte{0xff, 0xff, 0xff, 0xff})
	cie.WriteByte(3)    // version
	cie.WriteByte(0)    // augmentation
	cie.WriteByte(1)    // code alignment
	cie.WriteByte(0x78) // data alignment -8
	cie.WriteByte(16)   // return address register
	cie.Write([]byte{opDefCfa, 7, 8, opOffsetRip, 1})
	for cie.Len()%8 != 4 {
		cie.WriteByte(0)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(cie.Len()))
	out.Write(cie.Bytes())

	for _, r := range ranges {
		var fde bytes.Buffer
		binary.Write(&fde, binary.LittleEndian, uint32(0)) // CIE pointer
		binary.Write(&fde, binary.LittleEndian, r[0])
		binary.Write(&fde, binary.LittleEndian, r[1]-r[0])
		for fde.Len()%8 != 4 {
			fde.WriteByte(0)
		}
		binary.Write(&out, binary.LittleEndian, uint32(fde.Len()))
		out.Write(fde.Bytes())
	}
	return out.Bytes()
}

func buildPrstatus(tid uint32, rip, rsp uint64) []byte {
	desc := make([]byte, 336)
	binary.LittleEndian.PutUint32(desc[32:], tid)
	// user_regs_struct: rip at +16*8, rsp at +19*8 within the register
	// block starting at offset 112
	binary.LittleEndian.PutUint64(desc[112+16*8:], rip)
	binary.LittleEndian.PutUint64(desc[112+19*8:], rsp)
	return desc
}

// buildTarget writes an executable with CFI and a core whose single
// thread is stopped at pc with the given stack contents.
func buildTarget(t *testing.T, pc, sp uint64, stack []uint64) *process.Process {
	t.Helper()
	dir := t.TempDir()

	eb := elftest.NewBuilder(stdelf.ET_EXEC)
	eb.AddSection(".text", stdelf.SHT_PROGBITS, stdelf.SHF_ALLOC|stdelf.SHF_EXECINSTR, 0x401000, make([]byte, 0x100), 0, 0)
	eb.AddLoad(0x400000, make([]byte, 0x100), 0x2000)
	eb.AddSymtab([]elftest.Sym{
		{Name: "main", Value: 0x401000, Size: 0x80, Type: stdelf.STT_FUNC},
		{Name: "pause", Value: 0x401080, Size: 0x20, Type: stdelf.STT_FUNC},
	}, false)
	eb.AddSection(".debug_frame", stdelf.SHT_PROGBITS, 0, 0,
		buildFrameSection([][2]uint64{{0x401000, 0x401080}, {0x401080, 0x4010a0}}), 0, 0)
	execPath := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(execPath, eb.Bytes(), 0o755))

	stackBytes := make([]byte, len(stack)*8)
	for i, w := range stack {
		binary.LittleEndian.PutUint64(stackBytes[i*8:], w)
	}

	cb := elftest.NewBuilder(stdelf.ET_CORE)
	cb.AddLoad(sp, stackBytes, 0)
	cb.AddNote(1, "CORE", buildPrstatus(7, pc, sp))
	corePath := filepath.Join(dir, "core")
	require.NoError(t, os.WriteFile(corePath, cb.Bytes(), 0o644))

	p, err := process.OpenCore(corePath, execPath, logsink.Null())
	require.NoError(t, err)
	require.NoError(t, p.Load())
	return p
}

func TestUnwindTwoFrames(t *testing.T) {
	// stopped in pause at 0x401084; the return address into main sits
	// at the top of the stack, the next slot holds the zero sentinel
	p := buildTarget(t, 0x401084, 0x7fff0000, []uint64{0x401010, 0})
	defer p.Close()

	threads, err := p.Threads()
	require.NoError(t, err)
	require.Len(t, threads, 1)

	frames := New(threads[0]).All()
	require.Len(t, frames, 2)

	assert.Equal(t, "pause", frames[0].Symbol)
	assert.Equal(t, uint64(0x401084), frames[0].PC)
	assert.Equal(t, uint64(4), frames[0].Offset)
	assert.Equal(t, uint64(0x7fff0008), frames[0].CFA)

	assert.Equal(t, "main", frames[1].Symbol)
	assert.Equal(t, uint64(0x401010), frames[1].PC)
	assert.Equal(t, uint64(0x7fff0008), frames[1].SP)
}

func TestUnwindRecursion(t *testing.T) {
	// 100 recursive calls into main, then a stop inside pause: every
	// stack slot returns into main until the sentinel
	stack := make([]uint64, 101)
	for i := 0; i < 100; i++ {
		stack[i] = 0x401020
	}
	stack[100] = 0

	p := buildTarget(t, 0x401084, 0x7fff0000, stack)
	defer p.Close()

	threads, err := p.Threads()
	require.NoError(t, err)

	frames := New(threads[0]).All()
	require.Len(t, frames, 101)
	for _, fr := range frames[1:] {
		assert.Equal(t, "main", fr.Symbol)
	}
}

func TestUnwindStopsOnUncoveredPC(t *testing.T) {
	// the return address lands outside every FDE range
	p := buildTarget(t, 0x401084, 0x7fff0000, []uint64{0x409999, 0})
	defer p.Close()

	threads, err := p.Threads()
	require.NoError(t, err)

	frames := New(threads[0]).All()
	require.Len(t, frames, 2)
	assert.Equal(t, "pause", frames[0].Symbol)
	// 0x409999 lies outside every loaded object's PT_LOAD, so no symbol
	// lookup runs and the annotation stays ??
	assert.Equal(t, uint64(0x409999), frames[1].PC)
	assert.Equal(t, UnknownSymbol, frames[1].Symbol)
}

func TestUnwindStopsWhenReturnAddressUnreadable(t *testing.T) {
	// the first frame returns into pause; the second frame's CFA is 8
	// bytes higher, so its return-address slot at 0x7fff0008 lies past
	// the one-word stack segment, the read fails and the walk stops
	stack := []uint64{0x401084}

	p := buildTarget(t, 0x401084, 0x7fff0000, stack)
	defer p.Close()

	threads, err := p.Threads()
	require.NoError(t, err)

	frames := New(threads[0]).All()
	assert.LessOrEqual(t, len(frames), 3)
	assert.GreaterOrEqual(t, len(frames), 1)
}
