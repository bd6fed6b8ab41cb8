package elf

import (
	stdelf "debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfwalk/elfwalk/internal/elftest"
	"github.com/elfwalk/elfwalk/pkg/errs"
	"github.com/elfwalk/elfwalk/pkg/reader"
)

var testSyms = []elftest.Sym{
	{Name: "main", Value: 0x401000, Size: 0x80, Type: stdelf.STT_FUNC},
	{Name: "pause", Value: 0x401080, Size: 0x20, Type: stdelf.STT_FUNC},
	{Name: "_init", Value: 0x400800, Size: 0, Type: stdelf.STT_FUNC},
	{Name: "_ZTV1C", Value: 0x402000, Size: 0x40, Type: stdelf.STT_OBJECT},
}

func buildExec(t *testing.T, withHash bool) *Object {
	t.Helper()

	b := elftest.NewBuilder(stdelf.ET_EXEC)
	b.AddSection(".text", stdelf.SHT_PROGBITS, stdelf.SHF_ALLOC|stdelf.SHF_EXECINSTR, 0x400800, make([]byte, 0x100), 0, 0)
	b.AddLoad(0x400000, make([]byte, 0x100), 0x3000)
	b.SetInterp("/lib64/ld-linux-x86-64.so.2")
	b.AddSymtab(testSyms, true)
	if withHash {
		// .dynsym was appended right after .text, so its index is 2
		b.AddHash(testSyms, elfHash, 2)
	}
	b.AddSymtab(testSyms, false)

	obj, err := Open(reader.NewMemReader(b.Bytes(), "exec"), "exec")
	require.NoError(t, err)
	return obj
}

func TestOpenRejectsNonElf(t *testing.T) {
	_, err := Open(reader.NewMemReader([]byte("definitely not an ELF image"), "junk"), "junk")
	var notElf *errs.NotElf
	require.ErrorAs(t, err, &notElf)
}

func TestBaseAndInterpreter(t *testing.T) {
	obj := buildExec(t, false)
	assert.Equal(t, uint64(0x400000), obj.Base())
	assert.Equal(t, "/lib64/ld-linux-x86-64.so.2", obj.Interpreter())
}

func TestFindHeaderForAddress(t *testing.T) {
	obj := buildExec(t, false)

	// the property every image satisfies: base() is covered
	p := obj.FindHeaderForAddress(obj.Base())
	require.NotNil(t, p)
	assert.Equal(t, uint64(0x400000), p.Vaddr)

	// p_memsz extends past p_filesz and still counts
	assert.NotNil(t, obj.FindHeaderForAddress(0x402fff))
	assert.Nil(t, obj.FindHeaderForAddress(0x403000))
}

func TestFindSymbolByName(t *testing.T) {
	for _, withHash := range []bool{false, true} {
		obj := buildExec(t, withHash)

		sym, ok := obj.FindSymbolByName("main")
		require.True(t, ok, "withHash=%v", withHash)
		assert.Equal(t, uint64(0x401000), sym.Value)

		_, ok = obj.FindSymbolByName("no_such_symbol")
		assert.False(t, ok, "withHash=%v", withHash)
	}
}

func TestHashAgreesWithLinearScan(t *testing.T) {
	hashed := buildExec(t, true)
	linear := buildExec(t, false)

	for _, s := range testSyms {
		a, ok1 := hashed.FindSymbolByName(s.Name)
		b, ok2 := linear.FindSymbolByName(s.Name)
		require.True(t, ok1, s.Name)
		require.True(t, ok2, s.Name)
		assert.Equal(t, b.Value, a.Value, s.Name)
	}
}

func TestFindSymbolByAddress(t *testing.T) {
	obj := buildExec(t, false)

	// every offset inside a sized symbol resolves to it
	for k := uint64(0); k < 0x80; k += 0x10 {
		sym, ok := obj.FindSymbolByAddress(0x401000+k, stdelf.STT_FUNC)
		require.True(t, ok, "offset %#x", k)
		assert.Equal(t, "main", sym.Name, "offset %#x", k)
	}

	sym, ok := obj.FindSymbolByAddress(0x401090, AnyType)
	require.True(t, ok)
	assert.Equal(t, "pause", sym.Name)

	// kind mismatch filters the containment match away
	_, ok = obj.FindSymbolByAddress(0x401010, stdelf.STT_OBJECT)
	assert.False(t, ok)
}

func TestStubMatchFallback(t *testing.T) {
	// a stripped image where _init (size 0) is the only symbol: any
	// higher address falls back to it
	b := elftest.NewBuilder(stdelf.ET_EXEC)
	b.AddSection(".text", stdelf.SHT_PROGBITS, stdelf.SHF_ALLOC|stdelf.SHF_EXECINSTR, 0x400800, make([]byte, 0x100), 0, 0)
	b.AddLoad(0x400000, make([]byte, 0x100), 0x3000)
	b.AddSymtab([]elftest.Sym{
		{Name: "_init", Value: 0x400800, Size: 0, Type: stdelf.STT_FUNC},
	}, false)

	obj, err := Open(reader.NewMemReader(b.Bytes(), "stripped"), "stripped")
	require.NoError(t, err)

	sym, ok := obj.FindSymbolByAddress(0x401234, stdelf.STT_FUNC)
	require.True(t, ok)
	assert.Equal(t, "_init", sym.Name)
}

func TestSymbolView(t *testing.T) {
	obj := buildExec(t, false)

	view := NewSymbolView(obj, stdelf.SHT_SYMTAB)
	var names []string
	for {
		sym, ok := view.Next()
		if !ok {
			break
		}
		names = append(names, sym.Name)
	}
	assert.Equal(t, []string{"main", "pause", "_init", "_ZTV1C"}, names)
}

func TestElfHashKnownValues(t *testing.T) {
	// reference values of the classic SysV hash
	assert.Equal(t, uint32(0x077905a6), elfHash("printf"))
	assert.Equal(t, uint32(0x064f9953), elfHash("_ZTV1C"))
	assert.Equal(t, uint32(0x000737fe), elfHash("main"))
	assert.Equal(t, uint32(0), elfHash(""))
}
