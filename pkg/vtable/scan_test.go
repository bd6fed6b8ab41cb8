package vtable

import (
	stdelf "debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfwalk/elfwalk/internal/elftest"
	"github.com/elfwalk/elfwalk/pkg/logsink"
	"github.com/elfwalk/elfwalk/pkg/process"
)

// buildScanTarget writes an executable carrying two vtable symbols and
// a core whose heap segment holds the given words.
func buildScanTarget(t *testing.T, heapAddr uint64, heap []byte) *process.Process {
	t.Helper()
	dir := t.TempDir()

	eb := elftest.NewBuilder(stdelf.ET_EXEC)
	eb.AddSection(".data.rel.ro", stdelf.SHT_PROGBITS, stdelf.SHF_ALLOC, 0x402000, make([]byte, 0x100), 0, 0)
	eb.AddLoad(0x400000, make([]byte, 0x100), 0x3000)
	eb.AddSymtab([]elftest.Sym{
		{Name: "_ZTV1C", Value: 0x402000, Size: 0x40, Type: stdelf.STT_OBJECT},
		{Name: "_ZTV1D", Value: 0x402040, Size: 0x40, Type: stdelf.STT_OBJECT},
		{Name: "unrelated", Value: 0x402080, Size: 0x40, Type: stdelf.STT_OBJECT},
	}, false)
	execPath := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(execPath, eb.Bytes(), 0o755))

	cb := elftest.NewBuilder(stdelf.ET_CORE)
	cb.AddLoad(heapAddr, heap, 0)
	corePath := filepath.Join(dir, "core")
	require.NoError(t, os.WriteFile(corePath, cb.Bytes(), 0o644))

	p, err := process.OpenCore(corePath, execPath, logsink.Null())
	require.NoError(t, err)
	require.NoError(t, p.Load())
	return p
}

func words(ws ...uint64) []byte {
	out := make([]byte, len(ws)*8)
	for i, w := range ws {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func TestScanCountsObjects(t *testing.T) {
	// seven objects of class C (vptr -> _ZTV1C+16), one of class D,
	// and noise that must not count
	heap := words(
		0x402010, 0x402010, 0x402010, 0x402010,
		0x402010, 0x402010, 0x402010,
		0x402050,
		0x402080, // matches "unrelated": filtered by pattern
		0x999999, // inside no symbol
		0x402040+0x40, // one past _ZTV1D: no hit
	)

	p := buildScanTarget(t, 0x10000, heap)
	defer p.Close()

	report, err := Scan(p, Config{Workers: 1})
	require.NoError(t, err)

	require.Len(t, report.Rows, 2)
	assert.Equal(t, "_ZTV1C", report.Rows[0].Name)
	assert.Equal(t, uint64(7), report.Rows[0].Count)
	assert.Equal(t, "_ZTV1D", report.Rows[1].Name)
	assert.Equal(t, uint64(1), report.Rows[1].Count)
}

func TestScanDeterministic(t *testing.T) {
	heap := words(0x402010, 0x402050, 0x402010, 0x402018)
	p := buildScanTarget(t, 0x10000, heap)
	defer p.Close()

	a, err := Scan(p, Config{Workers: 1, ShowAddrs: true})
	require.NoError(t, err)
	b, err := Scan(p, Config{Workers: 4, ShowAddrs: true})
	require.NoError(t, err)

	if diff := cmp.Diff(a, b, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("sequential and parallel reports differ (-seq +par):\n%s", diff)
	}
}

func TestScanShowAddrs(t *testing.T) {
	heap := words(0, 0x402018, 0)
	p := buildScanTarget(t, 0x10000, heap)
	defer p.Close()

	report, err := Scan(p, Config{Workers: 1, ShowAddrs: true})
	require.NoError(t, err)

	require.Len(t, report.Hits, 1)
	assert.Equal(t, uint64(0x10008), report.Hits[0].Addr)
	assert.Equal(t, "_ZTV1C", report.Hits[0].Name)
	assert.Equal(t, uint64(0x18), report.Hits[0].Offset)
}

func TestScanLiteralString(t *testing.T) {
	heap := make([]byte, 64)
	copy(heap[24:], "hello")
	p := buildScanTarget(t, 0x10000, heap)
	defer p.Close()

	report, err := Scan(p, Config{Workers: 1, FindString: "hello"})
	require.NoError(t, err)

	require.Len(t, report.Hits, 1)
	assert.Equal(t, uint64(0x10018), report.Hits[0].Addr)
	assert.Empty(t, report.Rows)
}

func TestScanAddressRange(t *testing.T) {
	heap := words(
		0x1000, // in range
		0x1ffc, // in range
		0x2000, // past max
		0x0fff, // below min
		0x1006, // in range numerically but not 4-byte aligned
		0x1800, // in range
	)
	p := buildScanTarget(t, 0x10000, heap)
	defer p.Close()

	report, err := Scan(p, Config{Workers: 1, FindRefs: true, FindMin: 0x1000, FindMax: 0x2000})
	require.NoError(t, err)

	var addrs []uint64
	for _, h := range report.Hits {
		addrs = append(addrs, h.Addr)
	}
	assert.Equal(t, []uint64{0x10000, 0x10008, 0x10028}, addrs)
}

func TestMatchAny(t *testing.T) {
	assert.True(t, matchAny([]string{DefaultPattern}, "_ZTV1C"))
	assert.True(t, matchAny([]string{"*__vtbl_"}, "C__vtbl_"))
	assert.False(t, matchAny([]string{DefaultPattern}, "main"))
}
