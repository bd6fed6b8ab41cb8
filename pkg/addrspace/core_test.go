package addrspace

import (
	"bytes"
	stdelf "debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfwalk/elfwalk/internal/elftest"
	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/errs"
	"github.com/elfwalk/elfwalk/pkg/reader"
)

func buildCore(t *testing.T) *elf.Object {
	t.Helper()

	b := elftest.NewBuilder(stdelf.ET_CORE)
	b.AddLoad(0x1000, []byte("segment one data"), 0)
	// second segment: 8 file-backed bytes, 16 more that read as zero
	b.AddLoad(0x2000, []byte("filepart"), 24)

	obj, err := elf.Open(reader.NewMemReader(b.Bytes(), "core"), "core")
	require.NoError(t, err)
	return obj
}

func TestCoreSpaceRead(t *testing.T) {
	space := NewCoreSpace(buildCore(t))

	buf := make([]byte, 7)
	n, err := space.ReadAt(0x1000, buf)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "segment", string(buf))

	// offset into the segment
	n, err = space.ReadAt(0x1008, buf[:3])
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:3]))
	_ = n
}

func TestCoreSpaceZeroFill(t *testing.T) {
	space := NewCoreSpace(buildCore(t))

	// spans the file-backed part and the zero tail
	buf := make([]byte, 12)
	_, err := space.ReadAt(0x2004, buf)
	require.NoError(t, err)
	assert.Equal(t, "part", string(buf[:4]))
	assert.Equal(t, bytes.Repeat([]byte{0}, 8), buf[4:])
}

func TestCoreSpaceUnmapped(t *testing.T) {
	space := NewCoreSpace(buildCore(t))

	buf := make([]byte, 4)
	_, err := space.ReadAt(0x5000, buf)
	var unmapped *errs.Unmapped
	require.ErrorAs(t, err, &unmapped)
	assert.Equal(t, uint64(0x5000), unmapped.Addr)

	// a read running off the end of a segment reports the first
	// unmapped address
	n, err := space.ReadAt(0x2010, make([]byte, 16))
	require.ErrorAs(t, err, &unmapped)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint64(0x2018), unmapped.Addr)
}

func TestReadWordAndString(t *testing.T) {
	b := elftest.NewBuilder(stdelf.ET_CORE)
	seg := make([]byte, 32)
	copy(seg, "hello\x00world")
	seg[16] = 0xef
	seg[17] = 0xbe
	seg[18] = 0xad
	seg[19] = 0xde
	b.AddLoad(0x1000, seg, 0)

	obj, err := elf.Open(reader.NewMemReader(b.Bytes(), "core"), "core")
	require.NoError(t, err)
	space := NewCoreSpace(obj)

	w, err := ReadWord(space, 0x1010, obj.File.ByteOrder, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), w)

	s, err := ReadString(space, 0x1000, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}
