package reader

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfwalk/elfwalk/pkg/errs"
)

func TestMemReaderReadAt(t *testing.T) {
	r := NewMemReader([]byte("hello, world"), "t")

	buf := make([]byte, 5)
	n, err := r.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	_, err = r.ReadAt(10, make([]byte, 10))
	assert.Error(t, err)
}

func TestMemReaderReadAtMostTolerantTail(t *testing.T) {
	r := NewMemReader([]byte("abc"), "t")

	buf := make([]byte, 10)
	n, err := r.ReadAtMost(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemReaderReadString(t *testing.T) {
	r := NewMemReader([]byte("main.go\x00junk"), "t")

	s, err := r.ReadString(0)
	require.NoError(t, err)
	assert.Equal(t, "main.go", s)

	_, err = NewMemReader([]byte("noterminator"), "t").ReadString(0)
	assert.Error(t, err)
}

func TestFileReaderWrapsHardFailures(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "r")
	require.NoError(t, err)
	r := NewFile(f)
	require.NoError(t, f.Close())

	// a read through a closed descriptor is a backing failure, not a
	// short read
	_, err = r.ReadAt(0, make([]byte, 4))
	var ioErr *errs.Io
	require.ErrorAs(t, err, &ioErr)
	assert.Error(t, ioErr.Unwrap())

	_, err = r.ReadAtMost(0, make([]byte, 4))
	assert.ErrorAs(t, err, &ioErr)
}

func TestReadObj(t *testing.T) {
	type header struct {
		Magic   uint32
		Version uint16
	}
	r := NewMemReader([]byte{0x7f, 'E', 'L', 'F', 1, 0}, "t")

	var h header
	require.NoError(t, ReadObj(r, 0, binary.LittleEndian, &h))
	assert.Equal(t, uint16(1), h.Version)
}
