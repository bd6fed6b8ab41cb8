package reader

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestZlibReader(t *testing.T) {
	plain := bytes.Repeat([]byte("debug section contents "), 64)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(plain)
	zw.Close()

	r, err := NewZlibReader(compressed.Bytes(), ".debug_info")
	require.NoError(t, err)

	buf := make([]byte, len(plain))
	n, err := r.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(plain), n)
	assert.Equal(t, plain, buf)

	// offsets are computed against the inflated output
	tail := make([]byte, 8)
	_, err = r.ReadAt(int64(len(plain)-8), tail)
	require.NoError(t, err)
	assert.Equal(t, plain[len(plain)-8:], tail)
}

func TestXZReader(t *testing.T) {
	plain := []byte("xz compressed section body")

	var compressed bytes.Buffer
	xw, err := xz.NewWriter(&compressed)
	require.NoError(t, err)
	xw.Write(plain)
	require.NoError(t, xw.Close())

	r, err := NewXZReader(compressed.Bytes(), ".debug_line")
	require.NoError(t, err)

	buf := make([]byte, len(plain))
	_, err = r.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, plain, buf)
}

func TestZlibReaderRejectsGarbage(t *testing.T) {
	_, err := NewZlibReader([]byte("not zlib data"), ".debug_info")
	assert.Error(t, err)
}
