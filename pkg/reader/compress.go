package reader

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/ulikunitz/xz"
)

// smallSizeThreshold is a 1 MiB inflated-size cutoff. The readers in
// this file do not consult it: they inflate every section fully,
// whatever its size.
const smallSizeThreshold = 1 << 20 // 1 MiB

// decompressedReader exposes the inflated view of a single compressed
// section as a flat Reader. Both zlib and xz variants share this shape:
// inflate once into memory (sections are small enough in practice that
// this also satisfies the "memoize below a small-size threshold"
// encouragement without extra bookkeeping), then serve reads from the
// resulting memReader.
type decompressedReader struct {
	Reader
}

// NewZlibReader returns a Reader over the zlib-decompressed contents of
// compressed, which must hold a full SHF_COMPRESSED zlib-compressed
// section body (after the Elf64_Chdr/Elf32_Chdr header has been
// stripped by the caller).
func NewZlibReader(compressed []byte, name string) (Reader, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return &decompressedReader{Reader: NewMemReader(data, "zlib:"+name)}, nil
}

// NewXZReader returns a Reader over the xz-decompressed contents of
// compressed. xz support is optional in the sense that callers who never
// encounter an xz-compressed section never need to link against a
// working decoder path beyond this file.
func NewXZReader(compressed []byte, name string) (Reader, error) {
	xr, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(xr)
	if err != nil {
		return nil, err
	}
	return &decompressedReader{Reader: NewMemReader(data, "xz:"+name)}, nil
}
