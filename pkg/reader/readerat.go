package reader

import "io"

// asReaderAt adapts a Reader to the standard io.ReaderAt shape (which
// takes (dst, off) rather than our (off, dst)) so that debug/elf and
// debug/dwarf, which both parse around io.ReaderAt, can sit directly on
// top of our caching/decompressing reader layer.
type asReaderAt struct {
	r Reader
}

// AsReaderAt adapts r to io.ReaderAt.
func AsReaderAt(r Reader) io.ReaderAt { return &asReaderAt{r: r} }

func (a *asReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return a.r.ReadAt(off, p)
}
