// Package reader implements the random-access, caching, decompressing byte
// reader abstraction that every other elfwalk layer is built on. Heavier
// readers (caching, decompressing) wrap a plainer one rather than
// reimplementing I/O.
package reader

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/elfwalk/elfwalk/pkg/errs"
)

// Reader is a random-access byte source. Implementations must be safe for
// concurrent ReadAt/ReadString calls from multiple goroutines touching
// disjoint ranges (the vtable scanner's parallel sweep relies on this).
type Reader interface {
	// ReadAt reads len(dst) bytes at absolute offset off into dst,
	// returning the number of bytes read. It returns *errs.ShortRead
	// only when fewer bytes exist than requested; a caller that wants a
	// tolerant scan should use ReadAtMost instead.
	ReadAt(off int64, dst []byte) (int, error)

	// ReadAtMost reads up to len(dst) bytes at off, tolerating a short
	// tail at end of input; it never returns *errs.ShortRead.
	ReadAtMost(off int64, dst []byte) (int, error)

	// ReadString reads bytes from off until a NUL byte or end of input.
	// It returns *errs.UnterminatedString only when end of input is
	// reached without finding a NUL.
	ReadString(off int64) (string, error)

	// Describe returns a short human-readable identifier for this
	// reader, for error messages and verbose logging.
	Describe() string
}

// ReadObj reads exactly sizeof(*v) bytes at off and decodes them into v
// using order. v must be a pointer to a fixed-size value.
func ReadObj(r Reader, off int64, order binary.ByteOrder, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return &errs.BadDwarf{Reason: "ReadObj: unsized type"}
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(off, buf); err != nil {
		return err
	}
	return binary.Read(newSliceReader(buf), order, v)
}

func newSliceReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b   []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}

// fileReader is the base Reader over an *os.File.
type fileReader struct {
	f    *os.File
	name string
}

// NewFileReader opens path for random-access reads.
func NewFileReader(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileReader{f: f, name: path}, nil
}

// NewFile wraps an already-open *os.File.
func NewFile(f *os.File) Reader {
	return &fileReader{f: f, name: f.Name()}
}

func (r *fileReader) ReadAt(off int64, dst []byte) (int, error) {
	n, err := r.f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return n, &errs.Io{Err: err}
	}
	if n < len(dst) {
		return n, &errs.ShortRead{Offset: off, Want: int64(len(dst)), Got: int64(n)}
	}
	return n, nil
}

func (r *fileReader) ReadAtMost(off int64, dst []byte) (int, error) {
	n, err := r.f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return n, &errs.Io{Err: err}
	}
	return n, nil
}

func (r *fileReader) ReadString(off int64) (string, error) {
	return readStringVia(r.ReadAtMost, off)
}

func (r *fileReader) Describe() string { return "file:" + r.name }

// memReader is a Reader over an in-memory byte slice, used for
// decompressed section blobs and for ELF images already held in memory.
type memReader struct {
	data []byte
	name string
}

// NewMemReader wraps a byte slice as a Reader.
func NewMemReader(data []byte, name string) Reader {
	return &memReader{data: data, name: name}
}

func (r *memReader) ReadAt(off int64, dst []byte) (int, error) {
	n, err := r.ReadAtMost(off, dst)
	if err != nil {
		return n, err
	}
	if n < len(dst) {
		return n, &errs.ShortRead{Offset: off, Want: int64(len(dst)), Got: int64(n)}
	}
	return n, nil
}

func (r *memReader) ReadAtMost(off int64, dst []byte) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, nil
	}
	n := copy(dst, r.data[off:])
	return n, nil
}

func (r *memReader) ReadString(off int64) (string, error) {
	return readStringVia(r.ReadAtMost, off)
}

func (r *memReader) Describe() string { return "mem:" + r.name }

func readStringVia(readAtMost func(int64, []byte) (int, error), off int64) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := readAtMost(off+int64(len(out)), buf)
		if n == 0 {
			return string(out), &errs.UnterminatedString{Offset: off}
		}
		if err != nil {
			return string(out), err
		}
		if i := indexZero(buf[:n]); i >= 0 {
			out = append(out, buf[:i]...)
			return string(out), nil
		}
		out = append(out, buf[:n]...)
		if n < chunk {
			return string(out), &errs.UnterminatedString{Offset: off}
		}
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
