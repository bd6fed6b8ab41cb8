// Package addrspace unifies the two ways a target's memory can be
// read: a live process stopped under ptrace, and a core image whose
// PT_LOAD segments are reassembled into a virtual address space.
package addrspace

import "encoding/binary"

// Space is a process address space addressed by virtual address.
type Space interface {
	// ReadAt reads len(dst) bytes at virtual address va. It returns
	// the number of bytes read and *errs.Unmapped when va (or the
	// tail of the range) is not backed by any segment.
	ReadAt(va uint64, dst []byte) (int, error)

	// Describe returns a short human-readable identifier.
	Describe() string

	// Close releases the provider: a live space detaches and resumes
	// the target, a core space is a no-op.
	Close() error
}

// ReadWord reads one pointer-sized word at va.
func ReadWord(s Space, va uint64, order binary.ByteOrder, ptrSize int) (uint64, error) {
	buf := make([]byte, ptrSize)
	if _, err := s.ReadAt(va, buf); err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(order.Uint32(buf)), nil
	}
	return order.Uint64(buf), nil
}

// ReadString reads a NUL-terminated string at va, bounded by max
// bytes.
func ReadString(s Space, va uint64, max int) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for len(out) < max {
		n, err := s.ReadAt(va+uint64(len(out)), buf)
		if n == 0 {
			return string(out), err
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:n]...)
		if err != nil {
			return string(out), err
		}
	}
	return string(out), nil
}
