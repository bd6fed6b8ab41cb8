// Package errs collects the named error kinds shared across elfwalk's
// reader, ELF, DWARF, address-space, and unwinder layers.
package errs

import "fmt"

// Io wraps a backing read that failed at the OS level, as opposed to
// the structural failures the other kinds describe.
type Io struct {
	Err error
}

func (e *Io) Error() string { return "backing read failed: " + e.Err.Error() }

func (e *Io) Unwrap() error { return e.Err }

// ShortRead is returned by a strict record read when fewer bytes were
// available than requested.
type ShortRead struct {
	Offset, Want, Got int64
}

func (e *ShortRead) Error() string {
	return fmt.Sprintf("short read at offset %#x: wanted %d bytes, got %d", e.Offset, e.Want, e.Got)
}

// UnterminatedString is returned by ReadString when the reader runs out of
// bytes before finding a NUL terminator.
type UnterminatedString struct {
	Offset int64
}

func (e *UnterminatedString) Error() string {
	return fmt.Sprintf("unterminated string at offset %#x", e.Offset)
}

// NotElf is returned when a byte stream does not begin with the ELF magic
// or carries an unsupported identification.
type NotElf struct {
	Reason string
}

func (e *NotElf) Error() string { return "not an ELF file: " + e.Reason }

// TruncatedSection is returned when a section's declared size runs past
// the backing reader.
type TruncatedSection struct {
	Name string
}

func (e *TruncatedSection) Error() string { return "truncated section: " + e.Name }

// BadDwarf is returned by DWARF-level parse failures.
type BadDwarf struct {
	Reason string
}

func (e *BadDwarf) Error() string { return "malformed DWARF data: " + e.Reason }

// Unmapped is returned when a virtual address is not backed by any loaded
// segment.
type Unmapped struct {
	Addr uint64
}

func (e *Unmapped) Error() string { return fmt.Sprintf("address %#x is not mapped", e.Addr) }

// NoFde describes a PC that no FDE covers, so the unwinder cannot
// proceed past the current frame. The unwinder does not return it: its
// frame iterator ends the sequence at such a frame instead.
type NoFde struct {
	PC uint64
}

func (e *NoFde) Error() string { return fmt.Sprintf("no FDE covers pc %#x", e.PC) }

// Busy is returned when a live provider is requested for a PID that
// already has an attached provider.
type Busy struct {
	Pid int
}

func (e *Busy) Error() string { return fmt.Sprintf("pid %d already has an attached provider", e.Pid) }

// Detached is returned by operations on a process whose provider was
// already dropped (ptrace detached, core file closed).
type Detached struct{}

func (e *Detached) Error() string { return "process is detached" }

// NotCovered is returned by an FDE-interval lookup when no FDE contains
// the queried PC.
type NotCovered struct {
	PC uint64
}

func (e *NotCovered) Error() string { return fmt.Sprintf("pc %#x not covered by any FDE", e.PC) }
