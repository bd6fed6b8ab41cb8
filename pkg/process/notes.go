package process

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"io"
)

// ELF core note types.
const (
	ntPrstatus = 1
	ntPrpsinfo = 3
)

// elf_prstatus (64-bit) field offsets within the note descriptor.
const (
	prstatusPidOff  = 32
	prstatusRegsOff = 112
	prstatusRegsLen = 27 * 8 // full user_regs_struct
)

// prpsinfo (64-bit) fname field.
const (
	psinfoFnameOff = 40
	psinfoFnameLen = 16
)

type noteHeader struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

// forEachNote iterates the notes of every PT_NOTE segment of the core,
// invoking fn with each note's type and descriptor.
func (p *Process) forEachNote(fn func(ntype uint32, desc []byte) bool) error {
	for _, prog := range p.Core.File.Progs {
		if prog.Type != stdelf.PT_NOTE {
			continue
		}

		r := prog.Open()
		order := p.Core.File.ByteOrder
		for {
			var hdr noteHeader
			err := binary.Read(r, order, &hdr)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			// name and desc are padded to 4-byte boundaries
			namesz := (hdr.Namesz + 3) &^ 3
			descsz := (hdr.Descsz + 3) &^ 3

			if _, err := io.CopyN(io.Discard, r, int64(namesz)); err != nil {
				return err
			}
			desc := make([]byte, descsz)
			if _, err := io.ReadFull(r, desc); err != nil {
				return err
			}

			if !fn(hdr.Ntype, desc[:hdr.Descsz]) {
				return nil
			}
		}
	}
	return nil
}

// threadsFromCore builds the thread list from the core's
// NT_PRSTATUS-class notes, one per dumped thread, in note order.
func (p *Process) threadsFromCore() ([]*Thread, error) {
	var threads []*Thread
	order := p.Core.File.ByteOrder

	err := p.forEachNote(func(ntype uint32, desc []byte) bool {
		if ntype != ntPrstatus {
			return true
		}
		if len(desc) < prstatusRegsOff+prstatusRegsLen {
			p.sink.Warnf("short NT_PRSTATUS note (%d bytes), skipping", len(desc))
			return true
		}

		tid := int(order.Uint32(desc[prstatusPidOff : prstatusPidOff+4]))

		var regs Registers
		regsBytes := desc[prstatusRegsOff : prstatusRegsOff+prstatusRegsLen]
		if err := binary.Read(bytes.NewReader(regsBytes), order, &regs); err != nil {
			p.sink.Warnf("cannot decode registers of thread %d: %v", tid, err)
			return true
		}

		threads = append(threads, &Thread{ID: tid, Regs: regs, Process: p})
		return true
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// execPathFromCore extracts the executable name from the core's
// NT_PRPSINFO note. The embedded name can be silently truncated
// (notably on FreeBSD), in which case the path is reported as unknown
// rather than returning a partial string.
func (p *Process) execPathFromCore() string {
	name := ""
	p.forEachNote(func(ntype uint32, desc []byte) bool {
		if ntype != ntPrpsinfo {
			return true
		}
		if len(desc) < psinfoFnameOff+psinfoFnameLen {
			return true
		}
		fname := desc[psinfoFnameOff : psinfoFnameOff+psinfoFnameLen]
		idx := bytes.IndexByte(fname, 0)
		if idx < 0 {
			// no terminator inside the fixed field: truncated
			return false
		}
		name = string(fname[:idx])
		return false
	})
	return name
}
