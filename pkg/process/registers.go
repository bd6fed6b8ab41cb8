package process

import "golang.org/x/sys/unix"

// Registers is a general-purpose register file snapshot, captured at
// freeze time for a live thread or read from a core's NT_PRSTATUS note.
// The layout mirrors the x86-64 user_regs_struct.
type Registers struct {
	R15, R14, R13, R12 uint64
	Rbp, Rbx           uint64
	R11, R10, R9, R8   uint64
	Rax, Rcx, Rdx      uint64
	Rsi, Rdi           uint64
	OrigRax            uint64
	Rip                uint64
	Cs                 uint64
	Eflags             uint64
	Rsp                uint64
	Ss                 uint64
	FsBase, GsBase     uint64
	Ds, Es, Fs, Gs     uint64
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 { return r.Rip }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.Rsp }

// FP returns the frame pointer.
func (r *Registers) FP() uint64 { return r.Rbp }

// DWARF register numbering for x86-64, per the System V ABI: 0=rax,
// 1=rdx, 2=rcx, 3=rbx, 4=rsi, 5=rdi, 6=rbp, 7=rsp, 8-15=r8-r15,
// 16=rip (the return address column).
const (
	RegRbp = 6
	RegRsp = 7
	RegRip = 16
)

// Get returns DWARF register reg's value.
func (r *Registers) Get(reg uint64) (uint64, bool) {
	switch reg {
	case 0:
		return r.Rax, true
	case 1:
		return r.Rdx, true
	case 2:
		return r.Rcx, true
	case 3:
		return r.Rbx, true
	case 4:
		return r.Rsi, true
	case 5:
		return r.Rdi, true
	case 6:
		return r.Rbp, true
	case 7:
		return r.Rsp, true
	case 8:
		return r.R8, true
	case 9:
		return r.R9, true
	case 10:
		return r.R10, true
	case 11:
		return r.R11, true
	case 12:
		return r.R12, true
	case 13:
		return r.R13, true
	case 14:
		return r.R14, true
	case 15:
		return r.R15, true
	case 16:
		return r.Rip, true
	}
	return 0, false
}

// Set assigns DWARF register reg in the snapshot. Unknown registers
// are ignored.
func (r *Registers) Set(reg, val uint64) {
	switch reg {
	case 0:
		r.Rax = val
	case 1:
		r.Rdx = val
	case 2:
		r.Rcx = val
	case 3:
		r.Rbx = val
	case 4:
		r.Rsi = val
	case 5:
		r.Rdi = val
	case 6:
		r.Rbp = val
	case 7:
		r.Rsp = val
	case 8:
		r.R8 = val
	case 9:
		r.R9 = val
	case 10:
		r.R10 = val
	case 11:
		r.R11 = val
	case 12:
		r.R12 = val
	case 13:
		r.R13 = val
	case 14:
		r.R14 = val
	case 15:
		r.R15 = val
	case 16:
		r.Rip = val
	}
}

// fromPtraceRegs converts the unix.PtraceRegs layout into a snapshot.
func fromPtraceRegs(p *unix.PtraceRegs) Registers {
	return Registers{
		R15: p.R15, R14: p.R14, R13: p.R13, R12: p.R12,
		Rbp: p.Rbp, Rbx: p.Rbx,
		R11: p.R11, R10: p.R10, R9: p.R9, R8: p.R8,
		Rax: p.Rax, Rcx: p.Rcx, Rdx: p.Rdx,
		Rsi: p.Rsi, Rdi: p.Rdi,
		OrigRax: p.Orig_rax,
		Rip:     p.Rip,
		Cs:      p.Cs,
		Eflags:  p.Eflags,
		Rsp:     p.Rsp,
		Ss:      p.Ss,
		FsBase:  p.Fs_base,
		GsBase:  p.Gs_base,
		Ds:      p.Ds, Es: p.Es, Fs: p.Fs, Gs: p.Gs,
	}
}
