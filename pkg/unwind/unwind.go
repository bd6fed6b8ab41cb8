// Package unwind walks a thread's call stack by running DWARF CFI
// programs frame by frame, producing a lazy sequence of frames each
// annotated with the symbol and source line its PC resolves to.
package unwind

import (
	stdelf "debug/elf"
	"encoding/binary"

	"github.com/hashicorp/go-set"

	"github.com/elfwalk/elfwalk/pkg/addrspace"
	"github.com/elfwalk/elfwalk/pkg/dwarf/frame"
	"github.com/elfwalk/elfwalk/pkg/process"
)

// MaxFrames bounds the walk so a corrupt CFI chain cannot loop
// forever.
const MaxFrames = 4096

// UnknownSymbol is the annotation used when no symbol covers a PC.
const UnknownSymbol = "??"

// Frame is one emitted stack frame: the machine state plus the
// resolved (object, symbol, offset, source line) annotation.
type Frame struct {
	PC  uint64
	SP  uint64
	FP  uint64
	CFA uint64

	Object string
	Symbol string
	Offset uint64
	File   string
	Line   int
}

// Iter is the lazy frame sequence of one thread. Frames come out in
// call-chain order, innermost first; callers may stop at any point.
type Iter struct {
	proc      *process.Process
	regs      process.Registers
	depth     int
	maxFrames int
	seenCFAs  *set.Set[uint64]
	done      bool
}

// New starts an unwind from thread's captured register file.
func New(thread *process.Thread) *Iter {
	return &Iter{
		proc:      thread.Process,
		regs:      thread.Regs,
		maxFrames: MaxFrames,
		seenCFAs:  set.New[uint64](16),
	}
}

// exprContext adapts the current register file and the process memory
// to the CFI expression evaluator.
type exprContext struct {
	regs  *process.Registers
	space addrspace.Space
	order binary.ByteOrder
}

func (c *exprContext) Register(reg uint64) (uint64, bool) { return c.regs.Get(reg) }

func (c *exprContext) ReadWord(addr uint64) (uint64, error) {
	return addrspace.ReadWord(c.space, addr, c.order, 8)
}

// Next emits the next frame. The sequence ends when the return
// address reaches the zero sentinel, when no FDE covers the caller's
// PC, when a CFA repeats, or at the frame bound.
func (it *Iter) Next() (*Frame, bool) {
	if it.done || it.depth >= it.maxFrames {
		return nil, false
	}
	it.depth++

	pc := it.regs.PC()
	fr := &Frame{
		PC:     pc,
		SP:     it.regs.SP(),
		FP:     it.regs.FP(),
		Symbol: UnknownSymbol,
	}

	lo := it.proc.ObjectForPC(pc)
	it.annotate(fr, lo)

	if lo == nil {
		it.done = true
		return fr, true
	}

	fde, err := it.proc.FrameTable(lo).FDEForPC(pc)
	if err != nil {
		// no CFI past this point: emit the frame and stop
		it.done = true
		return fr, true
	}

	fctx := fde.EstablishFrame(pc)
	order := lo.Object.File.ByteOrder
	ectx := &exprContext{regs: &it.regs, space: it.proc.Space, order: order}

	cfa, ok := it.computeCFA(fctx, ectx)
	if !ok {
		it.done = true
		return fr, true
	}
	fr.CFA = cfa

	// repeated CFAs mean a cycle in the CFI chain
	if !it.seenCFAs.Insert(cfa) {
		it.done = true
		return fr, true
	}

	caller, ok := it.callerRegs(fctx, ectx, cfa)
	if !ok || caller.PC() == 0 {
		it.done = true
		return fr, true
	}
	it.regs = caller
	return fr, true
}

// computeCFA evaluates the row's CFA rule.
func (it *Iter) computeCFA(fctx *frame.FrameContext, ectx *exprContext) (uint64, bool) {
	switch fctx.CFA.Kind {
	case frame.RuleCFA:
		base, ok := it.regs.Get(fctx.CFA.Reg)
		if !ok {
			return 0, false
		}
		return base + uint64(fctx.CFA.Offset), true
	case frame.RuleExpression:
		v, err := frame.EvalExpression(fctx.CFA.Expression, ectx)
		return v, err == nil
	}
	return 0, false
}

// callerRegs applies the row's per-register rules to produce the
// caller's register file. Registers without a rule keep their value;
// the caller's stack pointer is the CFA itself.
func (it *Iter) callerRegs(fctx *frame.FrameContext, ectx *exprContext, cfa uint64) (process.Registers, bool) {
	caller := it.regs

	for reg, rule := range fctx.Regs {
		switch rule.Kind {
		case frame.RuleOffset:
			val, err := ectx.ReadWord(cfa + uint64(rule.Offset))
			if err != nil {
				if reg == fctx.RetAddrReg {
					return caller, false
				}
				continue
			}
			caller.Set(reg, val)
		case frame.RuleValOffset:
			caller.Set(reg, cfa+uint64(rule.Offset))
		case frame.RuleRegister:
			if val, ok := it.regs.Get(rule.Reg); ok {
				caller.Set(reg, val)
			}
		case frame.RuleExpression:
			addr, err := frame.EvalExpression(rule.Expression, ectx)
			if err != nil {
				continue
			}
			if val, err := ectx.ReadWord(addr); err == nil {
				caller.Set(reg, val)
			}
		case frame.RuleValExpression:
			if val, err := frame.EvalExpression(rule.Expression, ectx); err == nil {
				caller.Set(reg, val)
			}
		case frame.RuleUndefined:
			if reg == fctx.RetAddrReg {
				// the outermost frame marks its return address
				// undefined
				return caller, false
			}
		case frame.RuleSameVal:
			// keep the callee's value
		}
	}

	ret, ok := caller.Get(fctx.RetAddrReg)
	if !ok {
		return caller, false
	}
	caller.Set(process.RegRip, ret)
	caller.Set(process.RegRsp, cfa)
	return caller, true
}

// annotate resolves fr.PC to (object, symbol, offset, file, line),
// first through the image's symbol tables, then through its DWARF
// subprogram walk when the tables are stripped.
func (it *Iter) annotate(fr *Frame, lo *process.LoadedObject) {
	if lo == nil {
		return
	}
	fr.Object = lo.Path
	pcObj := fr.PC - lo.Reloc

	if sym, ok := lo.Object.FindSymbolByAddress(pcObj, stdelf.STT_FUNC); ok {
		fr.Symbol = sym.Name
		fr.Offset = pcObj - sym.Value
	} else if tbl := it.proc.Symtab(lo); tbl != nil {
		if fn, ok := tbl.FunctionForPC(pcObj); ok {
			fr.Symbol = fn.Name()
			fr.Offset = pcObj - fn.Entry()
		}
	}

	if tbl := it.proc.Symtab(lo); tbl != nil {
		if file, line, ok := tbl.FileLineForPC(pcObj); ok {
			fr.File = file
			fr.Line = line
		}
	}
}

// All drains the iterator, a convenience for callers that want the
// whole stack at once.
func (it *Iter) All() []*Frame {
	var frames []*Frame
	for {
		fr, ok := it.Next()
		if !ok {
			return frames
		}
		frames = append(frames, fr)
	}
}
