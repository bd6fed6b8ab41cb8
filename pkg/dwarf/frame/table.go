package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/elfwalk/elfwalk/pkg/dwarf/util"
)

// RuleKind classifies how a register of the caller's frame is
// recovered from the callee's frame.
type RuleKind uint8

const (
	RuleUndefined RuleKind = iota
	RuleSameVal
	RuleOffset    // stored at CFA+Offset
	RuleValOffset // value is CFA+Offset
	RuleRegister  // value lives in another register
	RuleExpression
	RuleValExpression
	RuleCFA // CFA = register + offset
)

// DWRule is one register recovery rule of a CFI row.
type DWRule struct {
	Kind       RuleKind
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext is the CFI row selected for one PC: the CFA rule plus a
// recovery rule per register.
type FrameContext struct {
	loc           uint64
	order         binary.ByteOrder
	address       uint64
	CFA           DWRule
	Regs          map[uint64]DWRule
	initialRegs   map[uint64]DWRule
	prevRegs      []savedRegs
	buf           *bytes.Buffer
	cie           *CommonInformationEntry
	RetAddrReg    uint64
	codeAlignment uint64
	dataAlignment int64
}

type savedRegs struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// Loc returns the address of the row that matched the queried PC.
func (fctx *FrameContext) Loc() uint64 { return fctx.loc }

// CFA computation, register restore and advance opcodes of the DWARF
// call frame instruction set, see DWARFv4 6.4.2.
const (
	dwCfaNop              = 0x00
	dwCfaSetLoc           = 0x01
	dwCfaAdvanceLoc1      = 0x02
	dwCfaAdvanceLoc2      = 0x03
	dwCfaAdvanceLoc4      = 0x04
	dwCfaOffsetExtended   = 0x05
	dwCfaRestoreExtended  = 0x06
	dwCfaUndefined        = 0x07
	dwCfaSameValue        = 0x08
	dwCfaRegister         = 0x09
	dwCfaRememberState    = 0x0a
	dwCfaRestoreState     = 0x0b
	dwCfaDefCfa           = 0x0c
	dwCfaDefCfaRegister   = 0x0d
	dwCfaDefCfaOffset     = 0x0e
	dwCfaDefCfaExpression = 0x0f
	dwCfaExpression       = 0x10
	dwCfaOffsetExtendedSf = 0x11
	dwCfaDefCfaSf         = 0x12
	dwCfaDefCfaOffsetSf   = 0x13
	dwCfaValOffset        = 0x14
	dwCfaValOffsetSf      = 0x15
	dwCfaValExpression    = 0x16

	dwCfaAdvanceLoc = 0x40 // high 2 bits: 0x1
	dwCfaOffset     = 0x80 // high 2 bits: 0x2
	dwCfaRestore    = 0xc0 // high 2 bits: 0x3
)

// executeDwarfProgramUntilPC seeds a FrameContext from the CIE's
// initial instructions, then advances the row state machine through the
// FDE's instructions until the row whose address is the greatest not
// exceeding pc.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) *FrameContext {
	fctx := &FrameContext{
		order:         fde.order,
		loc:           fde.Begin(),
		address:       fde.Begin(),
		Regs:          make(map[uint64]DWRule),
		initialRegs:   make(map[uint64]DWRule),
		cie:           fde.CIE,
		RetAddrReg:    fde.CIE.ReturnAddressRegister,
		codeAlignment: fde.CIE.CodeAlignmentFactor,
		dataAlignment: fde.CIE.DataAlignmentFactor,
	}

	fctx.buf = bytes.NewBuffer(fde.CIE.InitialInstructions)
	fctx.execute(^uint64(0))

	for reg, rule := range fctx.Regs {
		fctx.initialRegs[reg] = rule
	}

	fctx.buf = bytes.NewBuffer(fde.Instructions)
	fctx.execute(pc)

	return fctx
}

// execute runs CFI instructions until the buffer is exhausted or the
// row address advances past pc. The row in effect for pc is the last
// one whose address does not exceed it, so execution stops as soon as
// an advance moves beyond pc.
func (fctx *FrameContext) execute(pc uint64) {
	for fctx.buf.Len() > 0 {
		if fctx.address > pc {
			return
		}
		fctx.loc = fctx.address
		fctx.step()
	}
	if fctx.address <= pc {
		fctx.loc = fctx.address
	}
}

// step decodes and applies a single call frame instruction.
func (fctx *FrameContext) step() {
	b, err := fctx.buf.ReadByte()
	if err != nil {
		return
	}

	// primary opcodes carry their operand in the low 6 bits
	switch b & 0xc0 {
	case dwCfaAdvanceLoc:
		fctx.address += uint64(b&0x3f) * fctx.codeAlignment
		return
	case dwCfaOffset:
		offset, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[uint64(b&0x3f)] = DWRule{Kind: RuleOffset, Offset: int64(offset) * fctx.dataAlignment}
		return
	case dwCfaRestore:
		fctx.restore(uint64(b & 0x3f))
		return
	}

	switch b {
	case dwCfaNop:
	case dwCfaSetLoc:
		loc, _ := util.ReadUintRaw(fctx.buf, fctx.order, 8)
		fctx.address = loc + fctx.cie.staticBase
	case dwCfaAdvanceLoc1:
		delta, _ := fctx.buf.ReadByte()
		fctx.address += uint64(delta) * fctx.codeAlignment
	case dwCfaAdvanceLoc2:
		delta, _ := util.ReadUintRaw(fctx.buf, fctx.order, 2)
		fctx.address += delta * fctx.codeAlignment
	case dwCfaAdvanceLoc4:
		delta, _ := util.ReadUintRaw(fctx.buf, fctx.order, 4)
		fctx.address += delta * fctx.codeAlignment
	case dwCfaOffsetExtended:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleOffset, Offset: int64(offset) * fctx.dataAlignment}
	case dwCfaOffsetExtendedSf:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeSLEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleOffset, Offset: offset * fctx.dataAlignment}
	case dwCfaRestoreExtended:
		reg, _ := util.DecodeULEB128(fctx.buf)
		fctx.restore(reg)
	case dwCfaUndefined:
		reg, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleUndefined}
	case dwCfaSameValue:
		reg, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleSameVal}
	case dwCfaRegister:
		reg, _ := util.DecodeULEB128(fctx.buf)
		src, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleRegister, Reg: src}
	case dwCfaRememberState:
		saved := savedRegs{cfa: fctx.CFA, regs: make(map[uint64]DWRule, len(fctx.Regs))}
		for reg, rule := range fctx.Regs {
			saved.regs[reg] = rule
		}
		fctx.prevRegs = append(fctx.prevRegs, saved)
	case dwCfaRestoreState:
		if n := len(fctx.prevRegs); n > 0 {
			saved := fctx.prevRegs[n-1]
			fctx.prevRegs = fctx.prevRegs[:n-1]
			fctx.CFA = saved.cfa
			fctx.Regs = saved.regs
		}
	case dwCfaDefCfa:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeULEB128(fctx.buf)
		fctx.CFA = DWRule{Kind: RuleCFA, Reg: reg, Offset: int64(offset)}
	case dwCfaDefCfaSf:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeSLEB128(fctx.buf)
		fctx.CFA = DWRule{Kind: RuleCFA, Reg: reg, Offset: offset * fctx.dataAlignment}
	case dwCfaDefCfaRegister:
		reg, _ := util.DecodeULEB128(fctx.buf)
		fctx.CFA.Kind = RuleCFA
		fctx.CFA.Reg = reg
	case dwCfaDefCfaOffset:
		offset, _ := util.DecodeULEB128(fctx.buf)
		fctx.CFA.Offset = int64(offset)
	case dwCfaDefCfaOffsetSf:
		offset, _ := util.DecodeSLEB128(fctx.buf)
		fctx.CFA.Offset = offset * fctx.dataAlignment
	case dwCfaDefCfaExpression:
		ln, _ := util.DecodeULEB128(fctx.buf)
		fctx.CFA = DWRule{Kind: RuleExpression, Expression: fctx.buf.Next(int(ln))}
	case dwCfaExpression:
		reg, _ := util.DecodeULEB128(fctx.buf)
		ln, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleExpression, Expression: fctx.buf.Next(int(ln))}
	case dwCfaValExpression:
		reg, _ := util.DecodeULEB128(fctx.buf)
		ln, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleValExpression, Expression: fctx.buf.Next(int(ln))}
	case dwCfaValOffset:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeULEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleValOffset, Offset: int64(offset) * fctx.dataAlignment}
	case dwCfaValOffsetSf:
		reg, _ := util.DecodeULEB128(fctx.buf)
		offset, _ := util.DecodeSLEB128(fctx.buf)
		fctx.Regs[reg] = DWRule{Kind: RuleValOffset, Offset: offset * fctx.dataAlignment}
	default:
		// unknown or vendor opcode: the rest of the stream cannot be
		// decoded reliably
		fctx.buf.Truncate(0)
	}
}

// restore resets reg to the rule established by the CIE's initial
// instructions.
func (fctx *FrameContext) restore(reg uint64) {
	if rule, ok := fctx.initialRegs[reg]; ok {
		fctx.Regs[reg] = rule
		return
	}
	delete(fctx.Regs, reg)
}
