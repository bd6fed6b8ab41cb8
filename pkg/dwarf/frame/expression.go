package frame

import (
	"bytes"
	"errors"

	"github.com/elfwalk/elfwalk/pkg/dwarf/util"
)

// DW_OP opcodes of the small expression subset CFI programs use in
// practice: literals, register-relative bases, arithmetic, and memory
// dereference. Anything outside this subset aborts the evaluation. The
// fixed-width DW_OP_const2/4/8 forms are declared below but not
// evaluated; they abort like any other unsupported opcode.
const (
	dwOpAddr        = 0x03
	dwOpDeref       = 0x06
	dwOpConst1u     = 0x08
	dwOpConst1s     = 0x09
	dwOpConst2u     = 0x0a
	dwOpConst2s     = 0x0b
	dwOpConst4u     = 0x0c
	dwOpConst4s     = 0x0d
	dwOpConst8u     = 0x0e
	dwOpConst8s     = 0x0f
	dwOpConstu      = 0x10
	dwOpConsts      = 0x11
	dwOpDup         = 0x12
	dwOpDrop        = 0x13
	dwOpPlus        = 0x22
	dwOpMinus       = 0x1c
	dwOpMul         = 0x1e
	dwOpAnd         = 0x1a
	dwOpPlusUconst = 0x23
	dwOpLit0       = 0x30
	dwOpLit31      = 0x4f
	dwOpBreg0      = 0x70
	dwOpBreg31     = 0x8f
)

var errBadExpression = errors.New("unsupported opcode in CFI expression")

// ExprContext supplies the machine state an expression may consult.
type ExprContext interface {
	// Register returns the current value of DWARF register reg.
	Register(reg uint64) (uint64, bool)
	// ReadWord reads a pointer-sized word at virtual address addr.
	ReadWord(addr uint64) (uint64, error)
}

// EvalExpression runs expr on a fresh stack with the given machine
// context and returns the value left on top.
func EvalExpression(expr []byte, ctx ExprContext) (uint64, error) {
	buf := bytes.NewBuffer(expr)
	var stack []int64

	push := func(v int64) { stack = append(stack, v) }
	pop := func() (int64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for buf.Len() > 0 {
		op, _ := buf.ReadByte()
		switch {
		case op >= dwOpLit0 && op <= dwOpLit31:
			push(int64(op - dwOpLit0))
		case op >= dwOpBreg0 && op <= dwOpBreg31:
			offset, _ := util.DecodeSLEB128(buf)
			regval, ok := ctx.Register(uint64(op - dwOpBreg0))
			if !ok {
				return 0, errBadExpression
			}
			push(int64(regval) + offset)
		case op == dwOpAddr:
			var raw [8]byte
			buf.Read(raw[:])
			var v uint64
			for i := 7; i >= 0; i-- {
				v = v<<8 | uint64(raw[i])
			}
			push(int64(v))
		case op == dwOpConstu:
			v, _ := util.DecodeULEB128(buf)
			push(int64(v))
		case op == dwOpConsts:
			v, _ := util.DecodeSLEB128(buf)
			push(v)
		case op == dwOpConst1u:
			b, _ := buf.ReadByte()
			push(int64(b))
		case op == dwOpConst1s:
			b, _ := buf.ReadByte()
			push(int64(int8(b)))
		case op == dwOpPlusUconst:
			v, _ := util.DecodeULEB128(buf)
			top, ok := pop()
			if !ok {
				return 0, errBadExpression
			}
			push(top + int64(v))
		case op == dwOpPlus:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, errBadExpression
			}
			push(a + b)
		case op == dwOpMinus:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, errBadExpression
			}
			push(a - b)
		case op == dwOpMul:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, errBadExpression
			}
			push(a * b)
		case op == dwOpAnd:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, errBadExpression
			}
			push(a & b)
		case op == dwOpDup:
			top, ok := pop()
			if !ok {
				return 0, errBadExpression
			}
			push(top)
			push(top)
		case op == dwOpDrop:
			if _, ok := pop(); !ok {
				return 0, errBadExpression
			}
		case op == dwOpDeref:
			addr, ok := pop()
			if !ok {
				return 0, errBadExpression
			}
			word, err := ctx.ReadWord(uint64(addr))
			if err != nil {
				return 0, err
			}
			push(int64(word))
		default:
			return 0, errBadExpression
		}
	}

	top, ok := pop()
	if !ok {
		return 0, errBadExpression
	}
	return uint64(top), nil
}
