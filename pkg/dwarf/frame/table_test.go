package frame

import (
	"encoding/binary"
	"testing"
)

func TestEstablishFrame(t *testing.T) {
	// CIE: CFA = rsp+8, rip saved at CFA-8.
	// FDE: after 4 bytes of prologue the CFA offset grows to 0x90 and
	// rbp is saved at CFA-16.
	data := buildDebugFrame(t, 0x401000, 0x80,
		[]byte{dwCfaDefCfa, 7, 8, dwCfaOffset | 16, 1},
		[]byte{
			dwCfaAdvanceLoc | 4,
			dwCfaDefCfaOffset, 0x90, 0x01, // ULEB128 0x90
			dwCfaOffset | 6, 2,
		})

	fdes := Parse(data, binary.LittleEndian, 0, ptrSizeByRuntimeArch())
	fde, err := fdes.FDEForPC(0x401010)
	if err != nil {
		t.Fatal(err)
	}

	// before the advance: the CIE rules alone
	fctx := fde.EstablishFrame(0x401000)
	if fctx.CFA.Kind != RuleCFA || fctx.CFA.Reg != 7 || fctx.CFA.Offset != 8 {
		t.Fatalf("initial CFA rule = %+v, want rsp+8", fctx.CFA)
	}
	if rule := fctx.Regs[16]; rule.Kind != RuleOffset || rule.Offset != -8 {
		t.Fatalf("initial rip rule = %+v, want offset -8", rule)
	}
	if fctx.RetAddrReg != 16 {
		t.Fatalf("return address register = %d, want 16", fctx.RetAddrReg)
	}

	// after the advance: the FDE's row
	fctx = fde.EstablishFrame(0x401010)
	if fctx.CFA.Offset != 0x90 {
		t.Errorf("CFA offset = %#x, want 0x90", fctx.CFA.Offset)
	}
	if rule := fctx.Regs[6]; rule.Kind != RuleOffset || rule.Offset != -16 {
		t.Errorf("rbp rule = %+v, want offset -16", rule)
	}
	if fctx.Loc() != 0x401004 {
		t.Errorf("row location = %#x, want 0x401004", fctx.Loc())
	}
}

func TestRememberRestoreState(t *testing.T) {
	data := buildDebugFrame(t, 0x1000, 0x100,
		[]byte{dwCfaDefCfa, 7, 8},
		[]byte{
			dwCfaRememberState,
			dwCfaAdvanceLoc | 4,
			dwCfaDefCfaOffset, 0x40,
			dwCfaAdvanceLoc | 4,
			dwCfaRestoreState,
		})

	fdes := Parse(data, binary.LittleEndian, 0, ptrSizeByRuntimeArch())
	fde := fdes[0]

	if fctx := fde.EstablishFrame(0x1004); fctx.CFA.Offset != 0x40 {
		t.Errorf("mid-range CFA offset = %#x, want 0x40", fctx.CFA.Offset)
	}
	if fctx := fde.EstablishFrame(0x1008); fctx.CFA.Offset != 8 {
		t.Errorf("restored CFA offset = %#x, want 8", fctx.CFA.Offset)
	}
}

type fakeExprCtx struct {
	regs map[uint64]uint64
	mem  map[uint64]uint64
}

func (f *fakeExprCtx) Register(reg uint64) (uint64, bool) {
	v, ok := f.regs[reg]
	return v, ok
}

func (f *fakeExprCtx) ReadWord(addr uint64) (uint64, error) {
	return f.mem[addr], nil
}

func TestEvalExpression(t *testing.T) {
	ctx := &fakeExprCtx{
		regs: map[uint64]uint64{7: 0x7fff0000},
		mem:  map[uint64]uint64{0x7fff0010: 0xdeadbeef},
	}

	// breg7+16, deref
	v, err := EvalExpression([]byte{dwOpBreg0 + 7, 16, dwOpDeref}, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("expression value = %#x, want 0xdeadbeef", v)
	}

	// lit8 lit4 plus
	v, err = EvalExpression([]byte{dwOpLit0 + 8, dwOpLit0 + 4, dwOpPlus}, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 12 {
		t.Errorf("expression value = %d, want 12", v)
	}

	// unsupported opcode
	if _, err = EvalExpression([]byte{0xff}, ctx); err == nil {
		t.Error("expected an error for an unsupported opcode")
	}
}
