package symtab

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestTable(fns ...*Function) *Table {
	t := &Table{Functions: fns}
	sort.Slice(t.Functions, func(i, j int) bool {
		return t.Functions[i].lowpc < t.Functions[j].lowpc
	})
	return t
}

func TestFunctionForPC(t *testing.T) {
	outer := &Function{name: "main", lowpc: 0x1000, highpc: 0x1100}
	leaf := &Function{name: "pause", lowpc: 0x2000, highpc: 0x2040}
	ranged := &Function{name: "split", lowpc: 0x3000, ranges: [][2]uint64{{0x3000, 0x3010}, {0x3800, 0x3820}}}

	tbl := newTestTable(outer, leaf, ranged)

	tests := []struct {
		pc   uint64
		name string
		ok   bool
	}{
		{0x0fff, "", false},
		{0x1000, "main", true},
		{0x10ff, "main", true},
		{0x1100, "", false},
		{0x2000, "pause", true},
		{0x3005, "split", true},
		{0x3010, "", false},
		{0x3810, "split", true},
	}

	for _, tt := range tests {
		fn, ok := tbl.FunctionForPC(tt.pc)
		assert.Equal(t, tt.ok, ok, "pc %#x", tt.pc)
		if ok {
			assert.Equal(t, tt.name, fn.Name(), "pc %#x", tt.pc)
		}
	}
}

func TestInlinedNesting(t *testing.T) {
	// an inlined subroutine nested inside its caller's range: the
	// innermost covering entry sorts later and wins
	caller := &Function{name: "caller", lowpc: 0x1000, highpc: 0x1200}
	inlined := &Function{name: "inlinee", lowpc: 0x1080, highpc: 0x10c0, inlined: true}

	tbl := newTestTable(caller, inlined)

	fn, ok := tbl.FunctionForPC(0x1090)
	assert.True(t, ok)
	assert.Equal(t, "inlinee", fn.Name())
	assert.True(t, fn.Inlined())

	fn, ok = tbl.FunctionForPC(0x1010)
	assert.True(t, ok)
	assert.Equal(t, "caller", fn.Name())
}

func TestSearchRows(t *testing.T) {
	rows := []lineRow{
		{addr: 0x1000, file: "main.c", line: 10},
		{addr: 0x1008, file: "main.c", line: 11},
		{addr: 0x1020, file: "main.c", line: 14},
	}

	row, ok := searchRows(rows, 0x100c)
	assert.True(t, ok)
	assert.Equal(t, 11, row.line)

	row, ok = searchRows(rows, 0x1020)
	assert.True(t, ok)
	assert.Equal(t, 14, row.line)

	_, ok = searchRows(rows, 0xfff)
	assert.False(t, ok)
}
