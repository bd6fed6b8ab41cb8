// Package symtab resolves PCs to function names and source lines from
// the DWARF .debug_info/.debug_abbrev/.debug_line sections, for images
// whose ELF symbol tables are stripped or incomplete.
package symtab

import (
	"debug/dwarf"
	"sort"

	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/errs"
)

// Table is the parsed per-image DWARF index: compilation units, the
// subprograms and inlined subroutines found inside them, and a
// lazily-filled line-table cache keyed by CU.
type Table struct {
	Functions    []*Function
	CompileUnits []*CompileUnit

	dwarfData *dwarf.Data
	lineCache map[dwarf.Offset][]lineRow

	// only used for parsing purpose
	curCompileUnit *CompileUnit
}

type lineRow struct {
	addr uint64
	file string
	line int
}

// New walks obj's DWARF (preferring the debug companion's, which
// carries the full info when the main image is stripped) and builds the
// function and CU indexes.
func New(obj *elf.Object) (*Table, error) {
	src := obj
	if comp := obj.Companion(); comp != nil {
		src = comp
	}

	dwarfData, err := src.File.DWARF()
	if err != nil {
		return nil, &errs.BadDwarf{Reason: err.Error()}
	}

	t := &Table{
		dwarfData: dwarfData,
		lineCache: make(map[dwarf.Offset][]lineRow),
	}
	if err := t.parseInfo(); err != nil {
		return nil, err
	}

	sort.Slice(t.Functions, func(i, j int) bool {
		return t.Functions[i].lowpc < t.Functions[j].lowpc
	})
	return t, nil
}

// parseInfo walks .debug_info guided by .debug_abbrev, collecting
// compile units, subprograms, and inlined subroutines.
func (t *Table) parseInfo() error {
	rd := t.dwarfData.Reader()
	for {
		entry, err := rd.Next()
		if err != nil {
			return &errs.BadDwarf{Reason: err.Error()}
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cu := &CompileUnit{entry: entry, table: t}
			t.curCompileUnit = cu
			t.CompileUnits = append(t.CompileUnits, cu)

		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			fn := &Function{cu: t.curCompileUnit}
			if err := fn.parseFrom(entry, t); err != nil {
				continue
			}
			if fn.lowpc == 0 && len(fn.ranges) == 0 {
				// declaration-only entry
				continue
			}
			t.Functions = append(t.Functions, fn)
			if t.curCompileUnit != nil {
				t.curCompileUnit.functions = append(t.curCompileUnit.functions, fn)
			}
		}
	}
	return nil
}

// FunctionForPC returns the function whose range covers pc.
func (t *Table) FunctionForPC(pc uint64) (*Function, bool) {
	// candidates begin at or below pc; scan backward from the first
	// function past it, since ranges-based entries may nest
	idx := sort.Search(len(t.Functions), func(i int) bool {
		return t.Functions[i].lowpc > pc
	})
	for i := idx - 1; i >= 0; i-- {
		if t.Functions[i].Covers(pc) {
			return t.Functions[i], true
		}
	}
	// ranges-only entries may sort before their covered addresses
	for i := idx; i < len(t.Functions); i++ {
		if t.Functions[i].Covers(pc) {
			return t.Functions[i], true
		}
	}
	return nil, false
}

// FileLineForPC runs the line program of pc's CU and returns the row
// with the greatest address not exceeding pc.
func (t *Table) FileLineForPC(pc uint64) (string, int, bool) {
	cu := t.compileUnitForPC(pc)
	if cu == nil {
		return "", 0, false
	}
	rows, err := t.lineRows(cu)
	if err != nil || len(rows) == 0 {
		return "", 0, false
	}

	row, ok := searchRows(rows, pc)
	if !ok {
		return "", 0, false
	}
	return row.file, row.line, true
}

// searchRows returns the row with the greatest address not exceeding
// pc. rows must be sorted by address.
func searchRows(rows []lineRow, pc uint64) (lineRow, bool) {
	idx := sort.Search(len(rows), func(i int) bool {
		return rows[i].addr > pc
	})
	if idx == 0 {
		return lineRow{}, false
	}
	return rows[idx-1], true
}

func (t *Table) compileUnitForPC(pc uint64) *CompileUnit {
	for _, cu := range t.CompileUnits {
		ok, err := cu.covers(pc)
		if err == nil && ok {
			return cu
		}
	}
	return nil
}

// lineRows runs the CU's line program once and memoizes the rows
// sorted by address.
func (t *Table) lineRows(cu *CompileUnit) ([]lineRow, error) {
	if rows, ok := t.lineCache[cu.entry.Offset]; ok {
		return rows, nil
	}

	rd, err := t.dwarfData.LineReader(cu.entry)
	if err != nil || rd == nil {
		t.lineCache[cu.entry.Offset] = nil
		return nil, err
	}

	var (
		rows  []lineRow
		entry dwarf.LineEntry
	)
	for {
		err := rd.Next(&entry)
		if err != nil {
			break
		}
		if entry.EndSequence || entry.File == nil {
			continue
		}
		rows = append(rows, lineRow{addr: entry.Address, file: entry.File.Name, line: entry.Line})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].addr < rows[j].addr })
	t.lineCache[cu.entry.Offset] = rows
	return rows, nil
}
