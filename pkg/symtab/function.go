package symtab

import (
	"debug/dwarf"
)

// Function is a subprogram or inlined subroutine entry
//
// see DWARFv4 3.3 subroutine and entry point entries
type Function struct {
	name     string
	lowpc    uint64
	highpc   uint64
	ranges   [][2]uint64
	inlined  bool
	declFile int64
	external bool

	entry *dwarf.Entry
	cu    *CompileUnit
}

func (f *Function) Name() string { return f.name }

// Inlined reports whether this entry was an inlined subroutine rather
// than a standalone subprogram.
func (f *Function) Inlined() bool { return f.inlined }

// Entry returns the function's low PC.
func (f *Function) Entry() uint64 { return f.lowpc }

// Covers reports whether pc lies inside the function's range
// (low/high pair or range list).
func (f *Function) Covers(pc uint64) bool {
	if len(f.ranges) > 0 {
		for _, r := range f.ranges {
			if r[0] <= pc && pc < r[1] {
				return true
			}
		}
		return false
	}
	return f.lowpc <= pc && pc < f.highpc
}

func (f *Function) parseFrom(entry *dwarf.Entry, t *Table) error {
	f.entry = entry
	f.inlined = entry.Tag == dwarf.TagInlinedSubroutine

	for _, field := range entry.Field {
		switch field.Attr {
		case dwarf.AttrName:
			if val, ok := field.Val.(string); ok {
				f.name = val
			}
		case dwarf.AttrLowpc:
			if val, ok := field.Val.(uint64); ok {
				f.lowpc = val
			}
		case dwarf.AttrHighpc:
			// class address holds the end PC, class constant holds
			// the byte length
			switch val := field.Val.(type) {
			case uint64:
				f.highpc = val
			case int64:
				f.highpc = f.lowpc + uint64(val)
			}
		case dwarf.AttrRanges:
			if ranges, err := t.dwarfData.Ranges(entry); err == nil {
				f.ranges = ranges
				if len(ranges) > 0 && f.lowpc == 0 {
					f.lowpc = ranges[0][0]
				}
			}
		case dwarf.AttrDeclFile:
			if val, ok := field.Val.(int64); ok {
				f.declFile = val
			}
		case dwarf.AttrExternal:
			if val, ok := field.Val.(bool); ok {
				f.external = val
			}
		case dwarf.AttrAbstractOrigin:
			// inlined instances name their function via the abstract
			// origin entry
			if f.name == "" {
				if off, ok := field.Val.(dwarf.Offset); ok {
					f.name = t.nameAt(off)
				}
			}
		}
	}

	// AttrHighpc of class constant may precede AttrLowpc in the
	// attribute list; recompute from the raw fields if it came out as
	// an offset from zero
	if f.highpc != 0 && f.highpc < f.lowpc {
		f.highpc += f.lowpc
	}
	return nil
}

// nameAt resolves the AttrName of the entry at off, used for abstract
// origins of inlined subroutines.
func (t *Table) nameAt(off dwarf.Offset) string {
	rd := t.dwarfData.Reader()
	rd.Seek(off)
	entry, err := rd.Next()
	if err != nil || entry == nil {
		return ""
	}
	name, _ := entry.Val(dwarf.AttrName).(string)
	return name
}
