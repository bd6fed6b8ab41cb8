package symtab

import (
	"debug/dwarf"
)

// CompileUnit compilation unit
//
// see DWARFv4 3.1.1 normal and partial compilation unit entries
type CompileUnit struct {
	functions []*Function
	entry     *dwarf.Entry
	table     *Table

	ranges [][2]uint64
}

// Name returns the CU's source file name.
func (c *CompileUnit) Name() string {
	name, _ := c.entry.Val(dwarf.AttrName).(string)
	return name
}

// covers reports whether pc lies inside one of the CU's address
// ranges, resolving and caching them on first use.
func (c *CompileUnit) covers(pc uint64) (bool, error) {
	if c.ranges == nil {
		ranges, err := c.table.dwarfData.Ranges(c.entry)
		if err != nil {
			return false, err
		}
		if ranges == nil {
			ranges = [][2]uint64{}
		}
		c.ranges = ranges
	}
	for _, r := range c.ranges {
		if r[0] <= pc && pc < r[1] {
			return true, nil
		}
	}
	return false, nil
}
