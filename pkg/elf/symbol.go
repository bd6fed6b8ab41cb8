package elf

import (
	stdelf "debug/elf"
)

// AnyType is the wildcard symbol-kind sentinel: FindSymbolByAddress
// matches any STT_* kind when asked for AnyType.
const AnyType = stdelf.SymType(0xff)

// sysvHash is the classic SysV ELF hash-bucket accelerator, built from a
// SHT_HASH section's raw bytes. It only covers the dynamic symbol table;
// .symtab locals still require a linear scan.
type sysvHash struct {
	bucket []uint32
	chain  []uint32
}

// elfHash is the classic SysV ELF hash function (4-bit rotate with
// XOR-fold of the top nibble).
func elfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// hash lazily parses the .hash section, if one exists. It returns nil
// when absent, matching the invariant "the hash accelerator is present
// iff a SHT_HASH section exists".
func (o *Object) hashTable() *sysvHash {
	o.hashOnce.Do(func() {
		sec := o.localSection(".hash", stdelf.SHT_HASH)
		if sec == nil {
			return
		}
		data, err := sec.Data()
		if err != nil || len(data) < 8 {
			return
		}
		order := o.File.ByteOrder
		nbucket := order.Uint32(data[0:4])
		nchain := order.Uint32(data[4:8])

		need := 8 + 4*int(nbucket) + 4*int(nchain)
		if need > len(data) {
			return
		}
		h := &sysvHash{
			bucket: make([]uint32, nbucket),
			chain:  make([]uint32, nchain),
		}
		off := 8
		for i := range h.bucket {
			h.bucket[i] = order.Uint32(data[off : off+4])
			off += 4
		}
		for i := range h.chain {
			h.chain[i] = order.Uint32(data[off : off+4])
			off += 4
		}
		o.hash = h
	})
	return o.hash
}

// FindSymbolByName looks up name in .dynsym via the hash accelerator
// when present, then linear-scans .symtab; without the accelerator it
// linear-scans .dynsym then .symtab.
func (o *Object) FindSymbolByName(name string) (stdelf.Symbol, bool) {
	if h := o.hashTable(); h != nil && len(h.bucket) > 0 {
		dynsyms, err := o.File.DynamicSymbols()
		if err == nil {
			hv := elfHash(name)
			idx := h.bucket[hv%uint32(len(h.bucket))]
			for idx != 0 {
				if int(idx) < len(h.chain)+1 && int(idx)-1 < len(dynsyms) {
					sym := dynsyms[idx-1]
					if sym.Name == name {
						return sym, true
					}
				}
				if int(idx) >= len(h.chain) {
					break
				}
				idx = h.chain[idx]
			}
			return linearFind(o, stdelf.SHT_SYMTAB, name)
		}
	}

	if sym, ok := linearFind(o, stdelf.SHT_DYNSYM, name); ok {
		return sym, true
	}
	return linearFind(o, stdelf.SHT_SYMTAB, name)
}

func linearFind(o *Object, typ stdelf.SectionType, name string) (stdelf.Symbol, bool) {
	syms := symbolsOfType(o, typ)
	for _, s := range syms {
		if s.Name == name {
			return s, true
		}
	}
	return stdelf.Symbol{}, false
}

func symbolsOfType(o *Object, typ stdelf.SectionType) []stdelf.Symbol {
	var syms []stdelf.Symbol
	var err error
	if typ == stdelf.SHT_DYNSYM {
		syms, err = o.File.DynamicSymbols()
	} else {
		syms, err = o.File.Symbols()
	}
	if err != nil {
		return nil
	}
	return syms
}

// FindSymbolByAddress resolves addr to the symbol covering it:
// .symtab is consulted before .dynsym, an exact
// containment match (nonzero st_size covering addr) returns
// immediately, and the highest-valued zero-size symbol at or below
// addr is kept as a "stub" fallback when no exact match exists. kind
// restricts the match to a single STT_* unless AnyType is passed.
func (o *Object) FindSymbolByAddress(addr uint64, kind stdelf.SymType) (stdelf.Symbol, bool) {
	var stub stdelf.Symbol
	haveStub := false
	for _, typ := range []stdelf.SectionType{stdelf.SHT_SYMTAB, stdelf.SHT_DYNSYM} {
		sym, ok := findInTable(o, typ, addr, kind)
		if !ok {
			continue
		}
		if sym.Size > 0 {
			return sym, true
		}
		if !haveStub || sym.Value > stub.Value {
			stub = sym
			haveStub = true
		}
	}
	if haveStub {
		return stub, true
	}
	return stdelf.Symbol{}, false
}

func findInTable(o *Object, typ stdelf.SectionType, addr uint64, kind stdelf.SymType) (stdelf.Symbol, bool) {
	syms := symbolsOfType(o, typ)

	var stub stdelf.Symbol
	haveStub := false

	for _, s := range syms {
		if !o.symbolSectionAllocated(s.Section) {
			continue
		}
		if kind != AnyType && stdelf.ST_TYPE(s.Info) != kind {
			continue
		}
		if s.Value > addr {
			continue
		}
		if s.Size > 0 {
			if addr < s.Value+s.Size {
				return s, true
			}
			continue
		}
		if !haveStub || s.Value > stub.Value {
			stub = s
			haveStub = true
		}
	}
	if haveStub {
		return stub, true
	}
	return stdelf.Symbol{}, false
}

// symbolSectionAllocated reports whether idx names a section with
// SHF_ALLOC set, per the "candidate must be in an allocated section"
// rule. SHN_ABS and other reserved indices are treated as allocated
// since they carry no section to check.
func (o *Object) symbolSectionAllocated(idx stdelf.SectionIndex) bool {
	if idx == stdelf.SHN_UNDEF {
		return false
	}
	if int(idx) >= len(o.File.Sections) {
		return true
	}
	return o.File.Sections[idx].Flags&stdelf.SHF_ALLOC != 0
}

// SymbolView iterates a symbol-table section's (entry, name) pairs in
// table order, pure with respect to the owning Object.
type SymbolView struct {
	syms []stdelf.Symbol
	pos  int
}

// NewSymbolView returns a SymbolView over typ's symbols (SHT_SYMTAB or
// SHT_DYNSYM).
func NewSymbolView(o *Object, typ stdelf.SectionType) *SymbolView {
	return &SymbolView{syms: symbolsOfType(o, typ)}
}

// Next returns the next (entry, name) pair, or false at end of table.
func (v *SymbolView) Next() (stdelf.Symbol, bool) {
	if v.pos >= len(v.syms) {
		return stdelf.Symbol{}, false
	}
	s := v.syms[v.pos]
	v.pos++
	return s, true
}

// Len returns the number of symbols in this view.
func (v *SymbolView) Len() int { return len(v.syms) }
