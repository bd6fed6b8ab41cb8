// Package elftest assembles small ELF64 images in memory for tests:
// executables with symbol tables, cores with PT_LOAD segments and
// PT_NOTE thread notes. The images are complete enough for debug/elf
// and the elfwalk readers, not for an OS loader.
package elftest

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
)

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
	symsize   = 24
)

// Sym describes one symbol-table entry to synthesize.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Type  stdelf.SymType
	// Shndx is the section index the symbol belongs to; the builder
	// assigns allocated data sections indexes in AddSection order
	// starting at 1.
	Shndx uint16
}

type section struct {
	name    string
	typ     stdelf.SectionType
	flags   stdelf.SectionFlag
	addr    uint64
	data    []byte
	link    uint32
	entsize uint64
}

type load struct {
	vaddr uint64
	data  []byte
	memsz uint64
	flags stdelf.ProgFlag
}

type note struct {
	name  string
	ntype uint32
	desc  []byte
}

// Builder accumulates sections, segments, and notes, then emits the
// image with Bytes.
type Builder struct {
	etype    stdelf.Type
	loads    []load
	notes    []note
	sections []section
	interp   string
}

// NewBuilder starts an image of the given type (ET_EXEC, ET_DYN,
// ET_CORE).
func NewBuilder(etype stdelf.Type) *Builder {
	return &Builder{etype: etype}
}

// AddLoad appends a PT_LOAD segment. memsz 0 means len(data).
func (b *Builder) AddLoad(vaddr uint64, data []byte, memsz uint64) {
	if memsz == 0 {
		memsz = uint64(len(data))
	}
	b.loads = append(b.loads, load{vaddr: vaddr, data: data, memsz: memsz, flags: stdelf.PF_R | stdelf.PF_W})
}

// AddNote appends one note to the image's single PT_NOTE segment.
func (b *Builder) AddNote(ntype uint32, name string, desc []byte) {
	b.notes = append(b.notes, note{name: name, ntype: ntype, desc: desc})
}

// AddSection appends a section with explicit contents.
func (b *Builder) AddSection(name string, typ stdelf.SectionType, flags stdelf.SectionFlag, addr uint64, data []byte, link uint32, entsize uint64) {
	b.sections = append(b.sections, section{name: name, typ: typ, flags: flags, addr: addr, data: data, link: link, entsize: entsize})
}

// SetInterp adds a PT_INTERP segment naming the dynamic linker.
func (b *Builder) SetInterp(path string) { b.interp = path }

// AddSymtab appends a symbol table section plus its string table.
// When dyn is true the pair is named .dynsym/.dynstr with type
// SHT_DYNSYM, else .symtab/.strtab.
func (b *Builder) AddSymtab(syms []Sym, dyn bool) {
	var strtab bytes.Buffer
	strtab.WriteByte(0)

	var tab bytes.Buffer
	// index 0: the undefined symbol
	tab.Write(make([]byte, symsize))

	for _, s := range syms {
		nameOff := uint32(strtab.Len())
		strtab.WriteString(s.Name)
		strtab.WriteByte(0)

		shndx := s.Shndx
		if shndx == 0 {
			shndx = 1
		}

		var ent [symsize]byte
		binary.LittleEndian.PutUint32(ent[0:4], nameOff)
		ent[4] = byte(stdelf.ST_INFO(stdelf.STB_GLOBAL, s.Type))
		ent[5] = 0
		binary.LittleEndian.PutUint16(ent[6:8], shndx)
		binary.LittleEndian.PutUint64(ent[8:16], s.Value)
		binary.LittleEndian.PutUint64(ent[16:24], s.Size)
		tab.Write(ent[:])
	}

	symName, strName := ".symtab", ".strtab"
	typ := stdelf.SHT_SYMTAB
	if dyn {
		symName, strName = ".dynsym", ".dynstr"
		typ = stdelf.SHT_DYNSYM
	}

	// the string table will be appended right after the symbol table,
	// so its section index is ours+1; section indexes start at 1
	// (index 0 is SHN_UNDEF) and .shstrtab goes last
	link := uint32(len(b.sections) + 2)
	b.AddSection(symName, typ, 0, 0, tab.Bytes(), link, symsize)
	b.AddSection(strName, stdelf.SHT_STRTAB, 0, 0, strtab.Bytes(), 0, 0)
}

// AddHash appends a SysV .hash section built over the given dynsym
// entries (1-based indexes, matching AddSymtab's layout). hashfn is
// the classic ELF hash of the symbol name.
func (b *Builder) AddHash(syms []Sym, hashfn func(string) uint32, dynsymIndex uint32) {
	nbucket := uint32(4)
	nchain := uint32(len(syms) + 1)

	bucket := make([]uint32, nbucket)
	chain := make([]uint32, nchain)
	for i, s := range syms {
		idx := uint32(i + 1)
		h := hashfn(s.Name) % nbucket
		chain[idx] = bucket[h]
		bucket[h] = idx
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, nbucket)
	binary.Write(&out, binary.LittleEndian, nchain)
	binary.Write(&out, binary.LittleEndian, bucket)
	binary.Write(&out, binary.LittleEndian, chain)
	b.AddSection(".hash", stdelf.SHT_HASH, stdelf.SHF_ALLOC, 0, out.Bytes(), dynsymIndex, 4)
}

// Bytes lays out and emits the image.
func (b *Builder) Bytes() []byte {
	phnum := len(b.loads)
	if len(b.notes) > 0 {
		phnum++
	}
	if b.interp != "" {
		phnum++
	}

	// section count: user sections + SHN_UNDEF + .shstrtab
	shnum := len(b.sections) + 2

	phoff := uint64(ehsize)
	dataOff := phoff + uint64(phnum*phentsize)

	var body bytes.Buffer
	type placed struct{ off, size uint64 }

	place := func(data []byte) placed {
		for (dataOff+uint64(body.Len()))%8 != 0 {
			body.WriteByte(0)
		}
		p := placed{off: dataOff + uint64(body.Len()), size: uint64(len(data))}
		body.Write(data)
		return p
	}

	var interpPos placed
	if b.interp != "" {
		interpPos = place(append([]byte(b.interp), 0))
	}

	loadPos := make([]placed, len(b.loads))
	for i, l := range b.loads {
		loadPos[i] = place(l.data)
	}

	var notePos placed
	if len(b.notes) > 0 {
		var nb bytes.Buffer
		for _, n := range b.notes {
			nameb := append([]byte(n.name), 0)
			binary.Write(&nb, binary.LittleEndian, uint32(len(nameb)))
			binary.Write(&nb, binary.LittleEndian, uint32(len(n.desc)))
			binary.Write(&nb, binary.LittleEndian, n.ntype)
			nb.Write(nameb)
			for nb.Len()%4 != 0 {
				nb.WriteByte(0)
			}
			nb.Write(n.desc)
			for nb.Len()%4 != 0 {
				nb.WriteByte(0)
			}
		}
		notePos = place(nb.Bytes())
	}

	secPos := make([]placed, len(b.sections))
	for i, s := range b.sections {
		secPos[i] = place(s.data)
	}

	// .shstrtab
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOffs := make([]uint32, len(b.sections))
	for i, s := range b.sections {
		nameOffs[i] = uint32(shstr.Len())
		shstr.WriteString(s.name)
		shstr.WriteByte(0)
	}
	shstrNameOff := uint32(shstr.Len())
	shstr.WriteString(".shstrtab")
	shstr.WriteByte(0)
	shstrPos := place(shstr.Bytes())

	shoff := dataOff + uint64(body.Len())
	for shoff%8 != 0 {
		body.WriteByte(0)
		shoff++
	}

	// assemble
	var out bytes.Buffer

	// ELF header
	ident := [16]byte{0x7f, 'E', 'L', 'F',
		byte(stdelf.ELFCLASS64), byte(stdelf.ELFDATA2LSB), byte(stdelf.EV_CURRENT)}
	out.Write(ident[:])
	binary.Write(&out, binary.LittleEndian, uint16(b.etype))
	binary.Write(&out, binary.LittleEndian, uint16(stdelf.EM_X86_64))
	binary.Write(&out, binary.LittleEndian, uint32(stdelf.EV_CURRENT))
	binary.Write(&out, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(&out, binary.LittleEndian, phoff)
	binary.Write(&out, binary.LittleEndian, shoff)
	binary.Write(&out, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&out, binary.LittleEndian, uint16(ehsize))
	binary.Write(&out, binary.LittleEndian, uint16(phentsize))
	binary.Write(&out, binary.LittleEndian, uint16(phnum))
	binary.Write(&out, binary.LittleEndian, uint16(shentsize))
	binary.Write(&out, binary.LittleEndian, uint16(shnum))
	binary.Write(&out, binary.LittleEndian, uint16(shnum-1)) // e_shstrndx: last

	writePhdr := func(typ stdelf.ProgType, flags stdelf.ProgFlag, off, vaddr, filesz, memsz uint64) {
		binary.Write(&out, binary.LittleEndian, uint32(typ))
		binary.Write(&out, binary.LittleEndian, uint32(flags))
		binary.Write(&out, binary.LittleEndian, off)
		binary.Write(&out, binary.LittleEndian, vaddr)
		binary.Write(&out, binary.LittleEndian, vaddr) // p_paddr
		binary.Write(&out, binary.LittleEndian, filesz)
		binary.Write(&out, binary.LittleEndian, memsz)
		binary.Write(&out, binary.LittleEndian, uint64(8)) // p_align
	}

	if b.interp != "" {
		writePhdr(stdelf.PT_INTERP, stdelf.PF_R, interpPos.off, 0, interpPos.size, interpPos.size)
	}
	for i, l := range b.loads {
		writePhdr(stdelf.PT_LOAD, l.flags, loadPos[i].off, l.vaddr, uint64(len(l.data)), l.memsz)
	}
	if len(b.notes) > 0 {
		writePhdr(stdelf.PT_NOTE, stdelf.PF_R, notePos.off, 0, notePos.size, notePos.size)
	}

	out.Write(body.Bytes())

	writeShdr := func(nameOff uint32, typ stdelf.SectionType, flags stdelf.SectionFlag, addr, off, size uint64, link uint32, entsize uint64) {
		binary.Write(&out, binary.LittleEndian, nameOff)
		binary.Write(&out, binary.LittleEndian, uint32(typ))
		binary.Write(&out, binary.LittleEndian, uint64(flags))
		binary.Write(&out, binary.LittleEndian, addr)
		binary.Write(&out, binary.LittleEndian, off)
		binary.Write(&out, binary.LittleEndian, size)
		binary.Write(&out, binary.LittleEndian, link)
		binary.Write(&out, binary.LittleEndian, uint32(0)) // sh_info
		binary.Write(&out, binary.LittleEndian, uint64(8)) // sh_addralign
		binary.Write(&out, binary.LittleEndian, entsize)
	}

	// SHN_UNDEF
	writeShdr(0, stdelf.SHT_NULL, 0, 0, 0, 0, 0, 0)
	for i, s := range b.sections {
		writeShdr(nameOffs[i], s.typ, s.flags, s.addr, secPos[i].off, secPos[i].size, s.link, s.entsize)
	}
	writeShdr(shstrNameOff, stdelf.SHT_STRTAB, 0, 0, shstrPos.off, shstrPos.size, 0, 0)

	return out.Bytes()
}
