// Package elf implements the ELF object model: headers, program/section
// tables, symbol tables (including the classic SysV hash-bucket
// accelerator), and linked "debug" companion image discovery via
// .gnu_debuglink. It builds on the standard library's debug/elf for
// structural parsing (header/section/program tables, symbol tables,
// DWARF access) and adds the lookup and companion logic the standard
// library doesn't provide.
package elf

import (
	stdelf "debug/elf"
	"path/filepath"
	"sync"

	"github.com/elfwalk/elfwalk/pkg/errs"
	"github.com/elfwalk/elfwalk/pkg/reader"
)

// DebugPrefix is the default search root for .gnu_debuglink companions,
// matching the conventional /usr/lib/debug layout.
const DebugPrefix = "/usr/lib/debug"

// Object is a parsed ELF image: the underlying reader, the stdlib's
// parsed file, a name->section index map, an optional SysV hash
// accelerator, and a lazily-resolved debug companion.
type Object struct {
	path   string
	r      reader.Reader
	File   *stdelf.File
	byName map[string]int

	DebugPrefix string

	hashOnce sync.Once
	hash     *sysvHash

	companionOnce sync.Once
	companion     *Object
	companionErr  error
}

// Open parses the ELF image backed by r. path is used only for
// diagnostics and companion-file resolution relative to its directory.
func Open(r reader.Reader, path string) (*Object, error) {
	f, err := stdelf.NewFile(reader.AsReaderAt(r))
	if err != nil {
		return nil, &errs.NotElf{Reason: err.Error()}
	}

	o := &Object{
		path:        path,
		r:           r,
		File:        f,
		byName:      make(map[string]int),
		DebugPrefix: DebugPrefix,
	}
	for i, sec := range f.Sections {
		if sec.Name != "" {
			o.byName[sec.Name] = i
		}
	}
	return o, nil
}

// OpenFile opens and parses the ELF file at path.
func OpenFile(path string) (*Object, error) {
	r, err := reader.NewFileReader(path)
	if err != nil {
		return nil, err
	}
	return Open(r, path)
}

// Path returns the path this object was opened from.
func (o *Object) Path() string { return o.path }

// Base returns the minimum p_vaddr over PT_LOAD segments.
func (o *Object) Base() uint64 {
	base := ^uint64(0)
	found := false
	for _, p := range o.File.Progs {
		if p.Type != stdelf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < base {
			base = p.Vaddr
			found = true
		}
	}
	if !found {
		return 0
	}
	return base
}

// Interpreter returns the PT_INTERP segment's string, or "" if absent.
func (o *Object) Interpreter() string {
	for _, p := range o.File.Progs {
		if p.Type != stdelf.PT_INTERP {
			continue
		}
		buf := make([]byte, p.Filesz)
		n, _ := p.ReadAt(buf, 0)
		buf = buf[:n]
		if i := indexZero(buf); i >= 0 {
			buf = buf[:i]
		}
		return string(buf)
	}
	return ""
}

// FindHeaderForAddress returns the first PT_LOAD segment whose
// [p_vaddr, p_vaddr+p_memsz) covers va, or nil.
func (o *Object) FindHeaderForAddress(va uint64) *stdelf.Prog {
	for _, p := range o.File.Progs {
		if p.Type != stdelf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Memsz {
			return p
		}
	}
	return nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// GetSection returns the first section matching name whose type equals
// typ, or the wildcard SHT_NULL for "any type". The debug companion (if
// any) is consulted first, recursing at most one level, before the
// local image.
func (o *Object) GetSection(name string, typ stdelf.SectionType) *stdelf.Section {
	if comp := o.companionAtMostOnce(0); comp != nil {
		if s := comp.localSection(name, typ); s != nil {
			return s
		}
	}
	return o.localSection(name, typ)
}

func (o *Object) localSection(name string, typ stdelf.SectionType) *stdelf.Section {
	idx, ok := o.byName[name]
	if !ok {
		return nil
	}
	sec := o.File.Sections[idx]
	if typ != 0 && sec.Type != typ {
		return nil
	}
	return sec
}

// companionAtMostOnce returns the debug companion. Recursion is
// bounded: the companion's own companion is never opened.
func (o *Object) companionAtMostOnce(depth int) *Object {
	if depth > 0 {
		return nil
	}
	o.companionOnce.Do(func() {
		o.companion, o.companionErr = o.openCompanion()
	})
	return o.companion
}

// openCompanion reads .gnu_debuglink (if present), searches
// DebugPrefix joined with the image's own directory for the named
// file, and opens the first one that parses. A missing link or a
// failed open both yield (nil, nil); output degrades instead.
func (o *Object) openCompanion() (*Object, error) {
	idx, ok := o.byName[".gnu_debuglink"]
	if !ok {
		return nil, nil
	}
	data, err := o.File.Sections[idx].Data()
	if err != nil || len(data) == 0 {
		return nil, nil
	}
	name := string(data)
	if i := indexZero([]byte(name)); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return nil, nil
	}

	dir := filepath.Dir(o.path)
	candidate := filepath.Join(o.DebugPrefix, dir, name)
	comp, err := OpenFile(candidate)
	if err != nil {
		return nil, nil
	}
	return comp, nil
}

// Companion returns the debug companion image, or nil if there is none
// or it failed to open.
func (o *Object) Companion() *Object {
	return o.companionAtMostOnce(0)
}
