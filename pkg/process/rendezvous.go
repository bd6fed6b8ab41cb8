package process

import (
	stdelf "debug/elf"

	"github.com/elfwalk/elfwalk/pkg/addrspace"
	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/reader"
)

// link-map walk bounds, guarding against a corrupt or hostile core
const (
	maxDynEntries  = 4096
	maxLinkEntries = 1024
	maxPathLen     = 4096
)

// loadRendezvous follows the runtime linker's debug rendezvous: the
// executable's DT_DEBUG dynamic tag points at r_debug, whose link-map
// list names every loaded object and its relocation base. Failures
// here are non-fatal: the walk degrades to the executable alone.
func (p *Process) loadRendezvous() {
	if p.Exec == nil {
		return
	}

	var dynamic *stdelf.Prog
	for _, prog := range p.Exec.File.Progs {
		if prog.Type == stdelf.PT_DYNAMIC {
			dynamic = prog
			break
		}
	}
	if dynamic == nil {
		p.sink.Debugf("executable has no PT_DYNAMIC, static binary?")
		return
	}

	order := p.Exec.File.ByteOrder
	rdebug := uint64(0)
	for i := 0; i < maxDynEntries; i++ {
		entAddr := dynamic.Vaddr + uint64(i*16)
		tag, err := addrspace.ReadWord(p.Space, entAddr, order, 8)
		if err != nil {
			p.sink.Debugf("rendezvous: dynamic table unreadable at %#x: %v", entAddr, err)
			return
		}
		if stdelf.DynTag(tag) == stdelf.DT_NULL {
			break
		}
		val, err := addrspace.ReadWord(p.Space, entAddr+8, order, 8)
		if err != nil {
			return
		}
		if stdelf.DynTag(tag) == stdelf.DT_DEBUG && val != 0 {
			rdebug = val
			break
		}
	}
	if rdebug == 0 {
		p.sink.Debugf("rendezvous: no DT_DEBUG value")
		return
	}

	// r_debug: r_version at +0, r_map at +8
	lmap, err := addrspace.ReadWord(p.Space, rdebug+8, order, 8)
	if err != nil {
		p.sink.Debugf("rendezvous: r_debug unreadable at %#x: %v", rdebug, err)
		return
	}

	for i := 0; lmap != 0 && i < maxLinkEntries; i++ {
		// link_map: l_addr +0, l_name +8, l_next +24
		base, err1 := addrspace.ReadWord(p.Space, lmap, order, 8)
		nameAddr, err2 := addrspace.ReadWord(p.Space, lmap+8, order, 8)
		next, err3 := addrspace.ReadWord(p.Space, lmap+24, order, 8)
		if err1 != nil || err2 != nil || err3 != nil {
			p.sink.Debugf("rendezvous: link map truncated at %#x", lmap)
			return
		}

		name := ""
		if nameAddr != 0 {
			name, _ = addrspace.ReadString(p.Space, nameAddr, maxPathLen)
		}

		// the empty-named entry is the executable itself, already
		// present as object zero
		if name != "" && p.objectByPath(name) == nil {
			p.addLinkMapObject(name, base)
		}

		lmap = next
	}
}

// addLinkMapObject opens a link-map entry's image by path, falling
// back to reading the mapped image out of the address space when the
// file is gone (deleted library, chroot, foreign host's core).
func (p *Process) addLinkMapObject(path string, base uint64) {
	obj, err := elf.OpenFile(path)
	if err == nil {
		p.Objects = append(p.Objects, &LoadedObject{Reloc: base, Path: path, Object: obj, proc: p})
		return
	}
	p.sink.Debugf("cannot open %s, reading image from memory: %v", path, err)

	obj, memErr := elf.Open(newSpaceReader(p.Space, base, path), path)
	if memErr != nil {
		p.sink.Warnf("skipping loaded object %s: %v (in-memory: %v)", path, err, memErr)
		return
	}
	p.Objects = append(p.Objects, &LoadedObject{Reloc: base, Path: path, Object: obj, proc: p})
}

// spaceReader adapts a window of the process address space, starting
// at base, to the reader interface so an in-memory image can be parsed
// like a file.
type spaceReader struct {
	space addrspace.Space
	base  uint64
	name  string
}

func newSpaceReader(space addrspace.Space, base uint64, name string) reader.Reader {
	return &spaceReader{space: space, base: base, name: name}
}

func (r *spaceReader) ReadAt(off int64, dst []byte) (int, error) {
	return r.space.ReadAt(r.base+uint64(off), dst)
}

func (r *spaceReader) ReadAtMost(off int64, dst []byte) (int, error) {
	n, err := r.space.ReadAt(r.base+uint64(off), dst)
	if n > 0 {
		return n, nil
	}
	return n, err
}

func (r *spaceReader) ReadString(off int64) (string, error) {
	return addrspace.ReadString(r.space, r.base+uint64(off), maxPathLen)
}

func (r *spaceReader) Describe() string { return "memimage:" + r.name }
