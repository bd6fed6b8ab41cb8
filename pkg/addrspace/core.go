package addrspace

import (
	stdelf "debug/elf"
	"sort"

	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/errs"
)

// CoreSpace synthesizes an address space from a core image's PT_LOAD
// segments. A read at virtual address va finds the covering segment
// and reads from p_offset + (va - p_vaddr); bytes past p_filesz but
// inside p_memsz read as zero, bytes outside any segment fail with
// Unmapped.
type CoreSpace struct {
	core *elf.Object
	segs []*stdelf.Prog
}

// NewCoreSpace assembles the address space of core.
func NewCoreSpace(core *elf.Object) *CoreSpace {
	var segs []*stdelf.Prog
	for _, p := range core.File.Progs {
		if p.Type == stdelf.PT_LOAD && p.Memsz > 0 {
			segs = append(segs, p)
		}
	}
	// core dumps are usually sorted already, but that's not guaranteed
	sort.Slice(segs, func(i, j int) bool { return segs[i].Vaddr < segs[j].Vaddr })
	return &CoreSpace{core: core, segs: segs}
}

func (s *CoreSpace) ReadAt(va uint64, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		addr := va + uint64(total)
		seg := s.findSegment(addr)
		if seg == nil {
			return total, &errs.Unmapped{Addr: addr}
		}

		off := addr - seg.Vaddr
		want := len(dst) - total

		if off < seg.Filesz {
			// file-backed portion
			avail := seg.Filesz - off
			n := want
			if uint64(n) > avail {
				n = int(avail)
			}
			rn, err := seg.ReadAt(dst[total:total+n], int64(off))
			total += rn
			if err != nil && rn < n {
				return total, &errs.Io{Err: err}
			}
			continue
		}

		// inside p_memsz but past p_filesz: reads as zero
		avail := seg.Memsz - off
		n := want
		if uint64(n) > avail {
			n = int(avail)
		}
		for i := 0; i < n; i++ {
			dst[total+i] = 0
		}
		total += n
	}
	return total, nil
}

// findSegment returns the PT_LOAD segment covering addr, or nil.
func (s *CoreSpace) findSegment(addr uint64) *stdelf.Prog {
	idx := sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].Vaddr+s.segs[i].Memsz > addr
	})
	if idx == len(s.segs) || s.segs[idx].Vaddr > addr {
		return nil
	}
	return s.segs[idx]
}

// Segments exposes the PT_LOAD headers for the scanner's sweep.
func (s *CoreSpace) Segments() []*stdelf.Prog { return s.segs }

func (s *CoreSpace) Describe() string { return "core:" + s.core.Path() }

func (s *CoreSpace) Close() error { return nil }
