package frame

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/elfwalk/elfwalk/pkg/errs"
)

// CommonInformationEntry represents a CIE record of a .debug_frame or
// .eh_frame table. It carries the alignment factors, the return-address
// register, and the initial instruction block shared by the FDEs that
// reference it.
type CommonInformationEntry struct {
	Length                uint32
	CIE_id                uint32
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	// ptrEncoding is the FDE pointer encoding from a 'z...R' augmentation
	// of an .eh_frame CIE; 0 means the table default (absolute pointers).
	ptrEncoding byte

	staticBase uint64
}

// FrameDescriptionEntry represents an FDE record. Each FDE points at
// the CIE whose initial instructions seed its row state machine.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte

	begin, size uint64
	order       binary.ByteOrder
}

// Cover reports whether addr lies inside the FDE's address range.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return addr-fde.begin < fde.size
}

// Begin returns the FDE's initial location.
func (fde *FrameDescriptionEntry) Begin() uint64 { return fde.begin }

// End returns the first address past the FDE's range.
func (fde *FrameDescriptionEntry) End() uint64 { return fde.begin + fde.size }

// EstablishFrame runs the CIE's initial instructions followed by the
// FDE's instructions until the row whose address is the greatest not
// exceeding pc, and returns the resulting unwind rule row.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) *FrameContext {
	return executeDwarfProgramUntilPC(fde, pc)
}

// FrameDescriptionEntries is the FDE interval index for one table.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// FDEForPC returns the FDE whose interval contains pc, or
// *errs.NotCovered when none does. The index is kept sorted and
// non-overlapping, so a binary search finds the only candidate.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].More(pc)
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &errs.NotCovered{PC: pc}
	}
	return fdes[idx], nil
}

// More reports whether the FDE's range ends after pc, used as the
// binary-search pivot.
func (fde *FrameDescriptionEntry) More(pc uint64) bool {
	return fde.begin+fde.size > pc
}

// sortAndCheck sorts the index by initial location and drops every
// entry that begins before the end of the previously kept one,
// preserving the invariant that at most one FDE matches any PC.
func (fdes FrameDescriptionEntries) sortAndCheck() FrameDescriptionEntries {
	sort.Slice(fdes, func(i, j int) bool {
		if fdes[i].begin == fdes[j].begin {
			return fdes[i].size < fdes[j].size
		}
		return fdes[i].begin < fdes[j].begin
	})
	out := fdes[:0]
	var prevEnd uint64
	for _, fde := range fdes {
		if len(out) > 0 && fde.begin < prevEnd {
			continue
		}
		out = append(out, fde)
		prevEnd = fde.End()
	}
	return out
}

// Append merges another table's entries into fdes, re-establishing the
// sorted non-overlapping invariant. Used when an image carries both
// .debug_frame and .eh_frame.
func (fdes FrameDescriptionEntries) Append(other FrameDescriptionEntries) FrameDescriptionEntries {
	return append(fdes, other...).sortAndCheck()
}

func (fde *FrameDescriptionEntry) String() string {
	return fmt.Sprintf("FDE [%#x, %#x)", fde.begin, fde.begin+fde.size)
}
