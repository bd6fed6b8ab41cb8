// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/elfwalk/elfwalk/pkg/dwarf/util"
)

// DW_EH_PE_* pointer encodings used by .eh_frame augmentation data.
const (
	pencAbsptr  = 0x00
	pencULEB128 = 0x01
	pencUdata2  = 0x02
	pencUdata4  = 0x03
	pencUdata8  = 0x04
	pencSigned  = 0x08
	pencSLEB128 = 0x09
	pencSdata2  = 0x0a
	pencSdata4  = 0x0b
	pencSdata8  = 0x0c
	pencPCRel   = 0x10
	pencOmit    = 0xff
)

type parsefunc func(*parseContext) parsefunc

// parseContext context which helps parsing the CIE and FDEs stored in
// .debug_frame or .eh_frame
type parseContext struct {
	staticBase uint64

	buf     *bytes.Buffer
	totalLn int
	entries FrameDescriptionEntries
	ciemap  map[uint32]*CommonInformationEntry
	common  *CommonInformationEntry
	frame   *FrameDescriptionEntry
	length  uint32
	ptrSize int
	order   binary.ByteOrder

	// ehFrame selects the .eh_frame dialect: zero CIE id, CIE pointers
	// measured backward from the FDE, and encoded initial locations.
	ehFrame     bool
	sectionAddr uint64
}

// offset returns the current position within the section.
func (ctx *parseContext) offset() uint32 {
	return uint32(ctx.totalLn - ctx.buf.Len())
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry. Each FrameDescriptionEntry
// has a pointer to CommonInformationEntry.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int) FrameDescriptionEntries {
	return parse(data, order, staticBase, ptrSize, false, 0)
}

// ParseEhFrame parses an .eh_frame section. sectionAddr is the virtual
// address the section is mapped at, needed to resolve PC-relative
// pointer encodings.
func ParseEhFrame(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64) FrameDescriptionEntries {
	return parse(data, order, staticBase, ptrSize, true, sectionAddr)
}

func parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrame bool, sectionAddr uint64) FrameDescriptionEntries {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			totalLn:     len(data),
			entries:     newFrameIndex(),
			ciemap:      map[uint32]*CommonInformationEntry{},
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			order:       order,
			ehFrame:     ehFrame,
			sectionAddr: sectionAddr,
		}
	)

	for fn := parselength; buf.Len() != 0; {
		fn = fn(pctx)
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}

	return pctx.entries.sortAndCheck()
}

// cieEntry determines if data is the magic number of CIE: all-ones in
// .debug_frame, zero in .eh_frame, at either id width
func (ctx *parseContext) cieEntry(data []byte) bool {
	magic := byte(0xff)
	if ctx.ehFrame {
		magic = 0x00
	}
	for _, b := range data {
		if b != magic {
			return false
		}
	}
	return true
}

// parselength parse the length of CIE or FDE
func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	binary.Read(ctx.buf, ctx.order, &ctx.length)

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	// 64-bit DWARF format: the real length follows as a uint64 and
	// the CIE id/pointer field widens to 8 bytes
	idSize := 4
	if ctx.length == 0xffffffff {
		var length64 uint64
		binary.Read(ctx.buf, ctx.order, &length64)
		ctx.length = uint32(length64)
		idSize = 8
	}
	if int(ctx.length) > ctx.buf.Len() {
		// truncated entry, drop the tail
		ctx.buf.Truncate(0)
		return parselength
	}

	// parsing CIE_id of CIE
	// parsing CIE_pointer of FDE
	cieField := ctx.offset()
	var data = ctx.buf.Next(idSize)

	// take off the length of the CIE id / CIE pointer.
	ctx.length -= uint32(idSize)

	if ctx.cieEntry(data) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	cieptr := uint32(ctx.order.Uint32(data))
	if idSize == 8 {
		cieptr = uint32(ctx.order.Uint64(data))
	}
	var cie *CommonInformationEntry
	if ctx.ehFrame {
		// the CIE pointer counts backward from this field
		cie = ctx.ciemap[cieField-cieptr]
	} else {
		cie = ctx.ciemap[cieptr]
	}
	if cie == nil {
		// FDE referencing a CIE we never saw: skip it
		ctx.buf.Next(int(ctx.length))
		ctx.length = 0
		return parselength
	}

	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie}
	return parseFDE
}

// parseFDE parse FDE entry
func parseFDE(ctx *parseContext) parsefunc {
	fieldAddr := ctx.sectionAddr + uint64(ctx.offset())
	r := ctx.buf.Next(int(ctx.length))
	reader := bytes.NewBuffer(r)

	// parsing initial_location and address_range of FDE
	begin, n1 := ctx.readEncodedPointer(reader, ctx.frame.CIE.ptrEncoding, fieldAddr)
	size, n2 := ctx.readEncodedPointer(reader, ctx.frame.CIE.ptrEncoding&0x0f, 0)
	ctx.frame.begin = begin + ctx.staticBase
	ctx.frame.size = size

	instrOff := n1 + n2

	// a 'z' augmentation carries a length-prefixed data block before
	// the instructions
	if len(ctx.frame.CIE.Augmentation) > 0 && ctx.frame.CIE.Augmentation[0] == 'z' {
		augLen, lenLn := util.DecodeULEB128(reader)
		reader.Next(int(augLen))
		instrOff += int(lenLn) + int(augLen)
	}

	// Insert into the index after setting address range begin
	// otherwise compares won't work.
	ctx.entries = append(ctx.entries, ctx.frame)

	// parsing instructions of FDE
	ctx.frame.Instructions = r[instrOff:]
	ctx.length = 0

	// prepare to parse next FDE or CIE
	return parselength
}

// parseCIE parse CIE entry
func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)
	// parse version
	ctx.common.Version, _ = buf.ReadByte()

	// parse augmentation
	ctx.common.Augmentation, _ = util.ParseString(buf)

	if ctx.common.Version >= 4 {
		// address_size and segment_size, added in DWARF v4
		buf.ReadByte()
		buf.ReadByte()
	}

	// parse code alignment factor
	ctx.common.CodeAlignmentFactor, _ = util.DecodeULEB128(buf)

	// parse data alignment factor
	ctx.common.DataAlignmentFactor, _ = util.DecodeSLEB128(buf)

	// parse return address register
	if ctx.common.Version == 1 {
		b, _ := buf.ReadByte()
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		ctx.common.ReturnAddressRegister, _ = util.DecodeULEB128(buf)
	}

	// parse augmentation data; only the FDE pointer encoding from an
	// 'R' letter is retained
	if len(ctx.common.Augmentation) > 0 && ctx.common.Augmentation[0] == 'z' {
		augLen, _ := util.DecodeULEB128(buf)
		aug := bytes.NewBuffer(buf.Next(int(augLen)))
		for _, letter := range ctx.common.Augmentation[1:] {
			switch letter {
			case 'R':
				ctx.common.ptrEncoding, _ = aug.ReadByte()
			case 'L':
				aug.ReadByte()
			case 'P':
				enc, _ := aug.ReadByte()
				ctx.readEncodedPointer(aug, enc, 0)
			case 'S':
				// signal frame marker, no data
			}
		}
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()

	// prepare to parse FDEs following this CIE
	ctx.length = 0

	return parselength
}

// readEncodedPointer decodes one pointer with the given DW_EH_PE
// encoding from buf. fieldAddr is the virtual address of the field
// itself, the base for PC-relative encodings. It returns the decoded
// value and the number of bytes consumed.
func (ctx *parseContext) readEncodedPointer(buf *bytes.Buffer, enc byte, fieldAddr uint64) (uint64, int) {
	if enc == pencOmit {
		return 0, 0
	}

	var (
		val uint64
		n   int
	)
	switch enc & 0x0f {
	case pencAbsptr:
		val, _ = util.ReadUintRaw(buf, ctx.order, ctx.ptrSize)
		n = ctx.ptrSize
	case pencULEB128:
		v, ln := util.DecodeULEB128(buf)
		val, n = v, int(ln)
	case pencSLEB128:
		v, ln := util.DecodeSLEB128(buf)
		val, n = uint64(v), int(ln)
	case pencUdata2, pencSdata2:
		v, _ := util.ReadUintRaw(buf, ctx.order, 2)
		if enc&0x0f == pencSdata2 {
			v = uint64(int64(int16(v)))
		}
		val, n = v, 2
	case pencUdata4, pencSdata4:
		v, _ := util.ReadUintRaw(buf, ctx.order, 4)
		if enc&0x0f == pencSdata4 {
			v = uint64(int64(int32(v)))
		}
		val, n = v, 4
	case pencUdata8, pencSdata8:
		v, _ := util.ReadUintRaw(buf, ctx.order, 8)
		val, n = v, 8
	default:
		val, _ = util.ReadUintRaw(buf, ctx.order, ctx.ptrSize)
		n = ctx.ptrSize
	}

	if enc&0x70 == pencPCRel {
		val += fieldAddr
	}
	return val, n
}

// DwarfEndian determines the endianness of the DWARF by using the version number field in the debug_info section
// Trick borrowed from "debug/dwarf".New()
func DwarfEndian(infoSec []byte) binary.ByteOrder {
	if len(infoSec) < 6 {
		return binary.BigEndian
	}
	x, y := infoSec[4], infoSec[5]
	switch {
	case x == 0 && y == 0:
		return binary.BigEndian
	case x == 0:
		return binary.BigEndian
	case y == 0:
		return binary.LittleEndian
	default:
		return binary.BigEndian
	}
}
