package elf

import (
	stdelf "debug/elf"
	"encoding/binary"

	"github.com/elfwalk/elfwalk/pkg/errs"
	"github.com/elfwalk/elfwalk/pkg/reader"
)

// SectionData returns sec's bytes, transparently inflating
// SHF_COMPRESSED sections. ELFCOMPRESS_ZLIB bodies go through the zlib
// reader; any other compression type is tried as xz before giving up,
// since xz-compressed debug sections carry no standard ch_type.
func (o *Object) SectionData(sec *stdelf.Section) ([]byte, error) {
	if sec.Flags&stdelf.SHF_COMPRESSED == 0 {
		data, err := sec.Data()
		if err != nil {
			return nil, &errs.TruncatedSection{Name: sec.Name}
		}
		return data, nil
	}

	// the stdlib offers no random access into a compressed section's
	// raw bytes, so read them straight from the backing reader
	raw := make([]byte, sec.FileSize)
	if _, err := o.r.ReadAt(int64(sec.Offset), raw); err != nil {
		return nil, &errs.TruncatedSection{Name: sec.Name}
	}

	chdrSize := 24 // Elf64_Chdr
	if o.File.Class == stdelf.ELFCLASS32 {
		chdrSize = 12
	}
	if len(raw) < chdrSize {
		return nil, &errs.TruncatedSection{Name: sec.Name}
	}
	chType := o.File.ByteOrder.Uint32(raw[0:4])
	body := raw[chdrSize:]

	var (
		r   reader.Reader
		err error
	)
	if stdelf.CompressionType(chType) == stdelf.COMPRESS_ZLIB {
		r, err = reader.NewZlibReader(body, sec.Name)
	} else {
		r, err = reader.NewXZReader(body, sec.Name)
	}
	if err != nil {
		return nil, &errs.TruncatedSection{Name: sec.Name}
	}

	size := inflatedSize(o.File.Class, o.File.ByteOrder, raw)
	data := make([]byte, size)
	n, err := r.ReadAtMost(0, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// inflatedSize extracts ch_size from the compression header.
func inflatedSize(class stdelf.Class, order binary.ByteOrder, chdr []byte) uint64 {
	if class == stdelf.ELFCLASS32 {
		return uint64(order.Uint32(chdr[4:8]))
	}
	return order.Uint64(chdr[8:16])
}
