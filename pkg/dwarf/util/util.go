// Package util contains the byte-level decoding helpers shared by the
// DWARF call-frame parser: LEB128 varints, NUL-terminated strings, and
// raw fixed-width reads.
package util

import (
	"bytes"
	"encoding/binary"
	"io"
)

// DecodeULEB128 decodes an unsigned Little Endian Base 128 value,
// returning the value and the number of bytes consumed.
func DecodeULEB128(buf *bytes.Buffer) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err := buf.ReadByte()
		if err != nil {
			panic("could not parse ULEB128 value")
		}
		length++

		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, length
}

// DecodeSLEB128 decodes a signed Little Endian Base 128 value,
// returning the value and the number of bytes consumed.
func DecodeSLEB128(buf *bytes.Buffer) (int64, uint32) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	if buf.Len() == 0 {
		return 0, 0
	}

	for {
		b, err = buf.ReadByte()
		if err != nil {
			panic("could not parse SLEB128 value")
		}
		length++

		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if (shift < 64) && (b&0x40 != 0) {
		result |= -(1 << shift)
	}

	return result, length
}

// ParseString reads a NUL-terminated string from buf, returning the
// string and the number of bytes consumed including the terminator.
func ParseString(buf *bytes.Buffer) (string, uint32) {
	str, err := buf.ReadString(0x0)
	if err != nil {
		panic("could not parse string")
	}
	return str[:len(str)-1], uint32(len(str))
}

// ReadUintRaw reads an unsigned integer of ptrSize bytes (2, 4, or 8)
// in the given byte order.
func ReadUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, io.ErrUnexpectedEOF
}
