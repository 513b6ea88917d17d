package aeternus

import (
	"encoding/binary"
	"fmt"
)

// Little-endian fixed-width codec shared by the WAL, the sorted-table file
// format, and the catalog. Byte slices and strings carry a u32 length prefix.

const (
	// maxByteLen caps any single length-prefixed byte sequence.
	maxByteLen = 1 << 30 // 1 GiB

	// maxVecElements caps any element count read from disk.
	maxVecElements = 1 << 24
)

type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 256)}
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) len() int { return len(e.buf) }

func (e *encoder) putU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.putU8(1)
	} else {
		e.putU8(0)
	}
}

func (e *encoder) putU16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *encoder) putU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) putU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) putI64(v int64) {
	e.putU64(uint64(v))
}

func (e *encoder) putBytes(b []byte) {
	e.putU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putString(s string) {
	e.putU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// decoder reads values back out of a byte slice. All reads are bounds
// checked; running off the end yields ErrUnexpectedEOF rather than a panic.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) offset() int { return d.off }

func (d *decoder) need(n int) error {
	if d.remaining() < n {
		return fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, d.off, d.remaining(), ErrUnexpectedEOF)
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("bool byte %d: %w", v, ErrDecode)
	}
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) i64() (int64, error) {
	v, err := d.u64()
	return int64(v), err
}

func (d *decoder) byteSlice() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxByteLen {
		return nil, fmt.Errorf("byte length %d: %w", n, ErrLengthOverflow)
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.byteSlice()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// vecLen reads and validates an element count prefix.
func (d *decoder) vecLen() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if n > maxVecElements {
		return 0, fmt.Errorf("element count %d: %w", n, ErrLengthOverflow)
	}
	return int(n), nil
}
