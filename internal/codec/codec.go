// Package codec implements the self-describing binary encoding shared by
// sync and awareness frames: unsigned LEB128 varints, length-prefixed byte
// arrays and length-prefixed UTF-8 strings, read strictly front to back.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a varint or a length prefix runs past
// the end of the buffer.
var ErrMalformedFrame = errors.New("malformed frame")

// Encoder appends fields to a growing buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// WriteVarUint appends v as an unsigned varint.
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteVarBytes appends a length-prefixed byte array.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded buffer. The encoder must not be reused afterwards.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder is a forward-only cursor over an encoded buffer.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// ReadVarUint reads an unsigned varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, fmt.Errorf("%w: truncated varint at offset %d", ErrMalformedFrame, d.pos)
	case n < 0:
		return 0, fmt.Errorf("%w: varint overflow at offset %d", ErrMalformedFrame, d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformedFrame, d.pos)
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte array. The returned slice is a
// copy and may be retained by the caller.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	b, err := d.readPrefixed()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.readPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) readPrefixed() ([]byte, error) {
	start := d.pos
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if left := d.Remaining(); n > uint64(left) {
		d.pos = start
		return nil, fmt.Errorf("%w: length %d overruns buffer at offset %d (%d bytes left)",
			ErrMalformedFrame, n, start, left)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// Remaining reports how many bytes have not been consumed yet.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Rest returns the unconsumed tail of the buffer without advancing.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}
