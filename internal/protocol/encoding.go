package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// Decoder reads lib0-style variable-length fields from a byte slice.
// Unsigned integers use the same 7-bit little-endian continuation encoding
// as encoding/binary's Uvarint, so the standard helpers are wire-compatible.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a decoder positioned at the start of buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many unread bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// ReadVarUint reads one variable-length unsigned integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("reading varuint at offset %d: %w", d.pos, ErrMalformed)
	}
	d.pos += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("byte field of length %d exceeds %d remaining: %w", n, d.Remaining(), ErrMalformed)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string field is not valid UTF-8: %w", ErrMalformed)
	}
	return string(b), nil
}

// Rest returns the unread remainder of the buffer.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}

// AppendVarUint appends v in variable-length encoding.
func AppendVarUint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendVarBytes appends a length-prefixed byte slice.
func AppendVarBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendVarString appends a length-prefixed UTF-8 string.
func AppendVarString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}
