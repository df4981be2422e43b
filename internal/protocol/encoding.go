package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ErrUnexpectedEOF is returned when a message ends in the middle of a field.
var ErrUnexpectedEOF = errors.New("protocol: unexpected end of message")

// Encoder builds lib0-style binary messages: varints and length-prefixed byte arrays.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder creates an empty encoder
func NewEncoder() *Encoder {
	return &Encoder{}
}

// WriteVarUint appends an unsigned varint
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf.Write(varint.ToUvarint(v))
}

// WriteVarUint8Array appends a length-prefixed byte slice
func (e *Encoder) WriteVarUint8Array(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf.Write(b)
}

// WriteVarString appends a length-prefixed UTF-8 string
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf.WriteString(s)
}

// WriteRaw appends bytes without a length prefix
func (e *Encoder) WriteRaw(b []byte) {
	e.buf.Write(b)
}

// Bytes returns the encoded message
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Decoder reads lib0-style binary messages
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder over b. The slice is not copied.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// ReadVarUint reads an unsigned varint
func (d *Decoder) ReadVarUint() (uint64, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	v, n, err := varint.FromUvarint(d.buf[d.pos:])
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return 0, ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("read varint: %w", err)
	}
	d.pos += n
	return v, nil
}

// ReadVarUint8Array reads a length-prefixed byte slice.
// The returned slice aliases the decoder's buffer.
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString reads a length-prefixed string
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarUint8Array()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the unread tail of the message
func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}
