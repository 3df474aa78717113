package id

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CurrentVersion is the version tag written at the front of every encoded
// object body. Decoders reject any other tag with ErrVersionMismatch
// unless they explicitly know how to migrate it.
const CurrentVersion uint8 = 1

// ErrVersionMismatch is returned when a body's version tag is not one the
// decoder understands.
var ErrVersionMismatch = fmt.Errorf("id: version mismatch")

// Encoder builds the canonical, length-prefixed, field-ordered binary
// encoding used for every object body in the store. Maps must be written
// with keys already in lexicographic order by the caller; Encoder does not
// sort for you, since callers generally hold data in a form that is
// naturally sortable without an extra pass.
type Encoder struct {
	buf []byte
}

// NewEncoder starts a new encoder, writing the current version tag.
func NewEncoder() *Encoder {
	e := &Encoder{buf: make([]byte, 0, 256)}
	e.buf = append(e.buf, CurrentVersion)
	return e
}

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v uint8) { e.buf = append(e.buf, v) }

// WriteBool appends a single byte, 0 or 1.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// WriteUint64 appends a little-endian varint-free fixed 8-byte integer.
func (e *Encoder) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// WriteBytes appends a length prefix followed by the raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteString(s string) { e.WriteBytes([]byte(s)) }

// WriteID appends a length-prefixed textual identifier.
func (e *Encoder) WriteID(i ID) { e.WriteString(i.String()) }

// WritePresence appends a presence byte for an optional field; the caller
// writes the field's value immediately after only if present is true.
func (e *Encoder) WritePresence(present bool) { e.WriteBool(present) }

// Decoder reads the canonical encoding produced by Encoder.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps raw bytes for decoding, validating the version tag.
func NewDecoder(b []byte) (*Decoder, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("id: empty body")
	}
	if b[0] != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, b[0], CurrentVersion)
	}
	return &Decoder{buf: b, off: 1}, nil
}

// Err returns the first error encountered during decoding, if any.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail(io.ErrUnexpectedEOF)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

// ReadUint8 reads a single byte.
func (d *Decoder) ReadUint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a single byte as a bool.
func (d *Decoder) ReadBool() bool { return d.ReadUint8() != 0 }

// ReadUint64 reads a fixed 8-byte little-endian integer.
func (d *Decoder) ReadUint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadBytes reads a length-prefixed byte string.
func (d *Decoder) ReadBytes() []byte {
	n := d.ReadUint64()
	if d.err != nil {
		return nil
	}
	b := d.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadString() string { return string(d.ReadBytes()) }

// ReadID reads a length-prefixed textual identifier.
func (d *Decoder) ReadID() ID {
	s := d.ReadString()
	if d.err != nil {
		return ID{}
	}
	parsed, err := Parse(s)
	if err != nil {
		d.fail(err)
		return ID{}
	}
	return parsed
}

// ReadPresence reads an optional-field presence byte.
func (d *Decoder) ReadPresence() bool { return d.ReadBool() }

// Done reports whether every byte of the body has been consumed, which
// callers should check after decoding a well-formed object to catch
// trailing garbage.
func (d *Decoder) Done() bool { return d.err == nil && d.off == len(d.buf) }
