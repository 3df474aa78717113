package nfsd

import (
	"encoding/binary"
	"fmt"
)

// decoder reads XDR-encoded (RFC 4506) primitives from an in-memory
// buffer. The NFSv4 COMPOUND subset this package serves never needs
// streaming decode: a full call is always read into memory by the RPC
// record-marking layer first (see rpc.go).
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("nfsd: xdr: short buffer reading uint32")
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("nfsd: xdr: short buffer reading uint64")
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// fixed reads exactly n raw bytes with no length prefix, used for
// fixed-size XDR types like stateid4's 12-byte "other" field.
func (d *decoder) fixed(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("nfsd: xdr: short buffer reading %d fixed bytes", n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// opaque reads a variable-length opaque value: a uint32 length prefix
// followed by that many bytes, padded to a 4-byte boundary.
func (d *decoder) opaque() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	padded := int(n+3) &^ 3
	if d.remaining() < padded {
		return nil, fmt.Errorf("nfsd: xdr: short buffer reading opaque of length %d", n)
	}
	out := d.buf[d.pos : d.pos+int(n) : d.pos+int(n)]
	d.pos += padded
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.opaque()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// bitmap reads a bitmap4: a word count followed by that many uint32s.
func (d *decoder) bitmap() ([]uint32, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	for i := range words {
		w, err := d.uint32()
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// encoder appends XDR-encoded primitives to an in-memory buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) opaque(p []byte) {
	e.uint32(uint32(len(p)))
	e.buf = append(e.buf, p...)
	if pad := (4 - len(p)%4) % 4; pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

func (e *encoder) str(s string) { e.opaque([]byte(s)) }

func (e *encoder) bitmap(words []uint32) {
	e.uint32(uint32(len(words)))
	for _, w := range words {
		e.uint32(w)
	}
}

func bitSet(words []uint32, bit uint32) bool {
	word := bit / 32
	if int(word) >= len(words) {
		return false
	}
	return words[word]&(1<<(bit%32)) != 0
}
