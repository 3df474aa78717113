package nfsd

import (
	"context"

	"github.com/crucible-build/crucible/vfs"
)

// nfs_ftype4 values (RFC 7530 §2.5.1) for the three artifact kinds we
// ever project.
const (
	nf4reg = 1
	nf4dir = 2
	nf4lnk = 5
)

func ftypeFor(n *vfs.Node) uint32 {
	switch n.Kind {
	case vfs.NodeFile:
		return nf4reg
	case vfs.NodeSymlink:
		return nf4lnk
	default:
		return nf4dir
	}
}

func modeFor(n *vfs.Node) uint32 {
	switch n.Kind {
	case vfs.NodeFile:
		return 0o444
	case vfs.NodeSymlink:
		return 0o444
	default:
		return 0o555
	}
}

// encodeGetattr builds a GETATTR4resok body: the bitmap of attributes
// actually returned followed by their XDR-encoded values in ascending
// bit order, restricted to the attributes the client asked for
// (RFC 7530 §5.8's "attributes actually returned" rule).
func (s *Server) encodeGetattr(n *vfs.Node, requested []uint32) []byte {
	supported := []uint32{attrType, attrSize, attrFileid, attrMode, attrNumlinks}

	var returned []uint32
	for _, bit := range supported {
		if bitSet(requested, bit) {
			returned = append(returned, bit)
		}
	}

	vals := &encoder{}
	for _, bit := range returned {
		switch bit {
		case attrType:
			vals.uint32(ftypeFor(n))
		case attrSize:
			vals.uint64(n.Size())
		case attrFileid:
			vals.uint64(fileIDFor(s.handleFor(n)))
		case attrMode:
			vals.uint32(modeFor(n))
		case attrNumlinks:
			vals.uint32(1)
		}
	}

	mask := &encoder{}
	mask.bitmap(bitmapFor(returned))

	out := &encoder{}
	out.buf = append(out.buf, mask.buf...)
	out.opaque(vals.buf)
	return out.buf
}

func bitmapFor(bits []uint32) []uint32 {
	var words []uint32
	for _, bit := range bits {
		word := bit / 32
		for uint32(len(words)) <= word {
			words = append(words, 0)
		}
		words[word] |= 1 << (bit % 32)
	}
	return words
}

func fileIDFor(handle []byte) uint64 {
	id, _ := handleID(handle)
	return id
}

// stateidSize is NFS4_OTHER_SIZE (RFC 7530 §2.6): the fixed-length
// opaque "other" field inside every stateid4.
const stateidSize = 12

func (d *decoder) stateid() error {
	if _, err := d.uint32(); err != nil { // seqid
		return err
	}
	_, err := d.fixed(stateidSize)
	return err
}

// handleRead services a READ op: decode stateid/offset/count, fetch the
// bytes from the current file handle's blob, and return them as a
// READ4resok (eof bool, opaque data<>).
func (s *Server) handleRead(ctx context.Context, d *decoder, st *compoundState) (uint32, []byte, error) {
	if err := d.stateid(); err != nil {
		return 0, nil, err
	}
	offset, err := d.uint64()
	if err != nil {
		return 0, nil, err
	}
	count, err := d.uint32()
	if err != nil {
		return 0, nil, err
	}
	if st.current == nil {
		return nfs4ERRNOENT, nil, nil
	}
	if st.current.Kind != vfs.NodeFile {
		return nfs4ERRISDIR, nil, nil
	}

	h, err := s.fsys.Open(ctx, st.current)
	if err != nil {
		return nfs4ERRIO, nil, nil
	}
	buf := make([]byte, count)
	n, err := h.Read(buf, int64(offset))
	if err != nil && n == 0 {
		return nfs4OK, encodeReadResult(true, nil), nil
	}
	eof := offset+uint64(n) >= st.current.Size()
	return nfs4OK, encodeReadResult(eof, buf[:n]), nil
}

func encodeReadResult(eof bool, data []byte) []byte {
	e := &encoder{}
	e.uint32(boolUint32(eof))
	e.opaque(data)
	return e.buf
}

func boolUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// handleReaddir services a READDIR op: decode cookie/cookieverf/counts,
// then encode each not-yet-seen entry as an entry4 linked list, bounded
// by the client's requested maxcount (RFC 7530 §14.2.24).
func (s *Server) handleReaddir(ctx context.Context, d *decoder, st *compoundState) (uint32, []byte, error) {
	cookie, err := d.uint64()
	if err != nil {
		return 0, nil, err
	}
	if _, err := d.fixed(8); err != nil { // cookieverf
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // dircount
		return 0, nil, err
	}
	maxCount, err := d.uint32()
	if err != nil {
		return 0, nil, err
	}
	requested, err := d.bitmap()
	if err != nil {
		return 0, nil, err
	}

	if st.current == nil {
		return nfs4ERRNOENT, nil, nil
	}
	if st.current.Kind != vfs.NodeDirectory && st.current.Kind != vfs.NodeRoot {
		return nfs4ERRNOTDIR, nil, nil
	}

	names, err := s.fsys.ReadDir(ctx, st.current)
	if err != nil {
		return nfs4ERRIO, nil, nil
	}

	entries := &encoder{}
	eof := true
	written := uint32(0)
	for i, name := range names {
		if name == "." || name == ".." {
			continue
		}
		seq := uint64(i) + 1
		if seq <= cookie {
			continue
		}
		child, err := s.fsys.Lookup(ctx, st.current, name)
		if err != nil {
			continue
		}
		entry := &encoder{}
		entry.uint64(seq)
		entry.str(name)
		attrs := s.encodeGetattr(child, requested)
		entry.buf = append(entry.buf, attrs...)

		if written+uint32(len(entry.buf))+8 > maxCount {
			eof = false
			break
		}
		entries.uint32(1) // nextentry present
		entries.buf = append(entries.buf, entry.buf...)
		written += uint32(len(entry.buf))
	}
	entries.uint32(0) // end of list
	entries.uint32(boolUint32(eof))

	out := &encoder{}
	out.buf = append(out.buf, make([]byte, 8)...) // cookieverf: constant, contents unused by this single-snapshot server
	out.buf = append(out.buf, entries.buf...)
	return nfs4OK, out.buf, nil
}
