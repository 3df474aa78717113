package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

// Reader is a seekable, random-access view over a blob tree. It descends
// branch nodes using each child's recorded Size, so seeking never needs
// to fetch leaf bytes it isn't going to read.
type Reader struct {
	ctx   context.Context
	store store.Store
	root  id.ID
	size  uint64
	pos   uint64

	cache map[id.ID]node // small decoded-branch cache, keyed by identifier
}

// NewReader opens a Reader over the blob identified by root.
func NewReader(ctx context.Context, s store.Store, root id.ID) (*Reader, error) {
	n, err := fetchNode(ctx, s, root)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		ctx:   ctx,
		store: s,
		root:  root,
		size:  n.Size(),
		cache: map[id.ID]node{root: n},
	}
	return r, nil
}

// Size returns the total logical length of the blob.
func (r *Reader) Size() uint64 { return r.size }

func (r *Reader) node(i id.ID) (node, error) {
	if n, ok := r.cache[i]; ok {
		return n, nil
	}
	n, err := fetchNode(r.ctx, r.store, i)
	if err != nil {
		return node{}, err
	}
	if len(r.cache) > 256 {
		// Unbounded growth would defeat the point of streaming reads over
		// arbitrarily large blobs; drop the cache wholesale rather than
		// tracking per-entry age.
		r.cache = make(map[id.ID]node)
	}
	r.cache[i] = n
	return n, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	n, err := r.readAt(r.root, r.pos, p)
	r.pos += uint64(n)
	return n, err
}

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(r.pos) + offset
	case io.SeekEnd:
		newPos = int64(r.size) + offset
	default:
		return 0, fmt.Errorf("blob: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("blob: negative seek position")
	}
	r.pos = uint64(newPos)
	return newPos, nil
}

// readAt reads into p starting at logical offset within the subtree
// rooted at nodeID, returning at most len(p) bytes and never crossing the
// subtree's end.
func (r *Reader) readAt(nodeID id.ID, offset uint64, p []byte) (int, error) {
	n, err := r.node(nodeID)
	if err != nil {
		return 0, err
	}
	if offset >= n.Size() {
		return 0, io.EOF
	}

	if n.tag == tagLeaf {
		return copy(p, n.leaf[offset:]), nil
	}

	var consumed uint64
	var written int
	remaining := offset
	for _, c := range n.children {
		if remaining >= c.Size {
			remaining -= c.Size
			consumed += c.Size
			continue
		}
		if written >= len(p) {
			break
		}
		m, err := r.readAt(c.ID, remaining, p[written:])
		written += m
		if err != nil && err != io.EOF {
			return written, err
		}
		remaining = 0
		consumed += c.Size
		if written >= len(p) {
			break
		}
	}
	return written, nil
}

// Size returns the logical length of the blob identified by root without
// constructing a full Reader.
func Size(ctx context.Context, s store.Store, root id.ID) (uint64, error) {
	n, err := fetchNode(ctx, s, root)
	if err != nil {
		return 0, err
	}
	return n.Size(), nil
}

// ReadAll reads the full contents of the blob identified by root. It is a
// convenience wrapper for callers (e.g. artifact check-out) that want the
// whole value in memory rather than streaming it.
func ReadAll(ctx context.Context, s store.Store, root id.ID) ([]byte, error) {
	r, err := NewReader(ctx, s, root)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.Size())
	if _, err := io.ReadFull(r, buf); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
