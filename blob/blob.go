// Package blob implements the content-defined chunked blob layer
// (spec.md §4.3): a rolling-hash chunker that splits an input stream into
// a balanced tree of leaf and branch objects, and a seekable reader over
// that tree.
package blob

import (
	"context"
	"fmt"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

const component = "blob"

// ErrCorrupt is returned when a fetched chunk's bytes don't hash to the
// identifier that named it.
var ErrCorrupt = fmt.Errorf("blob: corrupt chunk")

// nodeTag distinguishes a leaf from a branch in the encoded body.
type nodeTag uint8

const (
	tagLeaf   nodeTag = 0
	tagBranch nodeTag = 1
)

// Child is one entry in a branch's ordered child list.
type Child struct {
	ID   id.ID
	Size uint64
}

// encodeLeaf produces the canonical body for a leaf blob containing data.
func encodeLeaf(data []byte) []byte {
	enc := id.NewEncoder()
	enc.WriteUint8(uint8(tagLeaf))
	enc.WriteBytes(data)
	return enc.Bytes()
}

// encodeBranch produces the canonical body for a branch blob over
// children, in order.
func encodeBranch(children []Child) []byte {
	enc := id.NewEncoder()
	enc.WriteUint8(uint8(tagBranch))
	enc.WriteUint64(uint64(len(children)))
	for _, c := range children {
		enc.WriteID(c.ID)
		enc.WriteUint64(c.Size)
	}
	return enc.Bytes()
}

// node is the decoded form of a blob object body, used internally by the
// reader (to descend the tree) and by Size.
type node struct {
	tag      nodeTag
	leaf     []byte
	children []Child
}

func decodeNode(body []byte) (node, error) {
	dec, err := id.NewDecoder(body)
	if err != nil {
		return node{}, cerr.Invalidf(component, "decode blob: %w", err)
	}
	tag := nodeTag(dec.ReadUint8())
	switch tag {
	case tagLeaf:
		data := dec.ReadBytes()
		if dec.Err() != nil {
			return node{}, cerr.Invalidf(component, "decode leaf: %w", dec.Err())
		}
		return node{tag: tagLeaf, leaf: data}, nil
	case tagBranch:
		n := dec.ReadUint64()
		children := make([]Child, 0, n)
		for i := uint64(0); i < n; i++ {
			cid := dec.ReadID()
			size := dec.ReadUint64()
			children = append(children, Child{ID: cid, Size: size})
		}
		if dec.Err() != nil {
			return node{}, cerr.Invalidf(component, "decode branch: %w", dec.Err())
		}
		return node{tag: tagBranch, children: children}, nil
	default:
		return node{}, cerr.Invalidf(component, "decode blob: unknown tag %d", tag)
	}
}

// Size returns the total byte length a blob node represents.
func (n node) Size() uint64 {
	if n.tag == tagLeaf {
		return uint64(len(n.leaf))
	}
	var total uint64
	for _, c := range n.children {
		total += c.Size
	}
	return total
}

// fetchNode loads and decodes the object for i, verifying its hash
// matches i (spec's CorruptBlob failure mode).
func fetchNode(ctx context.Context, s store.Store, i id.ID) (node, error) {
	body, err := s.Get(ctx, i)
	if err != nil {
		return node{}, err
	}
	if computed := id.Of(id.KindBlob, body); !computed.Equal(i) {
		return node{}, cerr.New(cerr.InvalidInput, component, fmt.Errorf("%w: %s", ErrCorrupt, i))
	}
	return decodeNode(body)
}
