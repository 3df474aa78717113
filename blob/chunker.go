package blob

import (
	"bufio"
	"context"
	"io"

	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

// Chunking parameters. MinChunkSize/MaxChunkSize bound each leaf; Fanout
// bounds how many (child id, size) pairs accumulate before being combined
// into a branch, which in turn bounds chunker memory to
// O(Fanout * log_Fanout(n)) as spec.md §4.3 requires. MaskBits controls
// the rolling-hash boundary probability: a boundary is declared when the
// low MaskBits bits of the gear hash are zero, which yields a mean chunk
// size near 2^MaskBits bytes once MinChunkSize is satisfied.
const (
	MinChunkSize = 16 * 1024
	MaxChunkSize = 256 * 1024
	MaskBits     = 16 // 2^16 = 64KiB mean chunk size
	Fanout       = 1024
)

var chunkMask uint64 = (1 << MaskBits) - 1

// gearTable is a fixed table of pseudo-random 64-bit values used by the
// gear-hash rolling hash (the same construction restic/casync use for
// content-defined chunking): hash = (hash<<1) + gearTable[b] for each
// input byte b. A boundary is declared when hash&chunkMask == 0.
var gearTable = buildGearTable()

func buildGearTable() [256]uint64 {
	// A small xorshift-based PRNG, seeded with a fixed constant, produces
	// a deterministic table: the chunker's output must be reproducible
	// across processes and machines for check-in determinism (spec.md
	// §8 "check-in is deterministic").
	var table [256]uint64
	x := uint64(0x9E3779B97F4A7C15)
	for i := range table {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		table[i] = x
	}
	return table
}

// Chunk reads all of r, splits it into content-defined chunks, stores
// each leaf and every combined branch in s, and returns the identifier of
// the root blob.
func Chunk(ctx context.Context, s store.Store, r io.Reader) (id.ID, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var pending [][]Child // pending[level] accumulates children awaiting combination into level+1
	var cur []byte
	var hash uint64
	var sawAny bool

	flushLeaf := func() error {
		sawAny = true
		body := encodeLeaf(cur)
		leafID := id.Of(id.KindBlob, body)
		if err := s.Put(ctx, leafID, body); err != nil {
			return err
		}
		if err := addChild(ctx, s, &pending, Child{ID: leafID, Size: uint64(len(cur))}, 0); err != nil {
			return err
		}
		cur = cur[:0]
		hash = 0
		return nil
	}

	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return id.ID{}, err
		}
		cur = append(cur, b)
		hash = (hash << 1) + gearTable[b]

		boundary := len(cur) >= MinChunkSize && (hash&chunkMask) == 0
		if boundary || len(cur) >= MaxChunkSize {
			if err := flushLeaf(); err != nil {
				return id.ID{}, err
			}
		}
	}
	if len(cur) > 0 || !sawAny {
		if err := flushLeaf(); err != nil {
			return id.ID{}, err
		}
	}

	return collapse(ctx, s, pending)
}

// addChild appends child to pending[level], combining into a branch and
// recursing to level+1 whenever pending[level] reaches Fanout.
func addChild(ctx context.Context, s store.Store, pending *[][]Child, child Child, level int) error {
	for len(*pending) <= level {
		*pending = append(*pending, nil)
	}
	(*pending)[level] = append((*pending)[level], child)
	if len((*pending)[level]) < Fanout {
		return nil
	}
	branchChild, err := combine(ctx, s, (*pending)[level])
	if err != nil {
		return err
	}
	(*pending)[level] = nil
	return addChild(ctx, s, pending, branchChild, level+1)
}

// combine stores children as a single branch blob and returns the
// (id, total size) pair representing it as a child one level up.
func combine(ctx context.Context, s store.Store, children []Child) (Child, error) {
	if len(children) == 1 {
		return children[0], nil
	}
	body := encodeBranch(children)
	branchID := id.Of(id.KindBlob, body)
	if err := s.Put(ctx, branchID, body); err != nil {
		return Child{}, err
	}
	var total uint64
	for _, c := range children {
		total += c.Size
	}
	return Child{ID: branchID, Size: total}, nil
}

// collapse combines every pending level, bottom-up, into the final root
// identifier.
func collapse(ctx context.Context, s store.Store, pending [][]Child) (id.ID, error) {
	var carry *Child
	for level := 0; level < len(pending); level++ {
		children := pending[level]
		if carry != nil {
			children = append(append([]Child{}, children...), *carry)
		}
		if len(children) == 0 {
			carry = nil
			continue
		}
		combined, err := combine(ctx, s, children)
		if err != nil {
			return id.ID{}, err
		}
		carry = &combined
	}
	if carry == nil {
		// Entirely empty stream: store a single empty leaf as the root.
		body := encodeLeaf(nil)
		leafID := id.Of(id.KindBlob, body)
		if err := s.Put(ctx, leafID, body); err != nil {
			return id.ID{}, err
		}
		return leafID, nil
	}
	return carry.ID, nil
}
