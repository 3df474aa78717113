package blob

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestChunkSmallInputIsSingleLeaf(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("hello\n")
	root, err := Chunk(ctx, s, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	size, err := Size(ctx, s, root)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != uint64(len(data)) {
		t.Fatalf("Size = %d, want %d", size, len(data))
	}

	got, err := ReadAll(ctx, s, root)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadAll = %q, want %q", got, data)
	}
}

func TestChunkEmptyInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := Chunk(ctx, s, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	size, err := Size(ctx, s, root)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size = %d, want 0", size)
	}
	got, err := ReadAll(ctx, s, root)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadAll = %q, want empty", got)
	}
}

func TestChunkLargeStreamSplitsAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := make([]byte, 4*1024*1024)
	rand.New(rand.NewSource(42)).Read(data)

	root, err := Chunk(ctx, s, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	n, err := fetchNode(ctx, s, root)
	if err != nil {
		t.Fatalf("fetchNode: %v", err)
	}
	if n.tag != tagBranch {
		t.Fatalf("root tag = %v, want branch for a 4MiB input", n.tag)
	}
	if len(n.children) < 2 {
		t.Fatalf("root has %d children, want at least 2 leaves worth of splitting", len(n.children))
	}

	got, err := ReadAll(ctx, s, root)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped bytes differ from input (len got=%d want=%d)", len(got), len(data))
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	ctx := context.Background()
	s1 := newTestStore(t)
	s2 := newTestStore(t)

	data := make([]byte, 1*1024*1024)
	rand.New(rand.NewSource(7)).Read(data)

	root1, err := Chunk(ctx, s1, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Chunk 1: %v", err)
	}
	root2, err := Chunk(ctx, s2, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Chunk 2: %v", err)
	}
	if !root1.Equal(root2) {
		t.Fatalf("chunking the same input twice gave different roots: %s vs %s", root1, root2)
	}
}

func TestReaderSeek(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := make([]byte, 2*1024*1024)
	rand.New(rand.NewSource(99)).Read(data)
	root, err := Chunk(ctx, s, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	r, err := NewReader(ctx, s, root)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	offset := int64(len(data) / 2)
	if _, err := r.Seek(offset, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read after seek: %v", err)
	}
	if !bytes.Equal(buf[:n], data[offset:offset+int64(n)]) {
		t.Fatalf("Read after seek returned wrong bytes")
	}
}

// tamperedStore wraps a Store and substitutes different bytes for one
// specific identifier on Get, simulating on-disk corruption or bit rot.
type tamperedStore struct {
	store.Store
	victim id.ID
	swapIn []byte
}

func (t *tamperedStore) Get(ctx context.Context, i id.ID) ([]byte, error) {
	if i.Equal(t.victim) {
		return t.swapIn, nil
	}
	return t.Store.Get(ctx, i)
}

func TestFetchNodeDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := Chunk(ctx, s, bytes.NewReader([]byte("some content")))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	tampered := &tamperedStore{Store: s, victim: root, swapIn: []byte("not the real bytes at all")}
	if _, err := fetchNode(ctx, tampered, root); err == nil {
		t.Fatalf("expected corruption error, got nil")
	}
}
