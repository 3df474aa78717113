package vfs

import (
	"context"
	"strings"
	"testing"

	"github.com/crucible-build/crucible/artifact"
	"github.com/crucible-build/crucible/blob"
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

func putArtifact(t *testing.T, ctx context.Context, s store.Store, a artifact.Artifact) id.ID {
	t.Helper()
	i := artifact.ID(a)
	if err := s.Put(ctx, i, artifact.Encode(a)); err != nil {
		t.Fatalf("Put artifact: %v", err)
	}
	return i
}

func putFile(t *testing.T, ctx context.Context, s store.Store, contents string, executable bool) id.ID {
	t.Helper()
	blobID, err := blob.Chunk(ctx, s, strings.NewReader(contents))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	return putArtifact(t, ctx, s, artifact.Artifact{
		Kind: artifact.KindFile,
		File: artifact.File{BlobID: blobID, Executable: executable},
	})
}

func TestLookupRootResolvesArtifactID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fileID := putFile(t, ctx, s, "hello world", false)

	fsys := New(s)
	n, err := fsys.Lookup(ctx, fsys.Root(), fileID.String())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n.Kind != NodeFile {
		t.Fatalf("Kind = %v, want NodeFile", n.Kind)
	}
	if n.Size() != uint64(len("hello world")) {
		t.Fatalf("Size = %d, want %d", n.Size(), len("hello world"))
	}
}

func TestLookupRootRejectsNonArtifactName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fsys := New(s)
	if _, err := fsys.Lookup(ctx, fsys.Root(), "not-an-id"); err == nil {
		t.Fatalf("expected an error for a non-artifact-id root entry")
	}
}

func TestLookupIsMemoized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fileID := putFile(t, ctx, s, "x", false)

	fsys := New(s)
	n1, err := fsys.Lookup(ctx, fsys.Root(), fileID.String())
	if err != nil {
		t.Fatalf("Lookup 1: %v", err)
	}
	n2, err := fsys.Lookup(ctx, fsys.Root(), fileID.String())
	if err != nil {
		t.Fatalf("Lookup 2: %v", err)
	}
	if n1 != n2 {
		t.Fatalf("expected the same *Node on repeated lookup")
	}
}

func TestReadDirListsEntriesWithDotAndDotDot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	childID := putFile(t, ctx, s, "child", false)
	dirID := putArtifact(t, ctx, s, artifact.Artifact{
		Kind:      artifact.KindDirectory,
		Directory: artifact.Directory{Entries: []artifact.DirEntry{{Name: "child.txt", ID: childID}}},
	})

	fsys := New(s)
	dirNode, err := fsys.Lookup(ctx, fsys.Root(), dirID.String())
	if err != nil {
		t.Fatalf("Lookup dir: %v", err)
	}
	names, err := fsys.ReadDir(ctx, dirNode)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	want := map[string]bool{".": true, "..": true, "child.txt": true}
	if len(names) != len(want) {
		t.Fatalf("ReadDir = %v, want entries %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected entry %q", n)
		}
	}
}

func TestOpenAndReadFileContents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fileID := putFile(t, ctx, s, "the quick brown fox", false)

	fsys := New(s)
	n, err := fsys.Lookup(ctx, fsys.Root(), fileID.String())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	h, err := fsys.Open(ctx, n)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, n.Size())
	got, err := h.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:got]) != "the quick brown fox" {
		t.Fatalf("Read = %q, want %q", buf[:got], "the quick brown fox")
	}
}

func TestReadlinkRendersAncestorPrefixMatchingDepth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	targetID := putFile(t, ctx, s, "target", false)
	symlinkID := putArtifact(t, ctx, s, artifact.Artifact{
		Kind: artifact.KindSymlink,
		Symlink: artifact.Symlink{Components: []artifact.TemplateComponent{
			{IsRef: true, ArtifactRef: targetID},
		}},
	})
	dirID := putArtifact(t, ctx, s, artifact.Artifact{
		Kind:      artifact.KindDirectory,
		Directory: artifact.Directory{Entries: []artifact.DirEntry{{Name: "link", ID: symlinkID}}},
	})

	fsys := New(s)
	dirNode, err := fsys.Lookup(ctx, fsys.Root(), dirID.String())
	if err != nil {
		t.Fatalf("Lookup dir: %v", err)
	}
	linkNode, err := fsys.Lookup(ctx, dirNode, "link")
	if err != nil {
		t.Fatalf("Lookup link: %v", err)
	}

	got, err := fsys.Readlink(ctx, linkNode)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	want := "../" + targetID.String()
	if got != want {
		t.Fatalf("Readlink = %q, want %q", got, want)
	}
}
