package artifact

import (
	"context"
	"os"
	"path/filepath"
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

func TestEncodeDecodeDirectoryRoundTrip(t *testing.T) {
	a := Artifact{Kind: KindDirectory, Directory: Directory{Entries: []DirEntry{
		{Name: "b.txt", ID: id.Of(id.KindFile, []byte("b"))},
		{Name: "a.txt", ID: id.Of(id.KindFile, []byte("a"))},
	}}}
	body := Encode(a)
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Directory.Entries) != 2 || got.Directory.Entries[0].Name != "a.txt" {
		t.Fatalf("entries not sorted: %+v", got.Directory.Entries)
	}
}

func TestEncodeDecodeFileRoundTrip(t *testing.T) {
	blobID := id.Of(id.KindBlob, []byte("hello"))
	refID := id.Of(id.KindFile, []byte("other"))
	a := Artifact{Kind: KindFile, File: File{BlobID: blobID, Executable: true, References: []id.ID{refID}}}
	body := Encode(a)
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.File.BlobID.Equal(blobID) || !got.File.Executable || len(got.File.References) != 1 {
		t.Fatalf("round trip mismatch: %+v", got.File)
	}
}

func TestEncodeDecodeSymlinkRoundTrip(t *testing.T) {
	ref := id.Of(id.KindFile, []byte("target"))
	a := Artifact{Kind: KindSymlink, Symlink: Symlink{Components: []TemplateComponent{
		{Literal: "prefix-"},
		{IsRef: true, ArtifactRef: ref},
	}}}
	body := Encode(a)
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Symlink.Components) != 2 || !got.Symlink.Components[1].ArtifactRef.Equal(ref) {
		t.Fatalf("round trip mismatch: %+v", got.Symlink.Components)
	}
}

func TestCheckInSingleFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, path)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if artifactID.Kind() != id.KindFile {
		t.Fatalf("kind = %v, want file", artifactID.Kind())
	}

	body, err := s.Get(ctx, artifactID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.File.Executable {
		t.Fatalf("expected non-executable file")
	}
}

func TestCheckInExecutableBit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, path)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	body, err := s.Get(ctx, artifactID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !a.File.Executable {
		t.Fatalf("expected executable file")
	}
}

func TestCheckInFileReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()

	embedded := id.Of(id.KindFile, []byte("embedded"))
	path := filepath.Join(dir, "config.txt")
	content := "refers to " + embedded.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, path)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	body, err := s.Get(ctx, artifactID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(a.File.References) != 1 || !a.File.References[0].Equal(embedded) {
		t.Fatalf("References = %v, want [%s]", a.File.References, embedded)
	}
}

func TestCheckInDirectoryRoundTripsThroughCheckOut(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	src := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("top\n"), 0o644); err != nil {
		t.Fatalf("write top: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "nested.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write nested: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, src)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	destRoot := t.TempDir()
	if err := CheckOut(ctx, s, destRoot, artifactID); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	outTop := filepath.Join(destRoot, artifactID.String(), "top.txt")
	gotTop, err := os.ReadFile(outTop)
	if err != nil {
		t.Fatalf("read checked-out top.txt: %v", err)
	}
	if string(gotTop) != "top\n" {
		t.Fatalf("top.txt = %q, want %q", gotTop, "top\n")
	}

	outNested := filepath.Join(destRoot, artifactID.String(), "sub", "nested.sh")
	info, err := os.Stat(outNested)
	if err != nil {
		t.Fatalf("stat checked-out nested.sh: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("nested.sh lost its executable bit on check-out")
	}
}

func TestCheckOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f.txt"), []byte("stable content\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, src)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	destRoot := t.TempDir()
	if err := CheckOut(ctx, s, destRoot, artifactID); err != nil {
		t.Fatalf("CheckOut 1: %v", err)
	}
	outPath := filepath.Join(destRoot, artifactID.String(), "f.txt")
	before, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if err := CheckOut(ctx, s, destRoot, artifactID); err != nil {
		t.Fatalf("CheckOut 2: %v", err)
	}
	after, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat after second check-out: %v", err)
	}
	if before.ModTime() != after.ModTime() {
		t.Fatalf("file was rewritten on idempotent check-out")
	}
}

func TestCheckInSymlinkWithReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dir := t.TempDir()

	target := id.Of(id.KindFile, []byte("link target"))
	linkPath := filepath.Join(dir, "link")
	if err := os.Symlink(target.String(), linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	artifactID, err := CheckIn(ctx, s, linkPath)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if artifactID.Kind() != id.KindSymlink {
		t.Fatalf("kind = %v, want symlink", artifactID.Kind())
	}
	body, err := s.Get(ctx, artifactID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	refs := a.References()
	if len(refs) != 1 || !refs[0].Equal(target) {
		t.Fatalf("symlink references = %v, want [%s]", refs, target)
	}
}
