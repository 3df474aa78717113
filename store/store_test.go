package store

import (
	"context"
	"testing"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	body := []byte("hello\n")
	objID := id.Of(id.KindBlob, body)

	if err := s.Put(ctx, objID, body); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Head(ctx, objID)
	if err != nil || !ok {
		t.Fatalf("Head = %v, %v, want true, nil", ok, err)
	}
	got, err := s.Get(ctx, objID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("Get = %q, want %q", got, body)
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	missing := id.Of(id.KindBlob, []byte("nope"))
	if _, err := s.Get(ctx, missing); !errorIsKind(err, cerr.NotFound) {
		t.Fatalf("Get missing = %v, want NotFound", err)
	}
	ok, err := s.Head(ctx, missing)
	if err != nil || ok {
		t.Fatalf("Head missing = %v, %v, want false, nil", ok, err)
	}
}

func TestPutRejectsWrongHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wrongID := id.Of(id.KindBlob, []byte("other bytes"))
	if err := s.Put(ctx, wrongID, []byte("hello\n")); err == nil {
		t.Fatalf("expected error for mismatched hash")
	}
}

func TestPutFailsOnMissingChildAndMakesNoChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missingChild := id.Of(id.KindFile, []byte("nonexistent file"))
	body := []byte("directory referencing " + missingChild.String())
	dirID := id.Of(id.KindDirectory, body)

	err := s.Put(ctx, dirID, body)
	if err == nil {
		t.Fatalf("expected MissingChildren error")
	}
	kind, ok := cerr.Kindof(err)
	if !ok || kind != cerr.MissingChildren {
		t.Fatalf("err kind = %v, want MissingChildren", kind)
	}
	var cerrObj *cerr.Error
	if asErr, ok := err.(*cerr.Error); ok {
		cerrObj = asErr
	}
	if cerrObj == nil || len(cerrObj.Missing) != 1 || !cerrObj.Missing[0].Equal(missingChild) {
		t.Fatalf("missing set = %v, want [%s]", cerrObj, missingChild)
	}

	ok2, err := s.Head(ctx, dirID)
	if err != nil || ok2 {
		t.Fatalf("Head after failed put = %v, %v, want false, nil", ok2, err)
	}
}

func TestPutSucceedsOnceChildIsPresent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	childBody := []byte("child contents")
	childID := id.Of(id.KindFile, childBody)
	if err := s.Put(ctx, childID, childBody); err != nil {
		t.Fatalf("Put child: %v", err)
	}

	body := []byte("directory referencing " + childID.String())
	dirID := id.Of(id.KindDirectory, body)
	if err := s.Put(ctx, dirID, body); err != nil {
		t.Fatalf("Put parent: %v", err)
	}
}

func TestCleanRemovesUnreachableObjects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	liveBody := []byte("kept")
	liveID := id.Of(id.KindBlob, liveBody)
	deadBody := []byte("orphaned")
	deadID := id.Of(id.KindBlob, deadBody)

	if err := s.Put(ctx, liveID, liveBody); err != nil {
		t.Fatalf("Put live: %v", err)
	}
	if err := s.Put(ctx, deadID, deadBody); err != nil {
		t.Fatalf("Put dead: %v", err)
	}

	if err := s.Clean(ctx, []id.ID{liveID}); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	if ok, _ := s.Head(ctx, liveID); !ok {
		t.Fatalf("live object was swept")
	}
	if ok, _ := s.Head(ctx, deadID); ok {
		t.Fatalf("dead object survived clean")
	}
}

func errorIsKind(err error, want cerr.Kind) bool {
	got, ok := cerr.Kindof(err)
	return ok && got == want
}
