package taskeval

import (
	"context"
	"testing"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
	"github.com/crucible-build/crucible/target"
)

type fakeRunContext struct {
	s store.Store
}

func (f fakeRunContext) LogWrite(ctx context.Context, p []byte) error { return nil }

func (f fakeRunContext) CreateChildRun(ctx context.Context, child target.Target) (id.ID, error) {
	return id.ID{}, cerr.Invalidf(component, "not supported in this test")
}

func (f fakeRunContext) Store() store.Store { return f.s }

func newRunTaskTarget(t *testing.T, s store.Store, task target.Task) target.Target {
	t.Helper()
	ctx := context.Background()
	body := task.Encode()
	taskID := id.Of(id.KindTask, body)
	if err := s.Put(ctx, taskID, body); err != nil {
		t.Fatalf("put task: %v", err)
	}
	pkgID := id.Of(id.KindPackage, []byte("pkg"))
	if err := s.Put(ctx, pkgID, []byte("pkg")); err != nil {
		t.Fatalf("put package: %v", err)
	}
	return target.Target{
		PackageID:  pkgID,
		ModulePath: "mod",
		ExportName: RunTaskExport,
		Args:       []target.Value{{Kind: target.ValueBlob, ID: taskID}},
	}
}

func TestEvaluateRejectsNetworkWithoutUnsafeOrChecksum(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	task := target.Task{
		Host:       "x86_64-linux",
		Executable: target.Literal("/bin/true"),
		Network:    true,
	}
	tgt := newRunTaskTarget(t, s, task)

	_, err = Evaluator{}.Evaluate(ctx, tgt, fakeRunContext{s: s})
	if err == nil {
		t.Fatal("Evaluate should reject a networked task with neither Unsafe nor Checksum set")
	}
	if kind, ok := cerr.Kindof(err); !ok || kind != cerr.InvalidInput {
		t.Fatalf("error kind = %v, %v, want InvalidInput", kind, ok)
	}
}

func TestVerifyChecksumDetectsMismatch(t *testing.T) {
	want := target.Checksum("sha256", "0000000000000000000000000000000000000000000000000000000000000000")
	err := verifyChecksum(want, []byte("actual content"))
	if err == nil {
		t.Fatal("verifyChecksum should fail on a mismatched digest")
	}
	if kind, ok := cerr.Kindof(err); !ok || kind != cerr.ChecksumMismatch {
		t.Fatalf("error kind = %v, %v, want ChecksumMismatch", kind, ok)
	}
}

func TestVerifyChecksumAcceptsMatchingDigest(t *testing.T) {
	body := []byte("hello task output")
	// sha256("hello task output")
	want := target.Checksum("sha256", "fc2ded568b7136b461e7938cf440b427a89503bb7042e1570aaad0fcdf407310")
	if err := verifyChecksum(want, body); err != nil {
		t.Fatalf("verifyChecksum on a matching digest should succeed, got: %v", err)
	}
}

func TestVerifyChecksumRejectsUnsupportedAlgorithm(t *testing.T) {
	err := verifyChecksum(target.Checksum("md5", "abc"), []byte("x"))
	if err == nil {
		t.Fatal("verifyChecksum should reject a non-sha256 algorithm tag")
	}
	if kind, ok := cerr.Kindof(err); !ok || kind != cerr.InvalidInput {
		t.Fatalf("error kind = %v, %v, want InvalidInput", kind, ok)
	}
}
