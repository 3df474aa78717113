// Package store implements the content-addressed object store (spec.md
// §4.2): atomic put/get/head over an immutable object DAG, with a
// mark-and-sweep clean() triggered explicitly by callers.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

const component = "store"

// Store is the capability set the rest of the engine depends on. Both the
// on-disk implementation here and a remote (HTTP) client satisfy it, so
// the evaluator and run scheduler can take it polymorphically (spec.md
// §9, "dynamic dispatch (client vs server)").
type Store interface {
	Head(ctx context.Context, i id.ID) (bool, error)
	Get(ctx context.Context, i id.ID) ([]byte, error)
	Put(ctx context.Context, i id.ID, body []byte) error
	Clean(ctx context.Context, liveRoots []id.ID) error
}

// FileStore is a flat, file-per-object layout under <root>/objects/,
// sharded by kind and the first two hex digits of the digest — the same
// shape distribution/distribution uses for its blob store
// (other_examples/.../registry-storage-paths.go.go), adapted to our
// "<kind>/<shard>/<digest>" keys instead of "<algorithm>/<shard>/<digest>".
type FileStore struct {
	root string
}

// NewFileStore opens (creating if necessary) an on-disk object store
// rooted at dir/objects.
func NewFileStore(dir string) (*FileStore, error) {
	objRoot := filepath.Join(dir, "objects")
	if err := os.MkdirAll(objRoot, 0o750); err != nil {
		return nil, cerr.IOf(component, err)
	}
	return &FileStore{root: objRoot}, nil
}

func (s *FileStore) pathFor(i id.ID) string {
	digest := hex.EncodeToString(i.Digest())
	shard := digest[:2]
	return filepath.Join(s.root, string(i.Kind()), shard, digest)
}

// Head reports whether an object is present.
func (s *FileStore) Head(ctx context.Context, i id.ID) (bool, error) {
	_, err := os.Stat(s.pathFor(i))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, cerr.IOf(component, err)
}

// Get retrieves an object's bytes.
func (s *FileStore) Get(ctx context.Context, i id.ID) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(i))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cerr.NotFoundf(component, "object %s", i)
		}
		return nil, cerr.IOf(component, err)
	}
	return b, nil
}

// Put verifies hash(body) == i and that every identifier referenced in
// body already exists in the store, then atomically writes the object.
// If any referenced identifier is missing, no state changes and the
// missing set is returned via a MissingChildren error.
func (s *FileStore) Put(ctx context.Context, i id.ID, body []byte) error {
	if computed := id.Of(i.Kind(), body); !computed.Equal(i) {
		return cerr.Invalidf(component, "put %s: body hashes to %s", i, computed)
	}

	refs := ExtractReferences(body)
	var missing []id.ID
	for _, ref := range refs {
		ok, err := s.Head(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return cerr.Missing(component, missing)
	}

	dst := s.pathFor(i)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return cerr.IOf(component, err)
	}

	// Write-then-rename for atomicity: concurrent puts of the same
	// identifier are equivalent (spec §5 "object-store puts are atomic
	// per object"), so a lost race between two identical writes is fine.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return cerr.IOf(component, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return cerr.IOf(component, err)
	}
	if err := tmp.Close(); err != nil {
		return cerr.IOf(component, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return cerr.IOf(component, err)
	}
	slog.DebugContext(ctx, "store.Put", "id", i.String(), "bytes", len(body))
	return nil
}

// Clean removes objects unreachable from liveRoots. It is best-effort
// mark-and-sweep: any error walking a subtree is logged and that subtree
// is left alone rather than aborting the whole sweep.
func (s *FileStore) Clean(ctx context.Context, liveRoots []id.ID) error {
	live := make(map[string]bool)
	for _, root := range liveRoots {
		s.mark(ctx, root, live)
	}

	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.ErrorContext(ctx, "store.Clean walk", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		digest := filepath.Base(path)
		kind := filepath.Base(filepath.Dir(filepath.Dir(path)))
		key := kind + "_" + digest
		if !live[key] {
			if err := os.Remove(path); err != nil {
				slog.ErrorContext(ctx, "store.Clean remove", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (s *FileStore) mark(ctx context.Context, i id.ID, live map[string]bool) {
	key := string(i.Kind()) + "_" + hex.EncodeToString(i.Digest())
	if live[key] {
		return
	}
	live[key] = true
	body, err := s.Get(ctx, i)
	if err != nil {
		slog.ErrorContext(ctx, "store.Clean mark", "id", i.String(), "error", err)
		return
	}
	for _, ref := range ExtractReferences(body) {
		s.mark(ctx, ref, live)
	}
}
