// Package vfs implements the abstract virtual filesystem projection
// model (spec.md §4.5): a lazily-materialized, read-only tree rooted at
// a mount point, where accessing <mount>/<artifact_id>/... on-demand
// materializes the artifact and recursively its references without an
// up-front check-out. Transport-specific servers (vfs/fusefs for Linux,
// vfs/nfsd for macOS) sit on top of this model.
package vfs

import (
	"context"
	"sync"

	"github.com/crucible-build/crucible/artifact"
	"github.com/crucible-build/crucible/blob"
	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

const component = "vfs"

// NodeKind distinguishes the four node kinds the abstract model defines.
type NodeKind int

const (
	NodeRoot NodeKind = iota
	NodeDirectory
	NodeFile
	NodeSymlink
)

// Node is a single lazily-created entry in the projection tree. Nodes
// are created at most once per (parent, name) pair (lookup is memoized)
// and are never invalidated, since artifacts are immutable.
type Node struct {
	Kind     NodeKind
	Name     string // empty for Root
	Artifact id.ID  // zero for Root
	Depth    int    // ancestor count to reach the mount root; used for symlink rendering

	size uint64 // cached for File nodes

	mu       sync.Mutex
	children map[string]*Node // populated lazily for Directory/Root nodes
}

// Handle is per-open-file state: a blob reader positioned independently
// per handle, closed on release.
type Handle struct {
	Reader *blob.Reader
}

// FS is one mounted projection instance. Node creation and handle
// registration are serialized under a single lock; data reads run
// without the global lock, guarded only by each reader's own state
// (spec.md "Concurrency").
type FS struct {
	store store.Store

	mu   sync.Mutex
	root *Node
}

// New creates a projection over s, rooted at an empty Root node.
func New(s store.Store) *FS {
	return &FS{store: s, root: &Node{Kind: NodeRoot, children: make(map[string]*Node)}}
}

// Root returns the mount's root node.
func (f *FS) Root() *Node { return f.root }

// Lookup resolves name under parent, creating the corresponding node on
// first access. Under Root, name is parsed as an artifact identifier;
// under a Directory node, it is resolved against the directory's
// decoded entries.
func (f *FS) Lookup(ctx context.Context, parent *Node, name string) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if parent.children == nil {
		if err := f.populate(ctx, parent); err != nil {
			return nil, err
		}
	}
	if child, ok := parent.children[name]; ok {
		return child, nil
	}

	if parent.Kind == NodeRoot {
		artifactID, err := id.Parse(name)
		if err != nil {
			return nil, cerr.NotFoundf(component, "lookup %q: not an artifact id", name)
		}
		child, err := f.newNode(ctx, name, artifactID, 0)
		if err != nil {
			return nil, err
		}
		parent.children[name] = child
		return child, nil
	}

	return nil, cerr.NotFoundf(component, "lookup %q under %q", name, parent.Name)
}

// populate fills a Directory/Root node's children map from its decoded
// artifact, creating a child Node for every entry at once (decoding each
// entry's artifact); Lookup then serves children from that map.
func (f *FS) populate(ctx context.Context, n *Node) error {
	n.children = make(map[string]*Node)
	if n.Kind == NodeRoot {
		return nil
	}
	body, err := f.store.Get(ctx, n.Artifact)
	if err != nil {
		return err
	}
	a, err := artifact.Decode(body)
	if err != nil {
		return err
	}
	if a.Kind != artifact.KindDirectory {
		return nil
	}
	for _, e := range a.Directory.Entries {
		child, err := f.newNode(ctx, e.Name, e.ID, n.Depth+1)
		if err != nil {
			return err
		}
		n.children[e.Name] = child
	}
	return nil
}

func (f *FS) newNode(ctx context.Context, name string, artifactID id.ID, depth int) (*Node, error) {
	body, err := f.store.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	a, err := artifact.Decode(body)
	if err != nil {
		return nil, err
	}

	n := &Node{Name: name, Artifact: artifactID, Depth: depth}
	switch a.Kind {
	case artifact.KindDirectory:
		n.Kind = NodeDirectory
	case artifact.KindFile:
		n.Kind = NodeFile
		size, err := blob.Size(ctx, f.store, a.File.BlobID)
		if err != nil {
			return nil, err
		}
		n.size = size
	case artifact.KindSymlink:
		n.Kind = NodeSymlink
	}
	return n, nil
}

// Size returns a File node's byte length.
func (n *Node) Size() uint64 { return n.size }

// ReadDir returns ".", "..", and the directory's child names, populating
// the node's children if this is the first access.
func (f *FS) ReadDir(ctx context.Context, n *Node) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.children == nil {
		if err := f.populate(ctx, n); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(n.children)+2)
	names = append(names, ".", "..")
	for name := range n.children {
		names = append(names, name)
	}
	return names, nil
}

// Open returns a fresh per-handle blob reader over a File node.
func (f *FS) Open(ctx context.Context, n *Node) (*Handle, error) {
	if n.Kind != NodeFile {
		return nil, cerr.Invalidf(component, "open: %q is not a file", n.Name)
	}
	body, err := f.store.Get(ctx, n.Artifact)
	if err != nil {
		return nil, err
	}
	a, err := artifact.Decode(body)
	if err != nil {
		return nil, err
	}
	r, err := blob.NewReader(ctx, f.store, a.File.BlobID)
	if err != nil {
		return nil, err
	}
	return &Handle{Reader: r}, nil
}

// Read services a read at off into dest using h's reader.
func (h *Handle) Read(dest []byte, off int64) (int, error) {
	if _, err := h.Reader.Seek(off, 0); err != nil {
		return 0, err
	}
	return h.Reader.Read(dest)
}

// Readlink renders a Symlink node's target template, substituting each
// artifact component with a path of the form "../../…/<id>" whose
// ancestor count equals the node's depth, so resolution lands back at
// <mount>/<id> (spec.md §4.5).
func (f *FS) Readlink(ctx context.Context, n *Node) (string, error) {
	if n.Kind != NodeSymlink {
		return "", cerr.Invalidf(component, "readlink: %q is not a symlink", n.Name)
	}
	body, err := f.store.Get(ctx, n.Artifact)
	if err != nil {
		return "", err
	}
	a, err := artifact.Decode(body)
	if err != nil {
		return "", err
	}

	var out string
	for _, c := range a.Symlink.Components {
		if !c.IsRef {
			out += c.Literal
			continue
		}
		out += ancestorPrefix(n.Depth) + c.ArtifactRef.String()
	}
	return out, nil
}

func ancestorPrefix(depth int) string {
	var out string
	for i := 0; i < depth; i++ {
		out += "../"
	}
	return out
}
