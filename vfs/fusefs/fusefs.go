// Package fusefs mounts a vfs.FS projection over FUSE on Linux (spec.md
// §4.5's Linux transport), using github.com/hanwen/go-fuse/v2's
// high-level Node API. The node/entry/attribute idioms here follow the
// go-fuse filesystem examples retrieved for this project; mode bits and
// readlink rendering follow the reference task runtime's own FUSE server.
package fusefs

import (
	"context"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/crucible-build/crucible/vfs"
)

const component = "fusefs"

// node is the go-fuse InodeEmbedder for every entry in the projection:
// the root, directories, files, and symlinks all share one type,
// distinguished at runtime by the wrapped vfs.Node's Kind.
type node struct {
	gofuse.Inode

	fsys *vfs.FS
	vn   *vfs.Node
}

var (
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeReader     = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
)

func newNode(fsys *vfs.FS, vn *vfs.Node) *node {
	return &node{fsys: fsys, vn: vn}
}

func stableAttr(vn *vfs.Node) gofuse.StableAttr {
	switch vn.Kind {
	case vfs.NodeFile:
		return gofuse.StableAttr{Mode: syscall.S_IFREG}
	case vfs.NodeSymlink:
		return gofuse.StableAttr{Mode: syscall.S_IFLNK}
	default:
		return gofuse.StableAttr{Mode: syscall.S_IFDIR}
	}
}

// setAttr fills out with the node's mode and size, matching the
// reference implementation's fixed attribute scheme: directories
// 0o555, files 0o444, symlinks 0o444, no mtime tracking since artifacts
// are immutable. A file artifact's executable flag is not reflected in
// its mode.
func setAttr(vn *vfs.Node, out *fuse.Attr) {
	now := time.Now()
	switch vn.Kind {
	case vfs.NodeFile:
		out.Mode = syscall.S_IFREG | 0o444
		out.Size = vn.Size()
	case vfs.NodeSymlink:
		out.Mode = syscall.S_IFLNK | 0o444
	default:
		out.Mode = syscall.S_IFDIR | 0o555
	}
	out.SetTimes(&now, &now, &now)
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttr(n.vn, &out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, err := n.fsys.Lookup(ctx, n.vn, name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	setAttr(child, &out.Attr)
	out.SetEntryTimeout(time.Hour)
	out.SetAttrTimeout(time.Hour)
	childNode := newNode(n.fsys, child)
	return n.NewInode(ctx, childNode, stableAttr(child)), 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names, err := n.fsys.ReadDir(ctx, n.vn)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
			continue
		}
		child, err := n.fsys.Lookup(ctx, n.vn, name)
		if err != nil {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: stableAttr(child).Mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

// fileHandle pairs an open vfs.Handle with the go-fuse FileHandle
// interface; the go-fuse library keeps it alive for the lifetime of the
// open file descriptor and releases it on Release.
type fileHandle struct {
	h *vfs.Handle
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if n.vn.Kind != vfs.NodeFile {
		return nil, 0, syscall.EIO
	}
	h, err := n.fsys.Open(ctx, n.vn)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{h: h}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	read, err := fh.h.Read(dest, off)
	if err != nil && read == 0 {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(ctx, n.vn)
	if err != nil {
		return nil, syscall.EIO
	}
	return []byte(target), 0
}

// Mount starts serving fsys at mountpoint in the background and returns
// once it is mounted (spec.md "mounted read-only, unmounted on shutdown").
// The returned server's Unmount method stops it.
func Mount(mountpoint string, fsys *vfs.FS) (*fuse.Server, error) {
	root := newNode(fsys, fsys.Root())
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "crucible",
			Name:       "crucible",
			ReadOnly:   true,
			AllowOther: false,
		},
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}
