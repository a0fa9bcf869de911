// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package mountfs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/reposcape/reposcape/lib/identifier"
)

type nodeKind int

const (
	kindRoot nodeKind = iota
	kindOwner
	kindPassthrough

	numNodeKinds = kindPassthrough + 1
)

func (k nodeKind) String() string {
	switch k {
	case kindRoot:
		return "root"
	case kindOwner:
		return "owner"
	default:
		return "passthrough"
	}
}

// writeOp identifies one of the write-class handlers every Node
// rejects with EROFS, for the once-per-kind debug logging spec.md's
// write-denial contract asks for.
type writeOp int

const (
	opCreate writeOp = iota
	opMkdir
	opUnlink
	opRmdir
	opRename
	opWrite
	opSetattr
	opSymlink
	opLink

	numWriteOps
)

func (op writeOp) String() string {
	switch op {
	case opCreate:
		return "Create"
	case opMkdir:
		return "Mkdir"
	case opUnlink:
		return "Unlink"
	case opRmdir:
		return "Rmdir"
	case opRename:
		return "Rename"
	case opWrite:
		return "Write"
	case opSetattr:
		return "Setattr"
	case opSymlink:
		return "Symlink"
	case opLink:
		return "Link"
	default:
		return "unknown"
	}
}

// Node is the single InodeEmbedder type backing every entry in the
// mount: the synthesized root and owner directories, and every
// passthrough entry rooted at a repository's currently published
// generation. Which operations the kernel actually issues against a
// given instance is governed by the mode reported at Lookup/Getattr
// time, not by nodeKind, so one type can implement the full surface
// the way a single loopback node would.
type Node struct {
	gofuse.Inode

	fs   *filesystem
	kind nodeKind

	// owner is set for kindOwner nodes.
	owner identifier.Owner

	// key and generation identify which repository and generation a
	// kindPassthrough subtree belongs to, for staleness checks and
	// reference counting. realPath is the absolute host path this
	// node mirrors.
	key        identifier.RepoKey
	generation identifier.GenerationId
	realPath   string

	// bound is true for the single passthrough node created directly
	// under a repo's owner (the generation's root); only that node
	// acquires and releases the generation reference, since it is the
	// node whose lookup triggered EnsureCurrent in the first place.
	bound bool
}

var (
	_ gofuse.InodeEmbedder   = (*Node)(nil)
	_ gofuse.NodeLookuper    = (*Node)(nil)
	_ gofuse.NodeReaddirer   = (*Node)(nil)
	_ gofuse.NodeGetattrer   = (*Node)(nil)
	_ gofuse.NodeOpener      = (*Node)(nil)
	_ gofuse.NodeReader      = (*Node)(nil)
	_ gofuse.NodeReadlinker  = (*Node)(nil)
	_ gofuse.NodeStatfser    = (*Node)(nil)
	_ gofuse.NodeOnForgetter = (*Node)(nil)

	_ gofuse.NodeCreater   = (*Node)(nil)
	_ gofuse.NodeMkdirer   = (*Node)(nil)
	_ gofuse.NodeUnlinker  = (*Node)(nil)
	_ gofuse.NodeRmdirer   = (*Node)(nil)
	_ gofuse.NodeRenamer   = (*Node)(nil)
	_ gofuse.NodeWriter    = (*Node)(nil)
	_ gofuse.NodeSetattrer = (*Node)(nil)
	_ gofuse.NodeSymlinker = (*Node)(nil)
	_ gofuse.NodeLinker    = (*Node)(nil)
)

// Lookup dispatches by kind: the root resolves an owner segment, an
// owner resolves a repo segment (materializing it via EnsureCurrent),
// and a passthrough node resolves a real child underneath realPath.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (node *gofuse.Inode, errno syscall.Errno) {
	n.logEntry("Lookup", name)
	defer func() { n.logErrno("Lookup", errno) }()

	switch n.kind {
	case kindRoot:
		return n.lookupOwner(ctx, name, out)
	case kindOwner:
		return n.lookupRepo(ctx, name, out)
	default:
		return n.lookupPassthrough(ctx, name, out)
	}
}

func (n *Node) lookupOwner(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	owner, err := identifier.NewOwner(name)
	if err != nil {
		return nil, syscall.ENOENT
	}

	child := &Node{fs: n.fs, kind: kindOwner, owner: owner}
	scanTime := time.Now()
	out.Mode = syscall.S_IFDIR | 0o555
	out.Nlink = 2
	out.SetTimes(nil, &scanTime, nil)
	out.SetEntryTimeout(n.fs.entryTTL)
	out.SetAttrTimeout(n.fs.virtualTTL)
	return n.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *Node) lookupRepo(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	repo, err := identifier.NewRepo(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	key := identifier.RepoKey{Owner: n.owner, Repo: repo}

	dir, err := n.fs.cache.EnsureCurrent(ctx, key)
	if err != nil {
		return nil, translateCacheError(n.fs.logger, err)
	}

	generation, err := identifier.ParseGenerationId(filepath.Base(dir))
	if err != nil {
		n.fs.logger.Error("generation directory has an unparseable name", "path", dir, "error", err)
		return nil, syscall.EIO
	}

	child := &Node{fs: n.fs, kind: kindPassthrough, key: key, generation: generation, realPath: dir, bound: true}
	n.fs.cache.AcquireGeneration(key, generation)

	info, statErr := os.Lstat(dir)
	if statErr != nil {
		n.fs.cache.ReleaseGeneration(key, generation)
		return nil, syscall.ESTALE
	}
	fillEntry(out, info)
	out.SetEntryTimeout(PassthroughAttrTTL)
	out.SetAttrTimeout(PassthroughAttrTTL)

	return n.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *Node) lookupPassthrough(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.checkStale(); errno != 0 {
		return nil, errno
	}

	childPath := filepath.Join(n.realPath, name)
	info, err := os.Lstat(childPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, syscall.EIO
	}

	child := &Node{fs: n.fs, kind: kindPassthrough, key: n.key, generation: n.generation, realPath: childPath}
	fillEntry(out, info)
	out.SetEntryTimeout(PassthroughAttrTTL)
	out.SetAttrTimeout(PassthroughAttrTTL)

	mode := uint32(syscall.S_IFREG)
	switch {
	case info.IsDir():
		mode = syscall.S_IFDIR
	case info.Mode()&os.ModeSymlink != 0:
		mode = syscall.S_IFLNK
	}
	return n.NewPersistentInode(ctx, child, gofuse.StableAttr{Mode: mode}), 0
}

// debugPath returns a human-readable identifier for this node used in
// log lines: the synthesized path for virtual nodes, the real host
// path for passthrough ones.
func (n *Node) debugPath() string {
	switch n.kind {
	case kindRoot:
		return "/"
	case kindOwner:
		return n.owner.String()
	default:
		return n.realPath
	}
}

// logEntry emits a debug line on entry to a handler, naming the
// operation, the node's kind, and the child name being resolved (if
// any).
func (n *Node) logEntry(op string, args ...string) {
	fields := []any{"op", op, "kind", n.kind.String(), "path", n.debugPath()}
	if len(args) > 0 {
		fields = append(fields, "name", args[0])
	}
	n.fs.logger.Debug("fuse handler", fields...)
}

// logErrno logs a non-ENOENT, non-success errno at warn level. ENOENT
// is the ordinary "no such file" outcome of a Lookup miss and is not
// worth a log line at every call.
func (n *Node) logErrno(op string, errno syscall.Errno) {
	if errno == 0 || errno == syscall.ENOENT {
		return
	}
	n.fs.logger.Warn("fuse handler returned an error", "op", op, "kind", n.kind.String(), "path", n.debugPath(), "errno", errno.Error())
}

// checkStale reports ESTALE when a passthrough node's own backing
// path has disappeared from under it, e.g. because retention deleted
// its generation after the kernel's attribute cache expired but
// before this node itself was forgotten.
func (n *Node) checkStale() syscall.Errno {
	if n.kind != kindPassthrough {
		return 0
	}
	if _, err := os.Lstat(n.realPath); err != nil {
		return syscall.ESTALE
	}
	return 0
}

// Getattr fills in file attributes for both virtual and passthrough
// nodes.
func (n *Node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	n.logEntry("Getattr")
	defer func() { n.logErrno("Getattr", errno) }()

	switch n.kind {
	case kindRoot, kindOwner:
		scanTime := time.Now()
		out.Mode = syscall.S_IFDIR | 0o555
		out.Nlink = 2
		out.SetTimes(nil, &scanTime, nil)
		out.SetTimeout(n.fs.virtualTTL)
		return 0
	default:
		if errno := n.checkStale(); errno != 0 {
			return errno
		}
		info, err := os.Lstat(n.realPath)
		if err != nil {
			return syscall.ESTALE
		}
		fillAttr(&out.Attr, info)
		out.SetTimeout(PassthroughAttrTTL)
		return 0
	}
}

// Readdir lists the root's known owners, an owner's known
// repositories, or a passthrough directory's real children.
func (n *Node) Readdir(ctx context.Context) (stream gofuse.DirStream, errno syscall.Errno) {
	n.logEntry("Readdir")
	defer func() { n.logErrno("Readdir", errno) }()

	switch n.kind {
	case kindRoot:
		return n.readdirRoot()
	case kindOwner:
		return n.readdirOwner()
	default:
		return n.readdirPassthrough()
	}
}

func (n *Node) readdirRoot() (gofuse.DirStream, syscall.Errno) {
	statuses := n.fs.cache.List()
	seen := make(map[string]bool)
	var entries []fuse.DirEntry
	for _, status := range statuses {
		display := status.Key.Owner.String()
		key := status.Key.Owner.Lower()
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, fuse.DirEntry{Name: display, Mode: syscall.S_IFDIR})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &sliceDirStream{entries: entries}, 0
}

func (n *Node) readdirOwner() (gofuse.DirStream, syscall.Errno) {
	statuses := n.fs.cache.List()
	var entries []fuse.DirEntry
	for _, status := range statuses {
		if !status.Key.Owner.Equal(n.owner) {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: status.Key.Repo.String(), Mode: syscall.S_IFDIR})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &sliceDirStream{entries: entries}, 0
}

func (n *Node) readdirPassthrough() (gofuse.DirStream, syscall.Errno) {
	if errno := n.checkStale(); errno != 0 {
		return nil, errno
	}

	dirEntries, err := os.ReadDir(n.realPath)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		mode := uint32(syscall.S_IFREG)
		info, err := entry.Info()
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			mode = syscall.S_IFLNK
		} else if entry.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: entry.Name(), Mode: mode})
	}
	return &sliceDirStream{entries: entries}, 0
}

// Open rejects any write intent and otherwise defers to the kernel
// page cache, since a published generation is immutable for its
// lifetime.
func (n *Node) Open(ctx context.Context, flags uint32) (fh gofuse.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	n.logEntry("Open")
	defer func() { n.logErrno("Open", errno) }()

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if errno := n.checkStale(); errno != 0 {
		return nil, 0, errno
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

// Read serves file content directly from the host path; there is no
// need for a stateful file handle since the underlying file never
// changes once its generation is published.
func (n *Node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (result fuse.ReadResult, errno syscall.Errno) {
	n.logEntry("Read")
	defer func() { n.logErrno("Read", errno) }()

	if errno := n.checkStale(); errno != 0 {
		return nil, errno
	}

	file, err := os.Open(n.realPath)
	if err != nil {
		return nil, syscall.EIO
	}
	defer file.Close()

	count, err := file.ReadAt(dest, off)
	if err != nil && count == 0 && err.Error() != "EOF" {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:count]), 0
}

// Readlink returns a symlink's target as recorded in the checked-out
// generation.
func (n *Node) Readlink(ctx context.Context) (target []byte, errno syscall.Errno) {
	n.logEntry("Readlink")
	defer func() { n.logErrno("Readlink", errno) }()

	if errno := n.checkStale(); errno != 0 {
		return nil, errno
	}
	linkTarget, err := os.Readlink(n.realPath)
	if err != nil {
		return nil, syscall.EIO
	}
	return []byte(linkTarget), 0
}

// Statfs reports the mount as read-only with zero free space: spec.md
// §4.4 asks for exactly this, regardless of how much room the
// underlying cache filesystem actually has, so tools like df never
// suggest writes could succeed. Blocks/Files/Bsize still reflect the
// real backing filesystem so total-capacity figures are meaningful.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) (errno syscall.Errno) {
	n.logEntry("Statfs")
	defer func() { n.logErrno("Statfs", errno) }()

	var st syscall.Statfs_t
	if err := syscall.Statfs(n.fs.cache.Root(), &st); err != nil {
		return syscall.EIO
	}
	out.Blocks = st.Blocks
	out.Bfree = 0
	out.Bavail = 0
	out.Files = st.Files
	out.Ffree = 0
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Bsize)
	return 0
}

// OnForget releases this node's binding on the generation it belongs
// to, allowing the retention sweep to eventually delete it once no
// other passthrough node still references it.
func (n *Node) OnForget() {
	if n.bound {
		n.fs.cache.ReleaseGeneration(n.key, n.generation)
	}
}

// --- write-class surface: every mutating operation is rejected. ---

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n.fs.logEROFSOnce(n.kind, opCreate)
	return nil, nil, 0, syscall.EROFS
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fs.logEROFSOnce(n.kind, opMkdir)
	return nil, syscall.EROFS
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	n.fs.logEROFSOnce(n.kind, opUnlink)
	return syscall.EROFS
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.fs.logEROFSOnce(n.kind, opRmdir)
	return syscall.EROFS
}

func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	n.fs.logEROFSOnce(n.kind, opRename)
	return syscall.EROFS
}

func (n *Node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.fs.logEROFSOnce(n.kind, opWrite)
	return 0, syscall.EROFS
}

func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.fs.logEROFSOnce(n.kind, opSetattr)
	return syscall.EROFS
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fs.logEROFSOnce(n.kind, opSymlink)
	return nil, syscall.EROFS
}

func (n *Node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.fs.logEROFSOnce(n.kind, opLink)
	return nil, syscall.EROFS
}

func fillEntry(out *fuse.EntryOut, info os.FileInfo) {
	fillAttr(&out.Attr, info)
}

func fillAttr(attr *fuse.Attr, info os.FileInfo) {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode |= syscall.S_IFDIR
	case info.Mode()&os.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	default:
		mode |= syscall.S_IFREG
	}
	attr.Mode = mode
	attr.Size = uint64(info.Size())
	attr.Blocks = (attr.Size + 511) / 512
	mtime := info.ModTime()
	attr.SetTimes(nil, &mtime, nil)
}
