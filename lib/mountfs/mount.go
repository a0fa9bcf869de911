// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/reposcape/reposcape/lib/reposcache"
)

// VirtualEntryTTL and PassthroughAttrTTL match spec.md §4.4: virtual nodes (root, owner
// directories) are cheap to recompute and get a short TTL; passthrough
// nodes reflect an immutable generation once bound and can tolerate a
// longer one.
const (
	VirtualEntryTTL    = 5 * time.Second
	PassthroughAttrTTL = 30 * time.Second
)

// Options configures the mount.
type Options struct {
	// Mountpoint is the directory the filesystem is mounted onto.
	Mountpoint string

	// Cache resolves owner/repo pairs to generation directories.
	Cache *reposcache.Cache

	// EntryCacheTTL and AttrCacheTTL configure how long the kernel
	// trusts a lookup/attribute result for virtual (root, owner)
	// entries before re-asking. Passthrough entries always use
	// PassthroughAttrTTL, since they mirror an immutable generation.
	// Zero uses VirtualEntryTTL for both.
	EntryCacheTTL time.Duration
	AttrCacheTTL  time.Duration

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a logger that
	// discards everything below Error is used.
	Logger *slog.Logger
}

// Mount mounts the reposcape filesystem at options.Mountpoint. The
// caller must call Unmount (or Server.Unmount) on the returned server
// when done. The mountpoint directory is created if missing.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if options.EntryCacheTTL <= 0 {
		options.EntryCacheTTL = VirtualEntryTTL
	}
	if options.AttrCacheTTL <= 0 {
		options.AttrCacheTTL = VirtualEntryTTL
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &Node{fs: &filesystem{
		cache:      options.Cache,
		logger:     options.Logger,
		entryTTL:   options.EntryCacheTTL,
		virtualTTL: options.AttrCacheTTL,
	}, kind: kindRoot}

	negativeTimeout := 2 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.EntryCacheTTL,
		AttrTimeout:     &options.AttrCacheTTL,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "reposcape",
			Name:       "reposcape",
			AllowOther: options.AllowOther,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("reposcape mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// filesystem holds the state shared by every node in the tree.
type filesystem struct {
	cache  *reposcache.Cache
	logger *slog.Logger

	// entryTTL and virtualTTL configure the timeout reported for
	// synthesized root/owner entries; passthrough entries always use
	// PassthroughAttrTTL.
	entryTTL   time.Duration
	virtualTTL time.Duration

	// writeOnce de-duplicates the debug log line emitted the first
	// time a given (nodeKind, writeOp) pair is rejected with EROFS, so
	// a client retrying a write doesn't flood the log.
	writeOnce [numNodeKinds][numWriteOps]sync.Once
}

// logEROFSOnce emits a single debug line the first time write op is
// attempted against a node of the given kind.
func (fs *filesystem) logEROFSOnce(kind nodeKind, op writeOp) {
	fs.writeOnce[kind][op].Do(func() {
		fs.logger.Debug("write-class operation rejected on read-only mount", "kind", kind.String(), "op", op.String())
	})
}
