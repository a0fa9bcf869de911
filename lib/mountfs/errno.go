// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"errors"
	"log/slog"
	"syscall"

	"github.com/reposcape/reposcape/lib/reposcache"
)

// translateCacheError maps a reposcache.Error to the errno the FUSE
// surface reports to the kernel, following the propagation table: a
// missing or invalid identifier looks like ENOENT, a credentials
// problem looks like EACCES, and anything transient or local looks
// like EIO. An on-disk invariant violation is also EIO, but is logged
// loudly first since it indicates the cache's own bookkeeping lied.
func translateCacheError(logger *slog.Logger, err error) syscall.Errno {
	var cacheErr *reposcache.Error
	if !errors.As(err, &cacheErr) {
		return syscall.EIO
	}

	switch cacheErr.Kind {
	case reposcache.InvalidIdentifier, reposcache.RepoNotFound:
		return syscall.ENOENT
	case reposcache.AuthRequired:
		return syscall.EACCES
	case reposcache.IntegrityError:
		logger.Error("cache integrity error surfaced at mount", "error", cacheErr)
		return syscall.EIO
	case reposcache.NetworkUnavailable, reposcache.TransportError, reposcache.FilesystemError, reposcache.LockTimeout:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
