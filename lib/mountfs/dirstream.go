// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// sliceDirStream implements fs.DirStream over a pre-built slice of
// entries, for directories whose full listing is cheap to compute up
// front (the virtual root and owner directories, and any passthrough
// directory small enough not to warrant streaming os.ReadDir lazily).
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
