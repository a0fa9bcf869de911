// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachepath derives the on-disk paths that make up a
// repository's cache slot from a cache root directory and a RepoKey.
// Every function here is pure: no I/O, no side effects, just string
// and path arithmetic. Keeping path derivation pure and separate from
// the components that perform I/O lets both be tested independently.
//
// The layout this package derives is a stable, documented contract:
//
//	<root>/mirrors/<owner>/<repo>.git/            bare, shallow
//	<root>/worktrees/<owner>/<repo>/gen-NNNNNN/   immutable generations
//	<root>/worktrees/<owner>/<repo>/current       symlink -> one gen-NNNNNN
//	<root>/locks/<owner>__<repo>.lock             advisory lock, zero bytes
package cachepath

import (
	"path/filepath"

	"github.com/reposcape/reposcape/lib/identifier"
)

// Paths holds every filesystem location associated with a single
// cached repository.
type Paths struct {
	root string
	key  identifier.RepoKey
}

// New derives the Paths for key under root.
func New(root string, key identifier.RepoKey) Paths {
	return Paths{root: root, key: key}
}

// MirrorDir is the bare mirror clone that every worktree is created
// from.
func (p Paths) MirrorDir() string {
	return filepath.Join(p.root, "mirrors", p.key.Owner.Lower(), p.key.Repo.Lower()+".git")
}

// WorktreesDir is the parent directory holding one subdirectory per
// materialized generation, plus the current symlink.
func (p Paths) WorktreesDir() string {
	return filepath.Join(p.root, "worktrees", p.key.Owner.Lower(), p.key.Repo.Lower())
}

// GenerationDir is the worktree directory for a specific generation.
func (p Paths) GenerationDir(g identifier.GenerationId) string {
	return filepath.Join(p.WorktreesDir(), g.DirName())
}

// CurrentLink is the symlink whose target names the published
// generation. Publication is a single atomic rename of a new symlink
// onto this path.
func (p Paths) CurrentLink() string {
	return filepath.Join(p.WorktreesDir(), "current")
}

// LockFile is the advisory lock file serializing ensure_current calls
// against this repository across processes.
func (p Paths) LockFile() string {
	return filepath.Join(p.root, "locks", p.key.Owner.Lower()+"__"+p.key.Repo.Lower()+".lock")
}

// OwnersDir is the parent directory under which every owner with at
// least one materialized repository has a subdirectory, used by the
// filesystem surface to synthesize the mount root's readdir.
func OwnersDir(root string) string {
	return filepath.Join(root, "worktrees")
}
