// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package reposcache

import (
	"sync"
	"time"

	"github.com/reposcape/reposcape/lib/identifier"
)

// repoState is the in-memory bookkeeping for one RepoKey.
type repoState struct {
	mu sync.Mutex // serializes ensure_current for this key within one process

	publishedGeneration identifier.GenerationId
	lastRefreshAt       time.Time
	watching            bool
	forced              bool
	branch              string // default branch resolved on first clone, reused across refreshes

	// refs counts live passthrough bindings per generation, keyed by
	// generation number. A generation with a positive refcount is
	// never deleted by the retention sweep even if it has been
	// superseded. Mirrors §4.3's "cyclic reference" design note: the
	// inode table decrements on forget, retention only runs at zero.
	refs map[identifier.GenerationId]int
}

func newRepoState() *repoState {
	return &repoState{refs: make(map[identifier.GenerationId]int)}
}

// RepoStatus is a point-in-time snapshot of a repository's cache
// state, returned by Cache.List.
type RepoStatus struct {
	Key                 identifier.RepoKey
	PublishedGeneration identifier.GenerationId
	LastRefreshAt       time.Time
	Watching            bool
}
