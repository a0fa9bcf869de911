// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package cachepath

import (
	"path/filepath"
	"testing"

	"github.com/reposcape/reposcape/lib/identifier"
)

func mustKey(t *testing.T, owner, repo string) identifier.RepoKey {
	t.Helper()
	key, err := identifier.NewRepoKey(owner, repo)
	if err != nil {
		t.Fatalf("NewRepoKey(%q, %q): %v", owner, repo, err)
	}
	return key
}

func TestPaths_CanonicalCasing(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "OctoCat", "Hello-World")
	paths := New("/cache", key)

	want := filepath.Join("/cache", "mirrors", "octocat", "hello-world.git")
	if got := paths.MirrorDir(); got != want {
		t.Errorf("MirrorDir() = %q, want %q", got, want)
	}
}

func TestPaths_Derivation(t *testing.T) {
	t.Parallel()

	key := mustKey(t, "octocat", "hello-world")
	paths := New("/cache", key)

	wantWorktrees := filepath.Join("/cache", "worktrees", "octocat", "hello-world")
	if got := paths.WorktreesDir(); got != wantWorktrees {
		t.Errorf("WorktreesDir() = %q, want %q", got, wantWorktrees)
	}
	if got, want := paths.CurrentLink(), filepath.Join(wantWorktrees, "current"); got != want {
		t.Errorf("CurrentLink() = %q, want %q", got, want)
	}
	wantLock := filepath.Join("/cache", "locks", "octocat__hello-world.lock")
	if got := paths.LockFile(); got != wantLock {
		t.Errorf("LockFile() = %q, want %q", got, wantLock)
	}

	gen := identifier.GenerationId(7)
	if got, want := paths.GenerationDir(gen), filepath.Join(wantWorktrees, "gen-000007"); got != want {
		t.Errorf("GenerationDir(7) = %q, want %q", got, want)
	}
}

func TestPaths_TwoKeysSameCanonicalFormShareRoot(t *testing.T) {
	t.Parallel()

	a := New("/cache", mustKey(t, "Owner", "Repo"))
	b := New("/cache", mustKey(t, "owner", "REPO"))

	if a.MirrorDir() != b.MirrorDir() {
		t.Errorf("MirrorDir differs for case variants: %q vs %q", a.MirrorDir(), b.MirrorDir())
	}
}

func TestOwnersDir(t *testing.T) {
	t.Parallel()

	if got, want := OwnersDir("/cache"), filepath.Join("/cache", "worktrees"); got != want {
		t.Errorf("OwnersDir(%q) = %q, want %q", "/cache", got, want)
	}
}
