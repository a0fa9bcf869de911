// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package vcsrunner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/reposcape/reposcape/internal/testutil"
)

func TestRunner_ResolveDefaultBranch(t *testing.T) {
	t.Parallel()

	origin := testutil.InitBareRepo(t, "main")
	runner := &Runner{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	branch, err := runner.ResolveDefaultBranch(ctx, origin)
	if err != nil {
		t.Fatalf("ResolveDefaultBranch: %v", err)
	}
	if branch != "main" {
		t.Errorf("ResolveDefaultBranch() = %q, want %q", branch, "main")
	}
}

func TestRunner_CloneMirrorAndCreateWorktree(t *testing.T) {
	t.Parallel()

	origin := testutil.InitBareRepo(t, "main")
	runner := &Runner{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	mirrorDir := filepath.Join(root, "mirror.git")
	if err := runner.CloneMirror(ctx, origin, "main", mirrorDir); err != nil {
		t.Fatalf("CloneMirror: %v", err)
	}
	if _, err := os.Stat(mirrorDir); err != nil {
		t.Fatalf("mirror not created: %v", err)
	}

	worktreeDir := filepath.Join(root, "gen-000001")
	if err := runner.CreateWorktree(ctx, mirrorDir, "main", worktreeDir); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(worktreeDir, "README")); err != nil {
		t.Fatalf("worktree missing expected file: %v", err)
	}
}

func TestRunner_FetchShallowPicksUpNewCommit(t *testing.T) {
	t.Parallel()

	origin := testutil.InitBareRepo(t, "main")
	runner := &Runner{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	mirrorDir := filepath.Join(root, "mirror.git")
	if err := runner.CloneMirror(ctx, origin, "main", mirrorDir); err != nil {
		t.Fatalf("CloneMirror: %v", err)
	}

	// Simulate an upstream push by committing directly against a
	// checkout of the origin bare repo.
	seed := filepath.Join(root, "seed-again")
	cloneSeed(t, origin, seed)
	testutil.CommitFile(t, seed, "NEW", "content\n")

	if err := runner.FetchShallow(ctx, mirrorDir, "main"); err != nil {
		t.Fatalf("FetchShallow: %v", err)
	}

	worktreeDir := filepath.Join(root, "gen-000002")
	if err := runner.CreateWorktree(ctx, mirrorDir, "main", worktreeDir); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(worktreeDir, "NEW")); err != nil {
		t.Fatalf("worktree missing file introduced by fetch: %v", err)
	}
}

func TestRunner_ResolveDefaultBranch_NonexistentRemote(t *testing.T) {
	t.Parallel()

	runner := &Runner{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := runner.ResolveDefaultBranch(ctx, filepath.Join(t.TempDir(), "does-not-exist.git"))
	if err == nil {
		t.Fatal("expected error resolving a nonexistent remote")
	}
}

func TestRunner_PruneWorktree(t *testing.T) {
	t.Parallel()

	origin := testutil.InitBareRepo(t, "main")
	runner := &Runner{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	mirrorDir := filepath.Join(root, "mirror.git")
	if err := runner.CloneMirror(ctx, origin, "main", mirrorDir); err != nil {
		t.Fatalf("CloneMirror: %v", err)
	}
	worktreeDir := filepath.Join(root, "gen-000001")
	if err := runner.CreateWorktree(ctx, mirrorDir, "main", worktreeDir); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	if err := runner.PruneWorktree(ctx, mirrorDir, worktreeDir); err != nil {
		t.Fatalf("PruneWorktree: %v", err)
	}
	if _, err := os.Stat(worktreeDir); !os.IsNotExist(err) {
		t.Errorf("worktree directory still exists after prune: %v", err)
	}
}

func cloneSeed(t *testing.T, origin, dest string) {
	t.Helper()
	cmd := exec.Command("git", "clone", origin, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v\n%s", err, out)
	}
}
