// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// InitBareRepo creates a bare git repository in a fresh temp directory
// with a single commit on its default branch, and returns the
// repository's path. Suitable as a clone source for vcsrunner tests.
func InitBareRepo(t *testing.T, branch string) string {
	t.Helper()

	root := t.TempDir()
	bareDir := filepath.Join(root, "origin.git")

	run(t, root, "git", "init", "--bare", "-b", branch, bareDir)

	worktreeDir := filepath.Join(root, "seed")
	run(t, root, "git", "clone", bareDir, worktreeDir)

	readmePath := filepath.Join(worktreeDir, "README")
	if err := os.WriteFile(readmePath, []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run(t, worktreeDir, "git", "add", "README")
	commit(t, worktreeDir, "initial")
	run(t, worktreeDir, "git", "push", "origin", branch)

	return bareDir
}

// CommitFile writes content to name inside worktreeDir, commits it,
// and pushes to origin. Used to simulate upstream changes between
// fetches in vcsrunner tests.
func CommitFile(t *testing.T, worktreeDir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(worktreeDir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	run(t, worktreeDir, "git", "add", name)
	commit(t, worktreeDir, "update "+name)
	run(t, worktreeDir, "git", "push", "origin", "HEAD")
}

func commit(t *testing.T, dir, message string) {
	t.Helper()
	cmd := exec.Command("git", "-C", dir, "commit", "-m", message)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.local",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, out)
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
}
