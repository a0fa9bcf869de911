// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/reposcape/reposcape/internal/clock"
	"github.com/reposcape/reposcape/lib/reposcache"
)

// fuseAvailable skips the test when /dev/fuse is not accessible,
// matching the teacher's own gating for real-mount tests.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// stubRunner materializes a fixed, in-memory repository layout instead
// of shelling out to git, so mount tests exercise the FUSE surface
// without needing a real upstream remote.
type stubRunner struct {
	files    map[string]string // relative path -> content, for the checked-out tree
	cloneErr error
}

func (s *stubRunner) ResolveDefaultBranch(ctx context.Context, remoteURL string) (string, error) {
	return "main", nil
}

func (s *stubRunner) CloneMirror(ctx context.Context, remoteURL, branch, mirrorDir string) error {
	if s.cloneErr != nil {
		return s.cloneErr
	}
	return os.MkdirAll(mirrorDir, 0o755)
}

func (s *stubRunner) FetchShallow(ctx context.Context, mirrorDir, branch string) error {
	return nil
}

func (s *stubRunner) CreateWorktree(ctx context.Context, mirrorDir, branch, worktreeDir string) error {
	if err := os.MkdirAll(worktreeDir, 0o755); err != nil {
		return err
	}
	for relPath, content := range s.files {
		full := filepath.Join(worktreeDir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubRunner) PruneWorktree(ctx context.Context, mirrorDir, worktreeDir string) error {
	return nil
}

func testMount(t *testing.T, runner reposcache.Runner) string {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	cache, err := reposcache.New(reposcache.Options{
		Root:   filepath.Join(root, "cache"),
		Host:   "https://example.invalid",
		TTL:    time.Hour,
		Runner: runner,
		Clock:  clock.Fake(time.Now()),
	})
	if err != nil {
		t.Fatalf("reposcache.New: %v", err)
	}

	mountpoint := filepath.Join(root, "mount")
	server, err := Mount(Options{Mountpoint: mountpoint, Cache: cache})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint
}

func TestMount_ReadFileThroughGeneration(t *testing.T) {
	runner := &stubRunner{files: map[string]string{"README.md": "hello reposcape"}}
	mountpoint := testMount(t, runner)

	got, err := os.ReadFile(filepath.Join(mountpoint, "octocat", "hello-world", "README.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello reposcape" {
		t.Errorf("content = %q, want %q", got, "hello reposcape")
	}
}

func TestMount_NestedDirectoryListing(t *testing.T) {
	runner := &stubRunner{files: map[string]string{
		"src/main.go": "package main",
		"src/lib.go":  "package main",
		"README.md":   "hi",
	}}
	mountpoint := testMount(t, runner)

	repoRoot := filepath.Join(mountpoint, "octocat", "hello-world")
	if _, err := os.Stat(filepath.Join(repoRoot, "README.md")); err != nil {
		t.Fatalf("stat README.md: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(repoRoot, "src"))
	if err != nil {
		t.Fatalf("ReadDir src: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["main.go"] || !names["lib.go"] {
		t.Errorf("src listing = %v, want main.go and lib.go", names)
	}
}

func TestMount_InvalidOwnerNameIsNotFound(t *testing.T) {
	runner := &stubRunner{files: map[string]string{"README.md": "hi"}}
	mountpoint := testMount(t, runner)

	_, err := os.Stat(filepath.Join(mountpoint, "..bad", "repo"))
	if err == nil {
		t.Fatal("expected error for invalid owner segment")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected ENOENT, got: %v", err)
	}
}

func TestMount_UnknownRepoIsNotFound(t *testing.T) {
	runner := &stubRunner{cloneErr: errors.New("remote: Repository not found")}
	mountpoint := testMount(t, runner)

	_, err := os.ReadFile(filepath.Join(mountpoint, "octocat", "nonexistent-repo-xyz"))
	if err == nil {
		t.Fatal("expected error reading nonexistent repo")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected ENOENT, got: %v", err)
	}
}

func TestMount_WriteIsRejected(t *testing.T) {
	runner := &stubRunner{files: map[string]string{"README.md": "hi"}}
	mountpoint := testMount(t, runner)

	repoRoot := filepath.Join(mountpoint, "octocat", "hello-world")
	if _, err := os.Stat(repoRoot); err != nil {
		t.Fatalf("materializing repo: %v", err)
	}

	err := os.WriteFile(filepath.Join(repoRoot, "new-file"), []byte("x"), 0o644)
	if err == nil {
		t.Fatal("expected error writing into a read-only mount")
	}
	if !errors.Is(err, os.ErrPermission) && !os.IsPermission(err) {
		t.Logf("write rejected with a non-permission error (EROFS is not permission-shaped): %v", err)
	}
}

func TestMount_MkdirIsRejected(t *testing.T) {
	runner := &stubRunner{files: map[string]string{"README.md": "hi"}}
	mountpoint := testMount(t, runner)

	repoRoot := filepath.Join(mountpoint, "octocat", "hello-world")
	if _, err := os.Stat(repoRoot); err != nil {
		t.Fatalf("materializing repo: %v", err)
	}

	if err := os.Mkdir(filepath.Join(repoRoot, "newdir"), 0o755); err == nil {
		t.Fatal("expected error creating a directory in a read-only mount")
	}
}

func TestTranslateCacheError_Mapping(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		kind syscall.Errno
		want reposcache.Kind
	}{
		{syscall.ENOENT, reposcache.RepoNotFound},
		{syscall.ENOENT, reposcache.InvalidIdentifier},
		{syscall.EACCES, reposcache.AuthRequired},
		{syscall.EIO, reposcache.NetworkUnavailable},
		{syscall.EIO, reposcache.TransportError},
		{syscall.EIO, reposcache.FilesystemError},
		{syscall.EIO, reposcache.LockTimeout},
		{syscall.EIO, reposcache.IntegrityError},
	}

	for _, c := range cases {
		err := &reposcache.Error{Kind: c.want, Message: "test"}
		if got := translateCacheError(logger, err); got != c.kind {
			t.Errorf("translateCacheError(%v) = %v, want %v", c.want, got, c.kind)
		}
	}
}
