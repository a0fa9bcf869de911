// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package reposcache implements the repository cache: the component
// that materializes, refreshes, and atomically swaps immutable
// worktree generations of each requested repository under concurrent
// access, without ever mutating a tree that is visible through the
// mount.
package reposcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reposcape/reposcape/internal/clock"
	"github.com/reposcape/reposcape/lib/cachepath"
	"github.com/reposcape/reposcape/lib/identifier"
	"github.com/reposcape/reposcape/lib/repoprobe"
)

// Runner is the subset of lib/vcsrunner.Runner that the cache depends
// on. Tests substitute a mock to exercise coalescing and failure
// handling without invoking a real git binary.
type Runner interface {
	CloneMirror(ctx context.Context, remoteURL, branch, mirrorDir string) error
	ResolveDefaultBranch(ctx context.Context, remoteURL string) (string, error)
	FetchShallow(ctx context.Context, mirrorDir, branch string) error
	CreateWorktree(ctx context.Context, mirrorDir, branch, worktreeDir string) error
	PruneWorktree(ctx context.Context, mirrorDir, worktreeDir string) error
}

// Prober is the subset of lib/repoprobe.Prober the cache consults to
// disambiguate a transient-looking VCS failure from a definitive
// not-found or auth failure. Optional: a nil Prober simply means every
// failure is classified from the VCS error alone.
type Prober interface {
	Check(ctx context.Context, key identifier.RepoKey) repoprobe.Outcome
}

// Options configures a Cache.
type Options struct {
	Root                 string
	Host                 string
	TTL                  time.Duration
	WatchTTL             time.Duration
	RetentionGenerations int
	LockTimeout          time.Duration
	NetworkTimeout       time.Duration
	Runner               Runner
	Prober               Prober
	Clock                clock.Clock
	Logger               *slog.Logger

	// GitHubToken authenticates clone/fetch/ls-remote against private
	// repositories. It is injected into the remote URL as HTTP Basic
	// auth, not through the environment. That URL, token included, is
	// passed to git as a command-line argument for ls-remote and
	// clone; this package's own log lines never include it.
	GitHubToken string
}

const (
	// DefaultLockTimeout bounds how long ensure_current waits to
	// acquire the cross-process advisory lock before failing with
	// LockTimeout.
	DefaultLockTimeout = 30 * time.Second

	// DefaultNetworkTimeout bounds a single version-control
	// invocation.
	DefaultNetworkTimeout = 60 * time.Second
)

// Cache owns the mapping RepoKey -> RepoState and exposes
// EnsureCurrent as its primary operation.
type Cache struct {
	root                 string
	host                 string
	ttl                  time.Duration
	watchTTL             time.Duration
	retentionGenerations int
	lockTimeout          time.Duration
	networkTimeout       time.Duration
	runner               Runner
	prober               Prober
	clock                clock.Clock
	logger               *slog.Logger
	githubToken          string

	mu     sync.Mutex
	states map[string]*repoState
}

// New constructs a Cache. Root, Host, and Runner are required;
// everything else falls back to a documented default.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("reposcache: Root is required")
	}
	if opts.Host == "" {
		return nil, fmt.Errorf("reposcache: Host is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("reposcache: Runner is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.WatchTTL <= 0 {
		opts.WatchTTL = time.Minute
	}
	if opts.RetentionGenerations < 0 {
		opts.RetentionGenerations = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = DefaultNetworkTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	return &Cache{
		root:                 opts.Root,
		host:                 opts.Host,
		ttl:                  opts.TTL,
		watchTTL:             opts.WatchTTL,
		retentionGenerations: opts.RetentionGenerations,
		lockTimeout:          opts.LockTimeout,
		networkTimeout:       opts.NetworkTimeout,
		runner:               opts.Runner,
		prober:               opts.Prober,
		clock:                opts.Clock,
		logger:               opts.Logger,
		githubToken:          opts.GitHubToken,
		states:               make(map[string]*repoState),
	}, nil
}

// Root returns the cache's root directory, for callers that need to
// derive paths outside of the RepoKey-scoped API (e.g. statfs).
func (c *Cache) Root() string { return c.root }

// stateFor returns the repoState for key, creating it if this is the
// first time key has been seen this process lifetime.
func (c *Cache) stateFor(key identifier.RepoKey) *repoState {
	canonical := key.CanonicalString()

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[canonical]
	if !ok {
		state = newRepoState()
		c.states[canonical] = state
	}
	return state
}

// EnsureCurrent implements the ensure_current(key) contract: it
// returns the absolute path to a directory that is a complete,
// read-consistent checkout of the repository as of at most one TTL
// ago, performing clone/fetch/publish work as needed.
func (c *Cache) EnsureCurrent(ctx context.Context, key identifier.RepoKey) (string, error) {
	state := c.stateFor(key)

	// Step 1: per-process coalescing mutex.
	state.mu.Lock()
	defer state.mu.Unlock()

	// A forced refresh is consumed by this call whatever its outcome,
	// so a failed forced refresh is not retried on every later call.
	defer func() { state.forced = false }()

	paths := cachepath.New(c.root, key)

	// Step 2: in-memory freshness check.
	if !state.forced && state.publishedGeneration.Valid() {
		effectiveTTL := c.ttl
		if state.watching {
			effectiveTTL = c.watchTTL
		}
		if c.clock.Now().Sub(state.lastRefreshAt) < effectiveTTL {
			return paths.GenerationDir(state.publishedGeneration), nil
		}
	}

	lockFile, err := acquireLock(ctx, c.clock, paths.LockFile(), c.lockTimeout)
	if err != nil {
		return "", err
	}
	defer releaseLock(lockFile)

	// Step 3 (re-check): another process may have refreshed while we
	// waited for the lock. Consult the on-disk current generation's
	// modification time as a proxy for that process's last_refresh_at.
	if !state.forced {
		if gen, refreshedAt, ok := readCurrentGeneration(paths); ok {
			effectiveTTL := c.ttl
			if state.watching {
				effectiveTTL = c.watchTTL
			}
			if c.clock.Now().Sub(refreshedAt) < effectiveTTL {
				state.publishedGeneration = gen
				state.lastRefreshAt = refreshedAt
				return paths.GenerationDir(gen), nil
			}
		}
	}

	remoteURL := c.remoteURL(key)
	branch := state.branch
	mirrorExists := dirExists(paths.MirrorDir())

	// A key with no mirror yet has never paid for a network round
	// trip; ask the prober first so a definitively missing or
	// unauthorized repository fails immediately instead of after a
	// doomed resolve-default-branch or clone attempt.
	if !mirrorExists && c.prober != nil {
		switch c.prober.Check(ctx, key) {
		case repoprobe.NotFound:
			return "", newError(RepoNotFound, "repository does not exist", fmt.Errorf("probe reported not found"))
		case repoprobe.AuthRequired:
			return "", newError(AuthRequired, "authentication required", fmt.Errorf("probe reported authentication required"))
		}
	}

	if branch == "" {
		resolveCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
		resolved, err := c.runner.ResolveDefaultBranch(resolveCtx, remoteURL)
		cancel()
		if err != nil {
			return "", c.classify(ctx, key, err, false)
		}
		branch = resolved
		state.branch = branch
	}

	if !mirrorExists {
		cloneCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
		err := c.runner.CloneMirror(cloneCtx, remoteURL, branch, paths.MirrorDir())
		cancel()
		if err != nil {
			return "", c.classify(ctx, key, err, false)
		}
	}

	existingGen, _, hadCurrent := readCurrentGeneration(paths)

	fetchCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	fetchErr := c.runner.FetchShallow(fetchCtx, paths.MirrorDir(), branch)
	cancel()
	if fetchErr != nil {
		if hadCurrent {
			c.logger.Warn("fetch failed, serving stale generation",
				"repo", key.String(), "generation", existingGen.DirName(), "error", fetchErr)
			state.publishedGeneration = existingGen
			state.lastRefreshAt = c.clock.Now()
			state.forced = false
			return paths.GenerationDir(existingGen), nil
		}
		return "", c.classify(ctx, key, fetchErr, true)
	}

	nextGen, err := nextGenerationID(paths, state.publishedGeneration)
	if err != nil {
		return "", newError(FilesystemError, "determining next generation id", err)
	}

	generationDir := paths.GenerationDir(nextGen)
	worktreeCtx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	worktreeErr := c.runner.CreateWorktree(worktreeCtx, paths.MirrorDir(), branch, generationDir)
	cancel()
	if worktreeErr != nil {
		return "", c.classify(ctx, key, worktreeErr, hadCurrent)
	}

	if err := publish(paths, nextGen); err != nil {
		return "", newError(FilesystemError, "publishing new generation", err)
	}

	state.publishedGeneration = nextGen
	state.lastRefreshAt = c.clock.Now()
	state.forced = false

	go c.retentionSweep(key, state, paths, nextGen)

	c.logger.Info("published new generation", "repo", key.String(), "generation", nextGen.DirName())
	return generationDir, nil
}

// ForceRefresh bypasses the TTL check on the next EnsureCurrent call
// for key, still coalesced through the normal locking. Mirrors the
// "sync" operation of the command-line front end.
func (c *Cache) ForceRefresh(ctx context.Context, key identifier.RepoKey) (string, error) {
	state := c.stateFor(key)
	state.mu.Lock()
	state.forced = true
	state.mu.Unlock()
	return c.EnsureCurrent(ctx, key)
}

// SetWatch toggles the watch flag for key, which shortens the
// effective TTL consulted by future EnsureCurrent calls without
// itself triggering a refresh.
func (c *Cache) SetWatch(key identifier.RepoKey, watching bool) {
	state := c.stateFor(key)
	state.mu.Lock()
	state.watching = watching
	state.mu.Unlock()
}

// List returns a snapshot of every repository known to this cache,
// combining in-memory state with a scan of the on-disk worktrees
// directory so that repositories materialized in a prior process
// lifetime are also reported.
func (c *Cache) List() []RepoStatus {
	seen := make(map[string]RepoStatus)

	c.mu.Lock()
	for canonical, state := range c.states {
		state.mu.Lock()
		parts := strings.SplitN(canonical, "/", 2)
		if len(parts) == 2 {
			if key, err := identifier.NewRepoKey(parts[0], parts[1]); err == nil {
				seen[canonical] = RepoStatus{
					Key:                 key,
					PublishedGeneration: state.publishedGeneration,
					LastRefreshAt:       state.lastRefreshAt,
					Watching:            state.watching,
				}
			}
		}
		state.mu.Unlock()
	}
	c.mu.Unlock()

	for _, entry := range scanOwnersRepos(c.root) {
		if _, ok := seen[entry.canonical]; ok {
			continue
		}
		paths := cachepath.New(c.root, entry.key)
		gen, refreshedAt, ok := readCurrentGeneration(paths)
		if !ok {
			continue
		}
		seen[entry.canonical] = RepoStatus{
			Key:                 entry.key,
			PublishedGeneration: gen,
			LastRefreshAt:       refreshedAt,
		}
	}

	result := make([]RepoStatus, 0, len(seen))
	for _, status := range seen {
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.CanonicalString() < result[j].Key.CanonicalString()
	})
	return result
}

// AcquireGeneration records that a passthrough inode is bound against
// generation g of key, preventing the retention sweep from deleting
// it even if it has since been superseded.
func (c *Cache) AcquireGeneration(key identifier.RepoKey, g identifier.GenerationId) {
	state := c.stateFor(key)
	state.mu.Lock()
	state.refs[g]++
	state.mu.Unlock()
}

// ReleaseGeneration undoes a prior AcquireGeneration. It is called
// from the FUSE forget path.
func (c *Cache) ReleaseGeneration(key identifier.RepoKey, g identifier.GenerationId) {
	state := c.stateFor(key)
	state.mu.Lock()
	if state.refs[g] > 0 {
		state.refs[g]--
	}
	if state.refs[g] == 0 {
		delete(state.refs, g)
	}
	state.mu.Unlock()
}

// remoteURL builds the clone/fetch/ls-remote URL for key. When a
// GitHub token is configured it is embedded as the HTTP Basic auth
// username with an empty password (GitHub's convention for a bearer
// token over HTTPS), so a private repository clones without any
// interactive credential prompt. The returned URL, token included, is
// passed to git as a command-line argument; vcsrunner does not log
// argument lists.
func (c *Cache) remoteURL(key identifier.RepoKey) string {
	base := strings.TrimSuffix(c.host, "/") + "/" + key.Owner.String() + "/" + key.Repo.String() + ".git"
	if c.githubToken == "" {
		return base
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return base
	}
	parsed.User = url.User(c.githubToken)
	return parsed.String()
}

// classify turns a raw VCS failure into a *Error with an appropriate
// Kind, consulting the prober (when configured) to disambiguate a
// generic transport failure from a definitive not-found or
// authorization failure. A retention-affecting existingCurrent flag
// is accepted for future use in log context but does not change the
// classification itself.
func (c *Cache) classify(ctx context.Context, key identifier.RepoKey, err error, _ bool) *Error {
	message := err.Error()
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "repository not found"):
		return newError(RepoNotFound, "repository does not exist", err)
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "could not read username"), strings.Contains(lower, "permission denied"):
		return newError(AuthRequired, "authentication required", err)
	case strings.Contains(lower, "could not resolve host"), strings.Contains(lower, "connection timed out"), strings.Contains(lower, "network is unreachable"):
		return newError(NetworkUnavailable, "network unavailable", err)
	}

	if c.prober != nil {
		switch c.prober.Check(ctx, key) {
		case repoprobe.NotFound:
			return newError(RepoNotFound, "repository does not exist", err)
		case repoprobe.AuthRequired:
			return newError(AuthRequired, "authentication required", err)
		}
	}

	return newError(TransportError, "version control operation failed", err)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readCurrentGeneration resolves paths.CurrentLink() to a generation
// id and reports the link target directory's modification time as a
// proxy for that generation's publication time.
func readCurrentGeneration(paths cachepath.Paths) (identifier.GenerationId, time.Time, bool) {
	target, err := os.Readlink(paths.CurrentLink())
	if err != nil {
		return 0, time.Time{}, false
	}
	gen, err := identifier.ParseGenerationId(filepath.Base(target))
	if err != nil {
		return 0, time.Time{}, false
	}
	info, err := os.Stat(paths.GenerationDir(gen))
	if err != nil {
		return 0, time.Time{}, false
	}
	return gen, info.ModTime(), true
}

// nextGenerationID scans the worktrees directory for existing gen-*
// entries and returns one greater than the largest number seen, or
// greater than lastKnown if that is larger still (protects against a
// crash that left published_generation ahead of any directory that
// happens to remain on disk).
func nextGenerationID(paths cachepath.Paths, lastKnown identifier.GenerationId) (identifier.GenerationId, error) {
	max := lastKnown

	entries, err := os.ReadDir(paths.WorktreesDir())
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gen, err := identifier.ParseGenerationId(entry.Name())
		if err != nil {
			continue
		}
		if gen > max {
			max = gen
		}
	}

	return max.Next(), nil
}

// publish atomically swaps current_link onto generation g, following
// the "write new link under a temp name, rename over the old name"
// discipline that makes the swap a single filesystem operation.
func publish(paths cachepath.Paths, g identifier.GenerationId) error {
	worktreesDir := paths.WorktreesDir()
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return err
	}

	tempLink := filepath.Join(worktreesDir, "current.new")
	_ = os.Remove(tempLink)
	if err := os.Symlink(g.DirName(), tempLink); err != nil {
		return err
	}
	return os.Rename(tempLink, paths.CurrentLink())
}

type ownerRepoEntry struct {
	key       identifier.RepoKey
	canonical string
}

// scanOwnersRepos walks <root>/worktrees/<owner>/<repo> to recover
// the set of repositories materialized in a previous process
// lifetime, backing the root and owner directories' synthesized
// readdir as well as List.
func scanOwnersRepos(root string) []ownerRepoEntry {
	var out []ownerRepoEntry

	ownersRoot := cachepath.OwnersDir(root)
	owners, err := os.ReadDir(ownersRoot)
	if err != nil {
		return nil
	}
	for _, ownerEntry := range owners {
		if !ownerEntry.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(ownersRoot, ownerEntry.Name()))
		if err != nil {
			continue
		}
		for _, repoEntry := range repos {
			if !repoEntry.IsDir() {
				continue
			}
			key, err := identifier.NewRepoKey(ownerEntry.Name(), repoEntry.Name())
			if err != nil {
				continue
			}
			out = append(out, ownerRepoEntry{key: key, canonical: key.CanonicalString()})
		}
	}
	return out
}

// retentionSweep deletes generations superseded by the publication of
// justPublished, keeping the current generation plus
// c.retentionGenerations previous ones. A generation with a positive
// refcount in state.refs is never deleted, even if it falls outside
// the retention window, since a passthrough inode still resolves
// through it.
func (c *Cache) retentionSweep(key identifier.RepoKey, state *repoState, paths cachepath.Paths, justPublished identifier.GenerationId) {
	// Keep the current generation plus c.retentionGenerations previous
	// ones; a generation is eligible for deletion once its number falls
	// at or below justPublished - (retentionGenerations + 1).
	keep := identifier.GenerationId(c.retentionGenerations + 1)
	threshold := identifier.GenerationId(0)
	if uint32(justPublished) > uint32(keep) {
		threshold = justPublished - keep
	}
	if !threshold.Valid() {
		return
	}

	entries, err := os.ReadDir(paths.WorktreesDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gen, err := identifier.ParseGenerationId(entry.Name())
		if err != nil || gen > threshold {
			continue
		}

		state.mu.Lock()
		refCount := state.refs[gen]
		state.mu.Unlock()
		if refCount > 0 {
			continue
		}

		generationDir := paths.GenerationDir(gen)
		if err := c.runner.PruneWorktree(context.Background(), paths.MirrorDir(), generationDir); err != nil {
			c.logger.Warn("prune worktree failed before removal", "repo", key.String(), "generation", gen.DirName(), "error", err)
		}
		if err := os.RemoveAll(generationDir); err != nil {
			c.logger.Warn("failed to remove superseded generation", "repo", key.String(), "generation", gen.DirName(), "error", err)
		}
	}
}

// Sweep performs the boot-time integrity pass described by the
// design's resolution of the orphan current_link open question: for
// every repository already materialized on disk, a current_link that
// does not resolve to an existing generation directory is treated as
// an IntegrityError and deleted so the next EnsureCurrent call
// re-materializes cleanly, and every generation older than the
// retention window is pruned since no inode can hold a reference to
// it this early in the process's life.
func (c *Cache) Sweep(ctx context.Context) {
	for _, entry := range scanOwnersRepos(c.root) {
		paths := cachepath.New(c.root, entry.key)

		target, err := os.Readlink(paths.CurrentLink())
		if err != nil {
			continue
		}
		gen, err := identifier.ParseGenerationId(filepath.Base(target))
		if err != nil || !dirExists(paths.GenerationDir(gen)) {
			integrityErr := newError(IntegrityError, "current_link does not resolve to an existing generation directory", err)
			c.logger.Error("removing orphaned current_link", "repo", entry.key.String(), "error", integrityErr)
			_ = os.Remove(paths.CurrentLink())
			continue
		}

		state := c.stateFor(entry.key)
		state.mu.Lock()
		state.publishedGeneration = gen
		if info, err := os.Stat(paths.GenerationDir(gen)); err == nil {
			state.lastRefreshAt = info.ModTime()
		}
		state.mu.Unlock()

		c.retentionSweep(entry.key, state, paths, gen)
	}
}
