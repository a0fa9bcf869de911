// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package repoprobe performs a best-effort, cached existence and
// visibility check against the GitHub REST API before the repository
// cache commits to a clone or fetch. A probe result is never a hard
// gate: any outcome other than a definitive not-found or
// authorization failure leaves the caller free to attempt the git
// operation itself.
package repoprobe

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v67/github"

	"github.com/reposcape/reposcape/internal/clock"
	"github.com/reposcape/reposcape/lib/identifier"
)

// Outcome classifies a probe result.
type Outcome int

const (
	// Inconclusive means the probe could not determine the
	// repository's status (network failure, rate limit, or any
	// response other than 404, 401, or 403). Callers should
	// proceed with the git operation as if no probe had run.
	Inconclusive Outcome = iota

	// Exists means the repository is visible to the configured
	// credentials.
	Exists

	// NotFound means the API definitively reported no such
	// repository (HTTP 404).
	NotFound

	// AuthRequired means the API reported the repository requires
	// different or additional credentials (HTTP 401 or 403).
	AuthRequired
)

// Prober checks repository existence via the GitHub REST API,
// caching results per key for cacheTTL to avoid a redundant round
// trip on every ensure_current call within one refresh burst.
type Prober struct {
	client   *github.Client
	clock    clock.Clock
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// DefaultCacheTTL is used when New is called with a zero cacheTTL.
const DefaultCacheTTL = 5 * time.Minute

// New constructs a Prober. token may be empty for public-repository
// probing; clk defaults to clock.Real() if nil.
func New(token string, cacheTTL time.Duration, clk clock.Clock) *Prober {
	if clk == nil {
		clk = clock.Real()
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &Prober{
		client:   client,
		clock:    clk,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// Check probes key's visibility, consulting and populating the
// in-process cache. A network or transport error is reported as
// Inconclusive rather than as a Go error, since the cache treats a
// probe failure as "no information," never as a reason to give up.
func (p *Prober) Check(ctx context.Context, key identifier.RepoKey) Outcome {
	cacheKey := key.CanonicalString()

	p.mu.Lock()
	if entry, ok := p.cache[cacheKey]; ok && p.clock.Now().Before(entry.expiresAt) {
		p.mu.Unlock()
		return entry.outcome
	}
	p.mu.Unlock()

	outcome := p.probe(ctx, key)

	p.mu.Lock()
	p.cache[cacheKey] = cacheEntry{outcome: outcome, expiresAt: p.clock.Now().Add(p.cacheTTL)}
	p.mu.Unlock()

	return outcome
}

func (p *Prober) probe(ctx context.Context, key identifier.RepoKey) Outcome {
	_, resp, err := p.client.Repositories.Get(ctx, key.Owner.String(), key.Repo.String())
	if err == nil {
		return Exists
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return NotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthRequired
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return NotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthRequired
		}
	}

	return Inconclusive
}

func (o Outcome) String() string {
	switch o {
	case Exists:
		return "exists"
	case NotFound:
		return "not-found"
	case AuthRequired:
		return "auth-required"
	default:
		return "inconclusive"
	}
}
