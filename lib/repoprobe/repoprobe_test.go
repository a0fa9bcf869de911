// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package repoprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/reposcape/reposcape/internal/clock"
	"github.com/reposcape/reposcape/lib/identifier"
)

func newTestProber(t *testing.T, handler http.HandlerFunc) (*Prober, *clock.FakeClock) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	baseURL, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	fake := clock.Fake(time.Unix(0, 0))
	prober := New("", time.Minute, fake)
	prober.client.BaseURL = baseURL

	return prober, fake
}

func mustKey(t *testing.T) identifier.RepoKey {
	t.Helper()
	key, err := identifier.NewRepoKey("octocat", "hello-world")
	if err != nil {
		t.Fatalf("NewRepoKey: %v", err)
	}
	return key
}

func TestProber_Exists(t *testing.T) {
	t.Parallel()

	prober, _ := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"name":"hello-world"}`))
	})

	if got := prober.Check(context.Background(), mustKey(t)); got != Exists {
		t.Errorf("Check() = %v, want Exists", got)
	}
}

func TestProber_NotFound(t *testing.T) {
	t.Parallel()

	prober, _ := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})

	if got := prober.Check(context.Background(), mustKey(t)); got != NotFound {
		t.Errorf("Check() = %v, want NotFound", got)
	}
}

func TestProber_AuthRequired(t *testing.T) {
	t.Parallel()

	prober, _ := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Forbidden"}`))
	})

	if got := prober.Check(context.Background(), mustKey(t)); got != AuthRequired {
		t.Errorf("Check() = %v, want AuthRequired", got)
	}
}

func TestProber_CachesResultUntilTTLExpires(t *testing.T) {
	t.Parallel()

	calls := 0
	prober, fake := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	})

	key := mustKey(t)
	prober.Check(context.Background(), key)
	prober.Check(context.Background(), key)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second Check should hit the cache)", calls)
	}

	fake.Advance(2 * time.Minute)
	prober.Check(context.Background(), key)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (cache should have expired)", calls)
	}
}
