package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dev-dollar/offline-proxy/internal/config"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/logging"
)

var backends = []string{config.StorageBackendFS, config.StorageBackendLevelDB}

func TestPartitionPutAndMatch(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()

			p, err := store.Open(ctx, "dev-dollar-static-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			req := mustRequest(t, http.MethodGet, "https://dollar.local/logo.png")
			resp := &fetch.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": {"image/png"}},
				Body:   []byte("png-bytes\nwith newline"),
				URL:    "https://dollar.local/logo.png",
			}
			if err := p.Put(ctx, req, resp); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := p.Match(ctx, req)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if !bytes.Equal(got.Body, resp.Body) {
				t.Fatalf("cached payload mismatch: %q", got.Body)
			}
			if got.Status != http.StatusOK || got.Header.Get("Content-Type") != "image/png" {
				t.Fatalf("cached metadata mismatch: %+v", got)
			}

			keys, err := p.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 1 || keys[0] != "https://dollar.local/logo.png" {
				t.Fatalf("unexpected keys %v", keys)
			}
		})
	}
}

func TestPartitionMatchMissing(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			p, err := store.Open(context.Background(), "dyn")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			_, err = p.Match(context.Background(), mustRequest(t, http.MethodGet, "https://dollar.local/missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPartitionRejectsNonCacheableRequests(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()
			p, _ := store.Open(ctx, "dyn")
			resp := &fetch.Response{Status: http.StatusOK, Body: []byte("x")}

			for _, req := range []*fetch.Request{
				mustRequest(t, http.MethodPost, "https://dollar.local/donate"),
				mustRequest(t, http.MethodGet, "chrome-extension://abc/script.js"),
			} {
				if err := p.Put(ctx, req, resp); !errors.Is(err, ErrNotCacheable) {
					t.Fatalf("expected ErrNotCacheable for %s %s, got %v", req.Method, req.URL, err)
				}
				if _, err := p.Match(ctx, req); !errors.Is(err, ErrNotFound) {
					t.Fatalf("non-cacheable request must never match, got %v", err)
				}
			}
		})
	}
}

func TestStoreKeysAndDelete(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()

			for _, name := range []string{"dev-dollar-static-v1", "dev-dollar-dynamic-v1", "dev-dollar-v0"} {
				p, err := store.Open(ctx, name)
				if err != nil {
					t.Fatalf("open %s: %v", name, err)
				}
				req := mustRequest(t, http.MethodGet, "https://dollar.local/"+name)
				if err := p.Put(ctx, req, &fetch.Response{Status: 200, Body: []byte(name)}); err != nil {
					t.Fatalf("put %s: %v", name, err)
				}
			}

			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			want := []string{"dev-dollar-dynamic-v1", "dev-dollar-static-v1", "dev-dollar-v0"}
			if len(keys) != len(want) {
				t.Fatalf("unexpected partitions %v", keys)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("partition %d: want %s got %s", i, want[i], keys[i])
				}
			}

			deleted, err := store.Delete(ctx, "dev-dollar-v0")
			if err != nil || !deleted {
				t.Fatalf("delete should succeed, deleted=%v err=%v", deleted, err)
			}
			if has, _ := store.Has(ctx, "dev-dollar-v0"); has {
				t.Fatalf("partition should be gone")
			}
			deleted, err = store.Delete(ctx, "dev-dollar-v0")
			if err != nil || deleted {
				t.Fatalf("second delete should report false, deleted=%v err=%v", deleted, err)
			}
			if _, err := store.Match(ctx, mustRequest(t, http.MethodGet, "https://dollar.local/dev-dollar-v0")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("entries of a deleted partition must not match, got %v", err)
			}
		})
	}
}

func TestStoreMatchSearchesAllPartitions(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()
			_, _ = store.Open(ctx, "a-empty")
			p, _ := store.Open(ctx, "b-full")
			req := mustRequest(t, http.MethodGet, "https://dollar.local/api/stats")
			if err := p.Put(ctx, req, &fetch.Response{Status: 200, Body: []byte("stats")}); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := store.Match(ctx, req)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if string(got.Body) != "stats" {
				t.Fatalf("unexpected body %q", got.Body)
			}
		})
	}
}

func TestPutIntoDeletedPartitionFails(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()
			p, _ := store.Open(ctx, "old")
			if _, err := store.Delete(ctx, "old"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			err := p.Put(ctx, mustRequest(t, http.MethodGet, "https://dollar.local/x"), &fetch.Response{Status: 200})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if has, _ := store.Has(ctx, "old"); has {
				t.Fatalf("put must not resurrect a deleted partition")
			}
		})
	}
}

func TestPartitionDeleteEntry(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()
			p, _ := store.Open(ctx, "dyn")
			req := mustRequest(t, http.MethodGet, "https://dollar.local/cache/remove")
			if err := p.Put(ctx, req, &fetch.Response{Status: 200, Body: []byte("data")}); err != nil {
				t.Fatalf("put: %v", err)
			}
			removed, err := p.Delete(ctx, req)
			if err != nil || !removed {
				t.Fatalf("delete should remove entry, removed=%v err=%v", removed, err)
			}
			if _, err := p.Match(ctx, req); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestOpenRejectsInvalidNames(t *testing.T) {
	store := newTestStore(t, config.StorageBackendFS)
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestConcurrentPutsLastWriterWins(t *testing.T) {
	store := newTestStore(t, config.StorageBackendFS)
	ctx := context.Background()
	p, _ := store.Open(ctx, "dyn")
	req := mustRequest(t, http.MethodGet, "https://dollar.local/race")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = p.Put(ctx, req, &fetch.Response{Status: 200, Body: bytes.Repeat([]byte{byte('a' + i)}, 1024)})
		}(i)
	}
	wg.Wait()

	got, err := p.Match(ctx, req)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(got.Body) != 1024 || bytes.Count(got.Body, got.Body[:1]) != 1024 {
		t.Fatalf("entry should hold exactly one writer's body")
	}
}

func TestBackgroundWriterStoresAsynchronously(t *testing.T) {
	store := newTestStore(t, config.StorageBackendFS)
	writer := NewBackgroundWriter(store, logging.Discard(), nil)
	req := mustRequest(t, http.MethodGet, "https://dollar.local/feed")
	resp := &fetch.Response{Status: 200, Body: []byte("feed")}

	writer.PutAsync("dev-dollar-dynamic-v1", req, resp)
	writer.Wait()

	got, err := store.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(got.Body) != "feed" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestBackgroundWriterSwallowsFailures(t *testing.T) {
	store := newTestStore(t, config.StorageBackendFS)
	writer := NewBackgroundWriter(store, logging.Discard(), nil)
	writer.PutAsync("bad/name", mustRequest(t, http.MethodGet, "https://dollar.local/x"), &fetch.Response{Status: 200})
	writer.Wait()

	var disabled *BackgroundWriter
	if disabled.Enabled() {
		t.Fatalf("nil writer should be disabled")
	}
	disabled.PutAsync("x", nil, nil)
	disabled.Wait()
}

func TestLookupDoesNotCreatePartitions(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := newTestStore(t, backend)
			ctx := context.Background()
			if _, err := store.Lookup(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if has, _ := store.Has(ctx, "absent"); has {
				t.Fatalf("lookup must not create partitions")
			}

			p, _ := store.Open(ctx, "dev-dollar-dynamic-v1")
			req := mustRequest(t, http.MethodGet, "https://dollar.local/api/total")
			if err := p.Put(ctx, req, &fetch.Response{Status: 200, Body: []byte("1")}); err != nil {
				t.Fatalf("put: %v", err)
			}
			_, _ = store.Open(ctx, "dev-dollar-static-v1")

			snap, err := Snapshot(ctx, store)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if len(snap) != 2 || snap[0].Name != "dev-dollar-dynamic-v1" || snap[1].Name != "dev-dollar-static-v1" {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			if len(snap[0].Entries) != 1 || snap[0].Entries[0] != "https://dollar.local/api/total" {
				t.Fatalf("unexpected entries %v", snap[0].Entries)
			}
			if len(snap[1].Entries) != 0 {
				t.Fatalf("static partition should be empty, got %v", snap[1].Entries)
			}
		})
	}
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := NewStore("redis", t.TempDir()); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T, backend string) Store {
	t.Helper()
	store, err := NewStore(backend, filepath.Join(t.TempDir(), "site"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustRequest(t *testing.T, method, raw string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(method, raw)
	if err != nil {
		t.Fatalf("request %s: %v", raw, err)
	}
	return req
}
