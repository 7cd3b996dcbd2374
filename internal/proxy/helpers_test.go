package proxy

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/config"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/logging"
	"github.com/dev-dollar/offline-proxy/internal/server"
)

const testOrigin = "https://dollar.local"

// stubNetwork 记录每次回源请求，并按路径返回预设状态码。
type stubNetwork struct {
	mu      sync.Mutex
	calls   []string
	offline bool
	status  map[string]int
	header  http.Header
}

func (s *stubNetwork) Do(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Method+" "+req.URL.String())
	if s.offline {
		return nil, fetch.ErrNetwork
	}
	status := http.StatusOK
	if code, ok := s.status[req.URL.Path]; ok {
		status = code
	}
	header := http.Header{"Content-Type": {"text/plain"}}
	for k, v := range s.header {
		header[k] = v
	}
	return &fetch.Response{
		Status: status,
		Header: header,
		Body:   []byte("network:" + req.URL.Path),
		URL:    req.URL.String(),
	}, nil
}

func (s *stubNetwork) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubNetwork) setOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *stubNetwork) reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func testSiteConfig() config.SiteConfig {
	return config.SiteConfig{
		Name:               "dollar",
		Domain:             "dollar.proxy.local",
		Origin:             testOrigin,
		Scope:              config.DefaultScope,
		CachePrefix:        config.DefaultCachePrefix,
		CacheVersion:       config.DefaultCacheVersion,
		StaticAssets:       config.DefaultStaticAssets(),
		NavigationFallback: config.DefaultNavigationFallback,
		SyncTag:            config.DefaultSyncTag,
		NotificationTitle:  config.DefaultNotificationTitle,
		NotificationBody:   config.DefaultNotificationBody,
		NotificationIcon:   config.DefaultNotificationIcon,
	}
}

func testRegistry(t *testing.T) *server.SiteRegistry {
	t.Helper()
	registry, err := server.NewSiteRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Sites:  []config.SiteConfig{testSiteConfig()},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}

// newTestWorker 构造使用临时目录存储的 Worker，尚未安装。
func newTestWorker(t *testing.T, network fetch.Network) *Worker {
	t.Helper()
	route, _ := testRegistry(t).Site("dollar")
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	w, err := NewWorker(route, WorkerDeps{
		Store:   store,
		Network: network,
		Logger:  logging.Discard(),
		Global: config.GlobalConfig{
			MaxRetries:     1,
			InitialBackoff: config.Duration(1),
		},
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// newStartedWorker 返回已安装并接管请求的 Worker，网络调用计数已清零。
func newStartedWorker(t *testing.T, network *stubNetwork) *Worker {
	t.Helper()
	w := newTestWorker(t, network)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	network.reset()
	return w
}

func request(t *testing.T, method, raw string, mode fetch.Mode) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(method, raw)
	if err != nil {
		t.Fatalf("request %s: %v", raw, err)
	}
	req.Mode = mode
	return req
}

func partitionKeys(t *testing.T, store cache.Store, name string) []string {
	t.Helper()
	p, err := store.Lookup(context.Background(), name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	keys, err := p.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}
