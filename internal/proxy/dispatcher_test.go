package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/server"
)

func TestClassify(t *testing.T) {
	w := newTestWorker(t, &stubNetwork{})
	d := w.Dispatcher()

	cases := []struct {
		name   string
		method string
		url    string
		mode   fetch.Mode
		want   Strategy
	}{
		{"post", http.MethodPost, testOrigin + "/donate", fetch.ModeCORS, StrategyPassthrough},
		{"head", http.MethodHead, testOrigin + "/logo.png", fetch.ModeNoCORS, StrategyPassthrough},
		{"extension scheme", http.MethodGet, "chrome-extension://abc/inject.js", fetch.ModeNoCORS, StrategyPassthrough},
		{"data scheme", http.MethodGet, "data:text/plain,hi", fetch.ModeNoCORS, StrategyPassthrough},
		{"navigation", http.MethodGet, testOrigin + "/campaign/42", fetch.ModeNavigate, StrategyNavigation},
		{"navigation to static path", http.MethodGet, testOrigin + "/logo.png", fetch.ModeNavigate, StrategyNavigation},
		{"static logo", http.MethodGet, testOrigin + "/logo.png", fetch.ModeNoCORS, StrategyStatic},
		{"static root", http.MethodGet, testOrigin + "/", fetch.ModeCORS, StrategyStatic},
		{"static with query", http.MethodGet, testOrigin + "/manifest.json?v=3", fetch.ModeCORS, StrategyStatic},
		{"dynamic api", http.MethodGet, testOrigin + "/api/donations", fetch.ModeCORS, StrategyNetworkFirst},
		{"unlisted asset", http.MethodGet, testOrigin + "/app.js", fetch.ModeNoCORS, StrategyNetworkFirst},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Classify(request(t, tc.method, tc.url, tc.mode))
			if got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestNonGetRequestsAreNeverIntercepted(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)
	ctx := context.Background()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		res := w.Dispatcher().Dispatch(ctx, request(t, method, testOrigin+"/api/donations", fetch.ModeCORS))
		if res.Outcome != OutcomePassthrough || res.Response != nil {
			t.Fatalf("%s should pass through, got %+v", method, res)
		}
	}
	if network.count() != 0 {
		t.Fatalf("dispatcher must not fetch for passthrough requests, got %d calls", network.count())
	}
	w.Drain()
	if keys := partitionKeys(t, w.Store(), "dev-dollar-dynamic-v1"); len(keys) != 0 {
		t.Fatalf("passthrough requests must not be stored, got %v", keys)
	}
}

func TestNonHTTPSchemesAreNeverIntercepted(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, "chrome-extension://abc/inject.js", fetch.ModeNoCORS))
	if res.Outcome != OutcomePassthrough {
		t.Fatalf("expected passthrough, got %v", res.Outcome)
	}
	if network.count() != 0 {
		t.Fatalf("expected no network calls, got %d", network.count())
	}
}

func TestNavigationServesCachedRootWithoutNetwork(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/campaign/42", fetch.ModeNavigate))
	if res.Outcome != OutcomeRespond || res.Source != SourceCache {
		t.Fatalf("expected cached navigation response, got %+v", res)
	}
	if string(res.Response.Body) != "network:/index.html" {
		t.Fatalf("navigation should serve the cached root document, got %q", res.Response.Body)
	}
	if network.count() != 0 {
		t.Fatalf("cached navigation must not hit the network, got %d calls", network.count())
	}
}

func TestNavigationFallsBackToNetworkWhenUncached(t *testing.T) {
	network := &stubNetwork{}
	w := newTestWorker(t, network)
	if _, err := w.Lifecycle().Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/about", fetch.ModeNavigate))
	if res.Outcome != OutcomeRespond || res.Source != SourceNetwork {
		t.Fatalf("expected network navigation response, got %+v", res)
	}
	if network.count() != 1 {
		t.Fatalf("expected one network call, got %d", network.count())
	}

	network.setOffline(true)
	res = w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/about", fetch.ModeNavigate))
	if res.Outcome != OutcomeNoResponse {
		t.Fatalf("offline navigation without cached root should yield no response, got %+v", res)
	}
}

func TestStaticAssetMissFetchesOnceAndDoesNotStore(t *testing.T) {
	network := &stubNetwork{}
	w := newTestWorker(t, network)
	if _, err := w.Lifecycle().Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/logo.png", fetch.ModeNoCORS))
	if res.Outcome != OutcomeRespond || res.Source != SourceNetwork {
		t.Fatalf("expected network response, got %+v", res)
	}
	if string(res.Response.Body) != "network:/logo.png" {
		t.Fatalf("unexpected body %q", res.Response.Body)
	}
	if network.count() != 1 {
		t.Fatalf("expected exactly one network fetch, got %d", network.count())
	}

	w.Drain()
	for _, name := range []string{"dev-dollar-static-v1", "dev-dollar-dynamic-v1"} {
		if keys := partitionKeys(t, w.Store(), name); len(keys) != 0 {
			t.Fatalf("static strategy must not write to %s, got %v", name, keys)
		}
	}
}

func TestStaticAssetServedFromCache(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/icon-192.png", fetch.ModeNoCORS))
	if res.Outcome != OutcomeRespond || res.Source != SourceCache {
		t.Fatalf("expected cache hit, got %+v", res)
	}
	if network.count() != 0 {
		t.Fatalf("cache hit must not fetch, got %d", network.count())
	}
}

func TestStaticAssetRetriesNetworkOnceAfterFailure(t *testing.T) {
	network := &stubNetwork{offline: true}
	w := newTestWorker(t, network)
	if _, err := w.Lifecycle().Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/logo.png", fetch.ModeNoCORS))
	if res.Outcome != OutcomeNoResponse {
		t.Fatalf("expected no response while offline, got %+v", res)
	}
	if network.count() != 2 {
		t.Fatalf("expected the failed fetch plus one direct retry, got %d", network.count())
	}
}

func TestStaticAssetCacheErrorFallsBackToNetwork(t *testing.T) {
	network := &stubNetwork{}
	store := failingStore{Store: newTestWorker(t, network).Store()}
	d := NewDispatcher(store, network, nil, nil, DispatcherOptions{
		StaticAssets: testRegistrySite(t).StaticAssets,
	})

	res := d.Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/logo.png", fetch.ModeNoCORS))
	if res.Outcome != OutcomeRespond || res.Source != SourceNetwork {
		t.Fatalf("cache errors should fall back to a direct fetch, got %+v", res)
	}
	if network.count() != 1 {
		t.Fatalf("expected one direct fetch, got %d", network.count())
	}
}

func TestNetworkFirstStoresSuccessfulResponses(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)

	req := request(t, http.MethodGet, testOrigin+"/api/donations?page=1", fetch.ModeCORS)
	res := w.Dispatcher().Dispatch(context.Background(), req)
	if res.Outcome != OutcomeRespond || res.Source != SourceNetwork {
		t.Fatalf("expected network response, got %+v", res)
	}
	if string(res.Response.Body) != "network:/api/donations" {
		t.Fatalf("response must be returned unmodified, got %q", res.Response.Body)
	}

	w.Drain()
	keys := partitionKeys(t, w.Store(), "dev-dollar-dynamic-v1")
	if len(keys) != 1 || keys[0] != testOrigin+"/api/donations?page=1" {
		t.Fatalf("expected the response stored under its URL, got %v", keys)
	}
	stored, err := w.Store().Match(context.Background(), req)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(stored.Body) != string(res.Response.Body) {
		t.Fatalf("stored copy differs: %q", stored.Body)
	}
}

func TestNetworkFirstSkipsNon200(t *testing.T) {
	network := &stubNetwork{status: map[string]int{
		"/api/missing": http.StatusNotFound,
		"/api/created": http.StatusCreated,
	}}
	w := newStartedWorker(t, network)

	for _, path := range []string{"/api/missing", "/api/created"} {
		res := w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+path, fetch.ModeCORS))
		if res.Outcome != OutcomeRespond {
			t.Fatalf("%s: HTTP errors are still responses, got %+v", path, res)
		}
	}
	w.Drain()
	if keys := partitionKeys(t, w.Store(), "dev-dollar-dynamic-v1"); len(keys) != 0 {
		t.Fatalf("only status 200 may be stored, got %v", keys)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	network := &stubNetwork{}
	w := newStartedWorker(t, network)
	ctx := context.Background()
	req := request(t, http.MethodGet, testOrigin+"/api/total", fetch.ModeCORS)

	if res := w.Dispatcher().Dispatch(ctx, req); res.Source != SourceNetwork {
		t.Fatalf("expected first response from network, got %+v", res)
	}
	w.Drain()

	network.setOffline(true)
	res := w.Dispatcher().Dispatch(ctx, req)
	if res.Outcome != OutcomeRespond || res.Source != SourceCache {
		t.Fatalf("expected cached fallback, got %+v", res)
	}
	if string(res.Response.Body) != "network:/api/total" {
		t.Fatalf("unexpected cached body %q", res.Response.Body)
	}

	miss := w.Dispatcher().Dispatch(ctx, request(t, http.MethodGet, testOrigin+"/api/other", fetch.ModeCORS))
	if miss.Outcome != OutcomeNoResponse {
		t.Fatalf("uncached request while offline should yield no response, got %+v", miss)
	}
}

func TestNavigationOutsideScopePassesThrough(t *testing.T) {
	network := &stubNetwork{}
	route := testRegistrySite(t)
	scope := *route.ScopeURL
	scope.Path = "/campaign/"
	d := NewDispatcher(nil, network, nil, nil, DispatcherOptions{Scope: &scope})

	if got := d.Classify(request(t, http.MethodGet, testOrigin+"/admin", fetch.ModeNavigate)); got != StrategyPassthrough {
		t.Fatalf("out-of-scope navigation should pass through, got %s", got)
	}
	if got := d.Classify(request(t, http.MethodGet, testOrigin+"/campaign/1", fetch.ModeNavigate)); got != StrategyNavigation {
		t.Fatalf("in-scope navigation should be handled, got %s", got)
	}
}

func TestDispatchRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	network := &stubNetwork{offline: true}
	w := newTestWorker(t, network)
	w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodGet, testOrigin+"/api/x", fetch.ModeCORS))
	w.Dispatcher().Dispatch(context.Background(), request(t, http.MethodPost, testOrigin+"/api/x", fetch.ModeCORS))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span for the intercepted request, got %d", len(spans))
	}
	if spans[0].Name() != "proxy.dispatch" {
		t.Fatalf("unexpected span name %s", spans[0].Name())
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "offline.outcome" && attr.Value.AsString() == "no_response" {
			found = true
		}
	}
	if !found {
		t.Fatalf("span should record the outcome, got %v", spans[0].Attributes())
	}
}

type failingStore struct {
	cache.Store
}

func (failingStore) Match(context.Context, *fetch.Request) (*fetch.Response, error) {
	return nil, errors.New("disk read failed")
}

func testRegistrySite(t *testing.T) *server.SiteRoute {
	t.Helper()
	route, _ := testRegistry(t).Site("dollar")
	return route
}
