package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

const tracerName = "github.com/dev-dollar/offline-proxy/internal/proxy"

// Result 是一次分发的结果。Response 仅在 Outcome 为 OutcomeRespond 时非空，
// 且与后台缓存写入共享同一份只读正文。
type Result struct {
	Outcome  Outcome
	Strategy Strategy
	Source   Source
	Response *fetch.Response
}

// DispatcherOptions 描述单个 worker 版本的分发参数，URL 均已解析为绝对地址。
type DispatcherOptions struct {
	// Scope 为空时所有导航请求都在作用域内。
	Scope              *url.URL
	DynamicCache       string
	StaticAssets       []*url.URL
	NavigationFallback *url.URL
	Fields             logrus.Fields
}

// Dispatcher 按固定顺序为请求选择策略：非 GET 与非 http(s) 直接放行，
// 导航请求走入口文档，静态资源缓存优先，其余请求网络优先。
type Dispatcher struct {
	store    cache.Store
	network  fetch.Network
	writer   *cache.BackgroundWriter
	logger   *logrus.Logger
	tracer   trace.Tracer
	dynamic  string
	fields   logrus.Fields
	scope    string
	static   map[string]struct{}
	fallback *fetch.Request
}

// NewDispatcher 构造分发器。writer 为空时网络优先策略不会写缓存。
func NewDispatcher(store cache.Store, network fetch.Network, writer *cache.BackgroundWriter, logger *logrus.Logger, opts DispatcherOptions) *Dispatcher {
	static := make(map[string]struct{}, len(opts.StaticAssets))
	for _, asset := range opts.StaticAssets {
		if asset == nil {
			continue
		}
		static[pathOf(asset)] = struct{}{}
	}

	var fallback *fetch.Request
	if opts.NavigationFallback != nil {
		fallback = &fetch.Request{
			Method: http.MethodGet,
			URL:    opts.NavigationFallback,
			Mode:   fetch.ModeSameOrigin,
			Header: http.Header{},
		}
	}

	scope := "/"
	if opts.Scope != nil {
		scope = pathOf(opts.Scope)
	}

	return &Dispatcher{
		scope:    scope,
		store:    store,
		network:  network,
		writer:   writer,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		dynamic:  opts.DynamicCache,
		fields:   opts.Fields,
		static:   static,
		fallback: fallback,
	}
}

// Classify 返回请求命中的策略，不产生任何 IO。
func (d *Dispatcher) Classify(req *fetch.Request) Strategy {
	switch {
	case req == nil || req.Method != http.MethodGet:
		return StrategyPassthrough
	case !req.IsHTTP():
		return StrategyPassthrough
	case req.Mode == fetch.ModeNavigate:
		// 作用域之外的页面不受 worker 控制。
		if !strings.HasPrefix(pathOf(req.URL), d.scope) {
			return StrategyPassthrough
		}
		return StrategyNavigation
	case d.isStatic(req.URL):
		return StrategyStatic
	default:
		return StrategyNetworkFirst
	}
}

// Dispatch 执行请求对应的策略。各策略内部的失败都转化为回退路径，
// 不向调用方返回错误；全部回退失败时结果为 OutcomeNoResponse。
func (d *Dispatcher) Dispatch(ctx context.Context, req *fetch.Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	strategy := d.Classify(req)
	if strategy == StrategyPassthrough {
		return Result{Outcome: OutcomePassthrough, Strategy: strategy}
	}

	ctx, span := d.tracer.Start(ctx, "proxy.dispatch", trace.WithAttributes(
		attribute.String("offline.strategy", string(strategy)),
		attribute.String("url.full", req.CacheKey()),
	))
	defer span.End()

	var result Result
	switch strategy {
	case StrategyNavigation:
		result = d.navigate(ctx, req)
	case StrategyStatic:
		result = d.staticFirst(ctx, req)
	default:
		result = d.networkFirst(ctx, req)
	}
	result.Strategy = strategy

	span.SetAttributes(
		attribute.String("offline.outcome", result.Outcome.String()),
		attribute.String("offline.source", string(result.Source)),
	)
	if result.Outcome == OutcomeNoResponse {
		span.SetStatus(codes.Error, "no response available")
	}
	return result
}

// navigate 先查入口文档缓存，未命中再回源；任一步出错时再查一次入口文档。
func (d *Dispatcher) navigate(ctx context.Context, req *fetch.Request) Result {
	if resp, err := d.matchFallback(ctx); err == nil {
		return respond(resp, SourceCache)
	} else if !errors.Is(err, cache.ErrNotFound) {
		d.logCacheError(err, req)
		return d.fallbackOrNothing(ctx)
	}

	resp, err := d.network.Do(ctx, req)
	if err != nil {
		d.logNetworkError(err, req)
		return d.fallbackOrNothing(ctx)
	}
	return respond(resp, SourceNetwork)
}

func (d *Dispatcher) fallbackOrNothing(ctx context.Context) Result {
	resp, err := d.matchFallback(ctx)
	if err != nil {
		return Result{Outcome: OutcomeNoResponse}
	}
	return respond(resp, SourceCache)
}

func (d *Dispatcher) matchFallback(ctx context.Context) (*fetch.Response, error) {
	if d.fallback == nil || d.store == nil {
		return nil, cache.ErrNotFound
	}
	return d.store.Match(ctx, d.fallback)
}

// staticFirst 缓存命中直接返回，未命中回源；缓存读取或回源失败时再直接回源一次。
// 该策略从不写缓存，静态分区只在安装阶段填充。
func (d *Dispatcher) staticFirst(ctx context.Context, req *fetch.Request) Result {
	resp, err := d.match(ctx, req)
	switch {
	case err == nil:
		return respond(resp, SourceCache)
	case !errors.Is(err, cache.ErrNotFound):
		d.logCacheError(err, req)
		return d.networkOnly(ctx, req)
	}

	resp, err = d.network.Do(ctx, req)
	if err != nil {
		d.logNetworkError(err, req)
		return d.networkOnly(ctx, req)
	}
	return respond(resp, SourceNetwork)
}

func (d *Dispatcher) networkOnly(ctx context.Context, req *fetch.Request) Result {
	resp, err := d.network.Do(ctx, req)
	if err != nil {
		d.logNetworkError(err, req)
		return Result{Outcome: OutcomeNoResponse}
	}
	return respond(resp, SourceNetwork)
}

// networkFirst 回源成功即返回；状态码恰为 200 时把同一份响应异步写入动态分区。
// 回源失败时在所有分区中查找该请求。
func (d *Dispatcher) networkFirst(ctx context.Context, req *fetch.Request) Result {
	resp, err := d.network.Do(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK && req.IsHTTP() && d.dynamic != "" {
			d.writer.PutAsync(d.dynamic, req, resp)
		}
		return respond(resp, SourceNetwork)
	}
	d.logNetworkError(err, req)

	cached, matchErr := d.match(ctx, req)
	if matchErr != nil {
		if !errors.Is(matchErr, cache.ErrNotFound) {
			d.logCacheError(matchErr, req)
		}
		return Result{Outcome: OutcomeNoResponse}
	}
	return respond(cached, SourceCache)
}

func (d *Dispatcher) match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if d.store == nil {
		return nil, cache.ErrNotFound
	}
	return d.store.Match(ctx, req)
}

func (d *Dispatcher) isStatic(u *url.URL) bool {
	if u == nil {
		return false
	}
	_, ok := d.static[pathOf(u)]
	return ok
}

func (d *Dispatcher) logCacheError(err error, req *fetch.Request) {
	d.log(logrus.WarnLevel, "cache_match_failed", err, req)
}

func (d *Dispatcher) logNetworkError(err error, req *fetch.Request) {
	d.log(logrus.DebugLevel, "network_failed", err, req)
}

func (d *Dispatcher) log(level logrus.Level, msg string, err error, req *fetch.Request) {
	if d.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "dispatch"}
	for k, v := range d.fields {
		fields[k] = v
	}
	fields["key"] = req.CacheKey()
	d.logger.WithFields(fields).WithError(err).Log(level, msg)
}

func respond(resp *fetch.Response, source Source) Result {
	return Result{Outcome: OutcomeRespond, Source: source, Response: resp}
}

func pathOf(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
