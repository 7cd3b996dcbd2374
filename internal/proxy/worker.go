package proxy

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dev-dollar/offline-proxy/internal/bgsync"
	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/config"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/lifecycle"
	"github.com/dev-dollar/offline-proxy/internal/logging"
	"github.com/dev-dollar/offline-proxy/internal/push"
	"github.com/dev-dollar/offline-proxy/internal/server"
)

// WorkerDeps 汇总构造 Worker 所需的共享依赖。
type WorkerDeps struct {
	Store     cache.Store
	Network   fetch.Network
	Logger    *logrus.Logger
	Global    config.GlobalConfig
	Donations bgsync.DonationQueue
}

// Worker 是单个站点的一个 worker 版本：生命周期、请求分发、后台同步与通知中心
// 共享同一个缓存存储。
type Worker struct {
	route      *server.SiteRoute
	store      cache.Store
	writer     *cache.BackgroundWriter
	lifecycle  *lifecycle.Manager
	dispatcher *Dispatcher
	sync       *bgsync.Manager
	center     *push.Center
	fields     logrus.Fields
}

// NewWorker 根据站点路由构造 Worker，此时尚未安装也未接管请求。
func NewWorker(route *server.SiteRoute, deps WorkerDeps) (*Worker, error) {
	if route == nil {
		return nil, errors.New("site route is required")
	}
	if deps.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if deps.Network == nil {
		return nil, errors.New("network is required")
	}

	site := route.Config
	fields := logging.SiteFields(site.Name, site.Domain, site.CacheVersion)
	writer := cache.NewBackgroundWriter(deps.Store, deps.Logger, fields)

	manager := lifecycle.NewManager(deps.Store, deps.Network, deps.Logger, lifecycle.Options{
		StaticCache:  site.StaticCacheName(),
		DynamicCache: site.DynamicCacheName(),
		StaticAssets: route.StaticAssets,
		Fields:       fields,
	})

	dispatcher := NewDispatcher(deps.Store, deps.Network, writer, deps.Logger, DispatcherOptions{
		Scope:              route.ScopeURL,
		DynamicCache:       site.DynamicCacheName(),
		StaticAssets:       route.StaticAssets,
		NavigationFallback: route.NavigationFallback,
		Fields:             fields,
	})

	syncMgr := bgsync.NewManager(deps.Logger, bgsync.Options{
		InitialBackoff: deps.Global.InitialBackoff.DurationValue(),
		MaxRetries:     deps.Global.MaxRetries,
		Fields:         fields,
	})
	syncMgr.Handle(site.SyncTag, bgsync.SyncDonations(deps.Donations, deps.Logger, fields))

	center := push.NewCenter(deps.Logger, push.Options{
		Title:       site.NotificationTitle,
		DefaultBody: site.NotificationBody,
		Icon:        site.NotificationIcon,
	}, fields)

	return &Worker{
		route:      route,
		store:      deps.Store,
		writer:     writer,
		lifecycle:  manager,
		dispatcher: dispatcher,
		sync:       syncMgr,
		center:     center,
		fields:     fields,
	}, nil
}

// Route 返回 Worker 所属站点。
func (w *Worker) Route() *server.SiteRoute { return w.route }

// Store 返回站点缓存存储。
func (w *Worker) Store() cache.Store { return w.store }

// Lifecycle 返回生命周期管理器。
func (w *Worker) Lifecycle() *lifecycle.Manager { return w.lifecycle }

// Dispatcher 返回请求分发器。
func (w *Worker) Dispatcher() *Dispatcher { return w.dispatcher }

// Sync 返回后台同步管理器。
func (w *Worker) Sync() *bgsync.Manager { return w.sync }

// Notifications 返回通知中心。
func (w *Worker) Notifications() *push.Center { return w.center }

// Fields 返回站点日志字段的副本。
func (w *Worker) Fields() logrus.Fields {
	out := make(logrus.Fields, len(w.fields))
	for k, v := range w.fields {
		out[k] = v
	}
	return out
}

// Start 执行安装与激活。激活阶段的清理错误只影响返回值，worker 仍会接管请求。
func (w *Worker) Start(ctx context.Context) error {
	return w.lifecycle.Start(ctx)
}

// Drain 等待所有后台缓存写入完成。
func (w *Worker) Drain() {
	w.writer.Wait()
}

// Close 等待后台写入结束并关闭存储。
func (w *Worker) Close() error {
	w.Drain()
	return w.store.Close()
}

// Workers 以站点名称索引所有 Worker。
type Workers struct {
	mu    sync.RWMutex
	items map[string]*Worker
}

// NewWorkers 构造空的 Worker 集合。
func NewWorkers() *Workers {
	return &Workers{items: make(map[string]*Worker)}
}

// Add 注册 Worker，同名站点会被替换。
func (ws *Workers) Add(w *Worker) {
	if w == nil {
		return
	}
	ws.mu.Lock()
	ws.items[w.route.Config.Name] = w
	ws.mu.Unlock()
}

// Get 按站点名称查找 Worker。
func (ws *Workers) Get(name string) (*Worker, bool) {
	if ws == nil {
		return nil, false
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	w, ok := ws.items[name]
	return w, ok
}

// List 返回按站点名称排序的 Worker。
func (ws *Workers) List() []*Worker {
	if ws == nil {
		return nil
	}
	ws.mu.RLock()
	out := make([]*Worker, 0, len(ws.items))
	for _, w := range ws.items {
		out = append(out, w)
	}
	ws.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].route.Config.Name < out[j].route.Config.Name
	})
	return out
}

// Close 关闭全部 Worker，返回合并后的错误。
func (ws *Workers) Close() error {
	var errs []error
	for _, w := range ws.List() {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
