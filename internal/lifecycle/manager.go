// Package lifecycle 管理单个站点 worker 版本的 install → activate 流程：
// 安装阶段预取静态资源写入静态分区，激活阶段清理旧版本分区并开始接管请求。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

// State 描述 worker 版本当前所处阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options 描述一个 worker 版本的静态配置。
type Options struct {
	StaticCache  string
	DynamicCache string
	// StaticAssets 为已解析成绝对地址的静态资源，顺序与清单一致。
	StaticAssets []*url.URL
	Fields       logrus.Fields
}

// Manager 持有单个 worker 版本的生命周期状态。
type Manager struct {
	store   cache.Store
	network fetch.Network
	logger  *logrus.Logger
	opts    Options

	mu          sync.Mutex
	state       State
	controlling atomic.Bool
}

// NewManager 构造生命周期管理器，初始状态为 parsed。
func NewManager(store cache.Store, network fetch.Network, logger *logrus.Logger, opts Options) *Manager {
	return &Manager{
		store:   store,
		network: network,
		logger:  logger,
		opts:    opts,
		state:   StateParsed,
	}
}

// State 返回当前阶段。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Controlling 表示该版本是否已接管站点请求。
func (m *Manager) Controlling() bool {
	return m.controlling.Load()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start 依次执行 Install 与 Activate，安装完成后不等待旧版本退出。
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	_, err := m.Activate(ctx)
	return err
}

// Install 打开静态分区并预取全部静态资源。资源抓取失败只记录日志，
// 安装仍然完成；只有无法打开分区时才返回错误并把版本标记为 redundant。
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)

	partition, err := m.store.Open(ctx, m.opts.StaticCache)
	if err != nil {
		m.setState(StateRedundant)
		m.log(logrus.ErrorLevel, "cache_install_failed", err, logrus.Fields{"partition": m.opts.StaticCache})
		return fmt.Errorf("open static cache: %w", err)
	}

	m.log(logrus.InfoLevel, "cache_install_started", nil, logrus.Fields{
		"partition": m.opts.StaticCache,
		"assets":    len(m.opts.StaticAssets),
	})
	if err := m.addAll(ctx, partition); err != nil {
		m.log(logrus.WarnLevel, "cache_install_failed", err, logrus.Fields{"partition": m.opts.StaticCache})
	} else {
		m.log(logrus.InfoLevel, "cache_install_complete", nil, logrus.Fields{"partition": m.opts.StaticCache})
	}

	m.setState(StateInstalled)
	return nil
}

// addAll 并发抓取所有静态资源，全部成功（2xx）后才统一写入，
// 任何一项失败都不会在分区中留下部分结果。
func (m *Manager) addAll(ctx context.Context, partition cache.Partition) error {
	requests := make([]*fetch.Request, len(m.opts.StaticAssets))
	responses := make([]*fetch.Response, len(m.opts.StaticAssets))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, asset := range m.opts.StaticAssets {
		req := &fetch.Request{
			Method: http.MethodGet,
			URL:    asset,
			Mode:   fetch.ModeCORS,
			Header: http.Header{},
		}
		requests[i] = req
		group.Go(func() error {
			resp, err := m.network.Do(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, req := range requests {
		if err := partition.Put(ctx, req, responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}

// Activate 删除所有名称不等于当前静态/动态分区的旧分区，确保两个当前分区
// 存在，然后开始接管请求。返回被删除的分区名；删除失败只记录日志。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	m.setState(StateActivating)

	names, err := m.store.Keys(ctx)
	if err != nil {
		m.log(logrus.ErrorLevel, "cache_prune_failed", err, nil)
		names = nil
	}

	var pruned []string
	var errs []error
	for _, name := range names {
		if name == m.opts.StaticCache || name == m.opts.DynamicCache {
			continue
		}
		if _, delErr := m.store.Delete(ctx, name); delErr != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, delErr))
			m.log(logrus.WarnLevel, "cache_prune_failed", delErr, logrus.Fields{"partition": name})
			continue
		}
		pruned = append(pruned, name)
		m.log(logrus.InfoLevel, "cache_pruned", nil, logrus.Fields{"partition": name})
	}

	for _, name := range []string{m.opts.StaticCache, m.opts.DynamicCache} {
		if _, openErr := m.store.Open(ctx, name); openErr != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", name, openErr))
			m.log(logrus.WarnLevel, "cache_open_failed", openErr, logrus.Fields{"partition": name})
		}
	}

	m.controlling.Store(true)
	m.setState(StateActivated)
	m.log(logrus.InfoLevel, "worker_activated", nil, logrus.Fields{"pruned": len(pruned)})

	if err != nil {
		errs = append(errs, err)
	}
	return pruned, errors.Join(errs...)
}

func (m *Manager) log(level logrus.Level, msg string, err error, extra logrus.Fields) {
	if m.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "lifecycle"}
	for k, v := range m.opts.Fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(level, msg)
}
