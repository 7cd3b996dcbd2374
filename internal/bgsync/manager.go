// Package bgsync 实现站点级后台同步：页面登记一个 tag，worker 在网络可用时
// 执行该 tag 对应的处理函数，失败按指数退避重试，最终失败只记录日志。
package bgsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Handler 执行一次同步。返回 backoff.Permanent 包装的错误时不再重试。
type Handler func(ctx context.Context) error

// Options 控制重试策略。
type Options struct {
	InitialBackoff time.Duration
	MaxRetries     int
	Fields         logrus.Fields
}

// Manager 维护 tag → Handler 的映射以及尚未成功完成的 tag 集合。
type Manager struct {
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]struct{}
}

// NewManager 构造同步管理器。
func NewManager(logger *logrus.Logger, opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Manager{
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
		pending:  make(map[string]struct{}),
	}
}

// Handle 为 tag 注册处理函数，重复注册会覆盖旧值。
func (m *Manager) Handle(tag string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handler == nil {
		delete(m.handlers, tag)
		return
	}
	m.handlers[tag] = handler
}

// Known 判断 tag 是否有对应的处理函数。
func (m *Manager) Known(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[tag]
	return ok
}

// Pending 返回排序后的待完成 tag。
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Register 记录页面的同步请求并立即触发一次。未知 tag 被忽略。
func (m *Manager) Register(ctx context.Context, tag string) error {
	if !m.Known(tag) {
		m.log(logrus.DebugLevel, "background_sync_ignored", nil, tag, nil)
		return nil
	}
	m.mu.Lock()
	m.pending[tag] = struct{}{}
	m.mu.Unlock()
	return m.Fire(ctx, tag)
}

// Fire 执行 tag 对应的处理函数，失败按退避策略重试。
// 成功后 tag 从待完成集合中移除；最终失败时保留，等待下一次触发。
func (m *Manager) Fire(ctx context.Context, tag string) error {
	m.mu.Lock()
	handler, ok := m.handlers[tag]
	m.mu.Unlock()
	if !ok {
		m.log(logrus.DebugLevel, "background_sync_ignored", nil, tag, nil)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := 0
	operation := func() error {
		attempts++
		return handler(ctx)
	}
	notify := func(err error, wait time.Duration) {
		m.log(logrus.WarnLevel, "background_sync_retry", err, tag, logrus.Fields{
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
		})
	}

	err := backoff.RetryNotify(operation, m.policy(ctx), notify)
	if err != nil {
		m.mu.Lock()
		m.pending[tag] = struct{}{}
		m.mu.Unlock()
		m.log(logrus.ErrorLevel, "background_sync_failed", err, tag, logrus.Fields{"attempts": attempts})
		return err
	}

	m.mu.Lock()
	delete(m.pending, tag)
	m.mu.Unlock()
	m.log(logrus.InfoLevel, "background_sync_complete", nil, tag, logrus.Fields{"attempts": attempts})
	return nil
}

func (m *Manager) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.opts.InitialBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(m.opts.MaxRetries)), ctx)
}

func (m *Manager) log(level logrus.Level, msg string, err error, tag string, extra logrus.Fields) {
	if m.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "background_sync", "tag": tag}
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
