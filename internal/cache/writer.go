package cache

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

// ErrStoreUnavailable 表示当前站点未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// BackgroundWriter 以“发出即忘”的方式写入分区：调用方立即返回，
// 写入在独立 goroutine 中完成，失败只记录日志。Wait 用于停机或测试时
// 等待所有已发出的写入结束。
type BackgroundWriter struct {
	store  Store
	logger *logrus.Logger
	fields logrus.Fields
	wg     conc.WaitGroup
}

// NewBackgroundWriter 构造后台写入器，fields 会附加到每条失败日志上。
func NewBackgroundWriter(store Store, logger *logrus.Logger, fields logrus.Fields) *BackgroundWriter {
	return &BackgroundWriter{
		store:  store,
		logger: logger,
		fields: fields,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w *BackgroundWriter) Enabled() bool {
	return w != nil && w.store != nil
}

// PutAsync 打开分区并写入响应，不阻塞调用方。resp 在写入期间只被读取。
func (w *BackgroundWriter) PutAsync(partition string, req *fetch.Request, resp *fetch.Response) {
	if !w.Enabled() {
		return
	}
	w.wg.Go(func() {
		if err := w.put(context.Background(), partition, req, resp); err != nil {
			w.logFailure(partition, req, err)
		}
	})
}

// Wait 阻塞直到所有已发出的写入完成。
func (w *BackgroundWriter) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *BackgroundWriter) put(ctx context.Context, partition string, req *fetch.Request, resp *fetch.Response) error {
	if w.store == nil {
		return ErrStoreUnavailable
	}
	p, err := w.store.Open(ctx, partition)
	if err != nil {
		return err
	}
	return p.Put(ctx, req, resp)
}

func (w *BackgroundWriter) logFailure(partition string, req *fetch.Request, err error) {
	if w.logger == nil {
		return
	}
	fields := logrus.Fields{}
	for k, v := range w.fields {
		fields[k] = v
	}
	fields["action"] = "cache_put"
	fields["partition"] = partition
	fields["key"] = req.CacheKey()
	w.logger.WithError(err).WithFields(fields).Warn("cache_put_failed")
}
