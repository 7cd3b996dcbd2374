package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

// Store 对应浏览器的 CacheStorage：按名称管理分区。
//
// 分区在 Open 时创建；Keys 按名称排序返回，Match 也按该顺序依次查找。
type Store interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)
	// Lookup 返回已存在的分区，不存在时返回 ErrNotFound 且不会创建。
	Lookup(ctx context.Context, name string) (Partition, error)
	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除整个分区及其条目，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
	// Keys 返回全部分区名。
	Keys(ctx context.Context) ([]string, error)
	// Match 在所有分区中查找请求，均未命中时返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Close 释放底层资源。
	Close() error
}

// Partition 是单个命名缓存分区，键为请求的绝对 URL。
type Partition interface {
	Name() string
	// Match 查找请求对应的响应，未命中时返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	// Put 写入响应。非 GET 或非 http(s) 请求返回 ErrNotCacheable。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error
	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)
	// Keys 返回分区内全部条目的 URL。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示请求不满足“仅 GET + http(s)”的缓存约束。
	ErrNotCacheable = errors.New("request is not cacheable")
	// ErrInvalidName 表示分区名为空或包含路径字符。
	ErrInvalidName = errors.New("invalid partition name")
)

// Cacheable 判断请求能否读写分区：只接受 GET 且 scheme 为 http/https。
func Cacheable(req *fetch.Request) bool {
	return req != nil && req.Method == http.MethodGet && req.IsHTTP()
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}

// record 是条目的持久化形态，两个后端共用。
type record struct {
	Key    string      `json:"key"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	URL    string      `json:"url,omitempty"`
}

func newRecord(key string, resp *fetch.Response) record {
	return record{
		Key:    key,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		URL:    resp.URL,
	}
}

func (r record) response(body []byte) *fetch.Response {
	header := r.Header
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		Status: r.Status,
		Header: header,
		Body:   body,
		URL:    r.URL,
	}
}

// PartitionSummary 是分区及其条目键的快照。
type PartitionSummary struct {
	Name    string
	Entries []string
}

// Snapshot 列出所有分区及其条目，分区在遍历期间被删除时跳过。
func Snapshot(ctx context.Context, s Store) ([]PartitionSummary, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]PartitionSummary, 0, len(names))
	for _, name := range names {
		p, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, PartitionSummary{Name: name, Entries: keys})
	}
	return result, nil
}
