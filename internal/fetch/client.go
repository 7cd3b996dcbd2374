package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNetwork 表示请求未能得到任何响应（连接失败、超时、读取中断）。
// 与浏览器 fetch 一致，HTTP 错误状态码不属于网络失败。
var ErrNetwork = errors.New("network request failed")

// Network 抽象“访问源站”这一能力，便于在测试中注入桩实现。
type Network interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

// Do makes NetworkFunc satisfy Network.
func (f NetworkFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Client 基于共享 http.Client 访问源站，并把响应正文完整读入内存。
type Client struct {
	http *http.Client
}

// NewClient 包装共享的 http.Client；client 为空时使用 http.DefaultClient。
func NewClient(client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client}
}

// Do 执行请求并返回拥有正文所有权的 Response。
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	// 交由 Transport 自行协商压缩，缓存中只保存解压后的正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	// 正文已被完整读取，原始长度头可能与解压后的长度不一致。
	header.Del("Content-Length")

	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		URL:    finalURL,
	}, nil
}
