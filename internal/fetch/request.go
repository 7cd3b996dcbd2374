package fetch

import (
	"net/http"
	"net/url"
	"strings"
)

// Mode 对应页面发起请求时的 fetch 模式。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
)

// Request 是一次被拦截请求的瞬时描述，不会被持久化。
type Request struct {
	Method string
	URL    *url.URL
	Mode   Mode
	Header http.Header
	Body   []byte
}

// NewRequest 解析 rawURL 并构造请求，Method 为空时视为 GET。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Mode:   ModeNoCORS,
		Header: http.Header{},
	}, nil
}

// IsHTTP 判断请求 URL 是否为 http/https，其他 scheme 一律不拦截也不缓存。
func (r *Request) IsHTTP() bool {
	if r == nil || r.URL == nil {
		return false
	}
	scheme := strings.ToLower(r.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

// CacheKey 返回缓存键：去掉 fragment 的绝对 URL。
func (r *Request) CacheKey() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return KeyForURL(r.URL)
}

// KeyForURL 规范化 URL 作为缓存键，fragment 不参与匹配。
func KeyForURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	if clone.Path == "" {
		clone.Path = "/"
	}
	return clone.String()
}
