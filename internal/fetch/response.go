package fetch

import "net/http"

// Response 是一份拥有所有权的响应缓冲区。创建后不应再被修改，
// 返回路径与缓存写入路径可以安全地共享同一个指针。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
}

// OK 与浏览器 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，供需要独立修改头部的调用方使用。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
		URL:    r.URL,
	}
}
