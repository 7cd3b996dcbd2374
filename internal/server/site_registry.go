package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/dev-dollar/offline-proxy/internal/config"
)

// SiteRoute 将站点配置与派生属性（解析后的源站、作用域与静态资源地址）
// 聚合在一起，供 worker 构造与代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是用户在 config.toml 中声明的 Site 字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// OriginURL 为源站根地址，ScopeURL 为源站上的作用域根（以 / 结尾）。
	OriginURL *url.URL
	ScopeURL  *url.URL
	// StaticAssets 与 NavigationFallback 已相对 ScopeURL 解析为绝对地址。
	StaticAssets       []*url.URL
	NavigationFallback *url.URL
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[site.Name]; exists {
			return nil, fmt.Errorf("duplicate site name %s", site.Name)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Site 按站点名称查找 SiteRoute，供诊断接口使用。
func (r *SiteRegistry) Site(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回按配置顺序排列的 SiteRoute 指针，调用方不应修改其内容。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]*SiteRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// UpstreamURL 把请求路径与查询串映射到源站上的绝对地址。
func (r *SiteRoute) UpstreamURL(path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := *r.OriginURL
	target.Path = strings.TrimSuffix(r.OriginURL.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	originURL, err := url.Parse(site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
	}

	scopeURL := originURL.ResolveReference(&url.URL{
		Path: strings.TrimSuffix(originURL.Path, "/") + site.Scope,
	})

	assets := make([]*url.URL, 0, len(site.StaticAssets))
	for _, raw := range site.StaticAssets {
		resolved, err := resolveAgainst(scopeURL, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid static asset %q for site %s: %w", raw, site.Name, err)
		}
		assets = append(assets, resolved)
	}

	var fallback *url.URL
	if site.NavigationFallback != "" {
		fallback, err = resolveAgainst(scopeURL, site.NavigationFallback)
		if err != nil {
			return nil, fmt.Errorf("invalid navigation fallback for site %s: %w", site.Name, err)
		}
	}

	return &SiteRoute{
		Config:             site,
		ListenPort:         cfg.Global.ListenPort,
		OriginURL:          originURL,
		ScopeURL:           scopeURL,
		StaticAssets:       assets,
		NavigationFallback: fallback,
	}, nil
}

// resolveAgainst 以浏览器解析相对 URL 的方式把 "./x" 这类路径解析为绝对地址。
func resolveAgainst(base *url.URL, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
