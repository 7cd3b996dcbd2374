package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageBackend {
	case StorageBackendFS, StorageBackendLevelDB:
	default:
		return newFieldError("Global.StorageBackend", "仅支持 fs/leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\`) || site.Name == "." || site.Name == ".." {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if !strings.HasPrefix(site.Scope, "/") {
			return newFieldError(siteField(site.Name, "Scope"), "必须以 / 开头")
		}
		if strings.ContainsAny(site.CachePrefix+site.CacheVersion, `/\ `) {
			return newFieldError(siteField(site.Name, "CacheVersion"), "分区名不允许包含空格或路径分隔符")
		}
		for _, asset := range site.StaticAssets {
			if err := validateAsset(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "StaticAssets"), err)
			}
		}
		if err := validateAsset(site.NavigationFallback); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "NavigationFallback"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateAsset 只接受同源相对路径，资源清单不能引用其它站点。
func validateAsset(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("资源路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("资源路径必须为相对路径: %s", raw)
	}
	return nil
}
