package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储后端类型。
const (
	StorageBackendFS      = "fs"
	StorageBackendLevelDB = "leveldb"
)

// 站点级默认值，与浏览器端 worker 脚本保持一致。
const (
	DefaultCachePrefix        = "dev-dollar"
	DefaultCacheVersion       = "v1"
	DefaultScope              = "/"
	DefaultNavigationFallback = "./index.html"
	DefaultSyncTag            = "background-sync-donation"
	DefaultNotificationTitle  = "Development Dollar Campaign"
	DefaultNotificationBody   = "New donation received!"
	DefaultNotificationIcon   = "./icon-192.png"
)

// DefaultStaticAssets 是离线首屏所需的最小资源集合。
func DefaultStaticAssets() []string {
	return []string{
		"./",
		"./index.html",
		"./manifest.json",
		"./logo.png",
		"./icon-192.png",
		"./icon-512.png",
	}
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
}

// SiteConfig 决定单个站点的 worker 版本、缓存分区与静态资源清单。
type SiteConfig struct {
	Name               string   `mapstructure:"Name"`
	Domain             string   `mapstructure:"Domain"`
	Origin             string   `mapstructure:"Origin"`
	Scope              string   `mapstructure:"Scope"`
	CachePrefix        string   `mapstructure:"CachePrefix"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	StaticAssets       []string `mapstructure:"StaticAssets"`
	AssetManifest      string   `mapstructure:"AssetManifest"`
	NavigationFallback string   `mapstructure:"NavigationFallback"`
	SyncTag            string   `mapstructure:"SyncTag"`
	NotificationTitle  string   `mapstructure:"NotificationTitle"`
	NotificationBody   string   `mapstructure:"NotificationBody"`
	NotificationIcon   string   `mapstructure:"NotificationIcon"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// StaticCacheName 返回静态资源分区名，例如 dev-dollar-static-v1。
func (s SiteConfig) StaticCacheName() string {
	return fmt.Sprintf("%s-static-%s", s.CachePrefix, s.CacheVersion)
}

// DynamicCacheName 返回动态内容分区名，例如 dev-dollar-dynamic-v1。
func (s SiteConfig) DynamicCacheName() string {
	return fmt.Sprintf("%s-dynamic-%s", s.CachePrefix, s.CacheVersion)
}

// SiteSummaries 返回所有站点的 name:version 摘要，供启动日志使用。
func SiteSummaries(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.CacheVersion)
	}
	return result
}
