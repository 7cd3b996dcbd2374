package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、静态资源清单与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	baseDir := filepath.Dir(path)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
		if err := applyAssetManifest(&cfg.Sites[i], baseDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", StorageBackendFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = StorageBackendFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
}

func applySiteDefaults(s *SiteConfig) {
	if strings.TrimSpace(s.Scope) == "" {
		s.Scope = DefaultScope
	}
	if !strings.HasSuffix(s.Scope, "/") {
		s.Scope += "/"
	}
	if s.CachePrefix == "" {
		s.CachePrefix = DefaultCachePrefix
	}
	if s.CacheVersion == "" {
		s.CacheVersion = DefaultCacheVersion
	}
	if s.NavigationFallback == "" {
		s.NavigationFallback = DefaultNavigationFallback
	}
	if s.SyncTag == "" {
		s.SyncTag = DefaultSyncTag
	}
	if s.NotificationTitle == "" {
		s.NotificationTitle = DefaultNotificationTitle
	}
	if s.NotificationBody == "" {
		s.NotificationBody = DefaultNotificationBody
	}
	if s.NotificationIcon == "" {
		s.NotificationIcon = DefaultNotificationIcon
	}
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
}

// applyAssetManifest 在配置了 AssetManifest 时用构建产物中的清单覆盖 StaticAssets，
// 两者都未配置时回退到默认清单。
func applyAssetManifest(s *SiteConfig, baseDir string) error {
	if s.AssetManifest != "" {
		manifestPath := s.AssetManifest
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(baseDir, manifestPath)
		}
		manifest, err := LoadAssetManifest(manifestPath)
		if err != nil {
			return fmt.Errorf("%s: %w", siteField(s.Name, "AssetManifest"), err)
		}
		s.StaticAssets = manifest.Assets
		if manifest.Version != "" {
			s.CacheVersion = manifest.Version
		}
	}
	if len(s.StaticAssets) == 0 {
		s.StaticAssets = DefaultStaticAssets()
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
