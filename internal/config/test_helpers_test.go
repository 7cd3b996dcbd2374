package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// dollarSiteBlock 是测试中常用的最小站点配置。
const dollarSiteBlock = `
[[Site]]
Name = "dollar"
Domain = "dollar.local"
Origin = "https://dev-dollar.example.org"
`

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 写入临时 config.toml 并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, content)
	return path
}

// writeSiteConfig 在 globals 后追加 dollar 站点，extra 会写入站点块末尾。
func writeSiteConfig(t *testing.T, globals, extra string) string {
	t.Helper()
	return writeTempConfig(t, globals+"\n"+dollarSiteBlock+extra)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StorageBackend:  StorageBackendFS,
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Sites: []SiteConfig{
			{
				Name:               "dollar",
				Domain:             "dollar.local",
				Origin:             "https://dev-dollar.example.org",
				Scope:              "/",
				CachePrefix:        DefaultCachePrefix,
				CacheVersion:       DefaultCacheVersion,
				StaticAssets:       DefaultStaticAssets(),
				NavigationFallback: DefaultNavigationFallback,
			},
		},
	}
}
