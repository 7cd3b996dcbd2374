package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AssetManifest 是外部构建流程产出的静态资源清单，格式示例：
//
//	version: v2
//	assets:
//	  - ./
//	  - ./index.html
type AssetManifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// LoadAssetManifest 读取 YAML 清单，去除空白项并拒绝空列表。
func LoadAssetManifest(path string) (AssetManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AssetManifest{}, fmt.Errorf("读取资源清单失败: %w", err)
	}

	var manifest AssetManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return AssetManifest{}, fmt.Errorf("解析资源清单失败: %w", err)
	}

	manifest.Version = strings.TrimSpace(manifest.Version)
	assets := make([]string, 0, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		if trimmed := strings.TrimSpace(asset); trimmed != "" {
			assets = append(assets, trimmed)
		}
	}
	if len(assets) == 0 {
		return AssetManifest{}, errors.New("资源清单为空")
	}
	manifest.Assets = assets
	return manifest, nil
}
