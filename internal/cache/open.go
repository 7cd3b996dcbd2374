package cache

import (
	"fmt"

	"github.com/dev-dollar/offline-proxy/internal/config"
)

// NewStore 根据 StorageBackend 选择磁盘后端，调用方负责 Close。
func NewStore(backend, basePath string) (Store, error) {
	switch backend {
	case "", config.StorageBackendFS:
		return NewFileStore(basePath)
	case config.StorageBackendLevelDB:
		return NewLevelStore(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
