package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/zyling-ai/install-relay/internal/config"
)

// Open 根据配置构建缓存后端。
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.CacheBackend {
	case "", config.BackendDisk:
		return NewStore(cfg.StoragePath)
	case config.BackendMemory:
		return NewMemoryStore(cfg.MemoryMaxEntries, cfg.MaxEntryBytes), nil
	case config.BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			KeyPrefix:     cfg.RedisKeyPrefix,
			MaxEntryBytes: cfg.MaxEntryBytes,
			DialTimeout:   5 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.CacheBackend)
	}
}
