package main

import (
	"context"
	"fmt"

	"s3db.evalgo.org/cache/driver"
	"s3db.evalgo.org/config"
	"s3db.evalgo.org/objectstore"
)

// buildCacheDriver resolves cfg.Driver into a concrete cache/driver.Driver,
// by name. "multitier" composes an
// in-memory tier over the filesystem tier so the demo wiring exercises
// promotion without requiring a second real backend.
func buildCacheDriver(ctx context.Context, cfg config.CacheConfig, store objectstore.Store) (driver.Driver, error) {
	switch cfg.Driver {
	case "memory", "":
		return driver.NewMemoryDriver(driver.MemoryConfig{
			MaxBytes:             cfg.MaxMemoryBytes,
			MaxPercent:           cfg.MaxMemoryPercent,
			CompressionThreshold: cfg.CompressionThreshold,
		})
	case "filesystem":
		return driver.OpenFilesystemDriver(cfg.FilesystemRoot + "/cache.db")
	case "partition-filesystem":
		fs, err := driver.OpenFilesystemDriver(cfg.FilesystemRoot + "/cache.db")
		if err != nil {
			return nil, err
		}
		return driver.NewPartitionAwareFilesystemDriver(fs), nil
	case "s3":
		return driver.NewS3Driver(store), nil
	case "redis":
		return driver.NewRedisDriver(ctx, cfg.RedisURL, 0)
	case "multitier":
		mem, err := driver.NewMemoryDriver(driver.MemoryConfig{MaxBytes: cfg.MaxMemoryBytes, CompressionThreshold: cfg.CompressionThreshold})
		if err != nil {
			return nil, err
		}
		fs, err := driver.OpenFilesystemDriver(cfg.FilesystemRoot + "/cache.db")
		if err != nil {
			return nil, err
		}
		return driver.NewMultiTierDriver(driver.MultiTierConfig{
			Tiers: []driver.TierConfig{
				{Driver: mem, FallbackOnError: true},
				{Driver: fs, FallbackOnError: true},
			},
			PromoteOnHit: true,
		}), nil
	default:
		return nil, fmt.Errorf("engine: unknown cache driver %q", cfg.Driver)
	}
}
