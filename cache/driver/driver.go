// Package driver defines the cache driver protocol and the concrete
// memory, filesystem, partition-aware filesystem, S3, Redis, and
// multi-tier drivers.
package driver

import "context"

// Driver is the minimal protocol every cache backend implements.
type Driver interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key with the given prefix. Implementations that
	// cannot do this in one call loop until exhausted.
	Clear(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Kind tags a driver's concrete identity so engines can switch on it
// instead of probing concrete types.
type Kind string

const (
	KindMemory                   Kind = "memory"
	KindFilesystem               Kind = "filesystem"
	KindPartitionAwareFilesystem Kind = "partition-aware-filesystem"
	KindS3                       Kind = "s3"
	KindRedis                    Kind = "redis"
	KindMultiTier                Kind = "multi-tier"
)

// Tagged is implemented by every driver so engines can switch on Kind
// instead of probing concrete types.
type Tagged interface {
	Kind() Kind
}

// PartitionStats describes one partition's footprint in a partition-aware
// driver.
type PartitionStats struct {
	Partition string
	KeyCount  int64
	Bytes     int64
}

// Recommendation is a preload/archive hint a partition-aware driver can
// surface.
type Recommendation struct {
	Partition string
	Action    string // "preload" or "archive"
	Reason    string
}

// PartitionAware is the optional capability interface for drivers that
// track per-partition usage and can clear, report on, and pre-warm
// individual partitions.
type PartitionAware interface {
	ClearPartition(ctx context.Context, resourceName, partitionName string, value string) error
	GetPartitionStats(ctx context.Context, resourceName string) ([]PartitionStats, error)
	GetCacheRecommendations(ctx context.Context, resourceName string) ([]Recommendation, error)
	WarmPartitionCache(ctx context.Context, resourceName, partitionName, value string, loader func() ([]byte, error)) error
}
