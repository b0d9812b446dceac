package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PartitionAwareFilesystemDriver wraps a FilesystemDriver and additionally
// tracks per-partition key/byte counts so engines can answer "what's hot"
// without a full scan, and exposes the optional PartitionAware capability
// methods.
type PartitionAwareFilesystemDriver struct {
	*FilesystemDriver

	mu    sync.Mutex
	stats map[string]*PartitionStats // "resource/partition/value" -> stats
}

// NewPartitionAwareFilesystemDriver wraps fs with partition tracking.
func NewPartitionAwareFilesystemDriver(fs *FilesystemDriver) *PartitionAwareFilesystemDriver {
	return &PartitionAwareFilesystemDriver{
		FilesystemDriver: fs,
		stats:            make(map[string]*PartitionStats),
	}
}

func (d *PartitionAwareFilesystemDriver) Kind() Kind { return KindPartitionAwareFilesystem }

// Set tracks partition usage in addition to the base Set, when key encodes
// a partition component
// (".../partition:<name>/<field>:<value>/...").
func (d *PartitionAwareFilesystemDriver) Set(ctx context.Context, key string, value []byte) error {
	if err := d.FilesystemDriver.Set(ctx, key, value); err != nil {
		return err
	}
	if pk, ok := partitionStatsKey(key); ok {
		d.mu.Lock()
		s, ok := d.stats[pk.statsKey]
		if !ok {
			s = &PartitionStats{Partition: pk.partition}
			d.stats[pk.statsKey] = s
		}
		s.KeyCount++
		s.Bytes += int64(len(value))
		d.mu.Unlock()
	}
	return nil
}

type partitionKeyParts struct {
	resource string
	partition string
	statsKey string
}

func partitionStatsKey(key string) (partitionKeyParts, bool) {
	// key looks like: resource=<name>/action=<method>/partition:<pname>/...
	idx := strings.Index(key, "/partition:")
	if idx < 0 {
		return partitionKeyParts{}, false
	}
	resourcePart := key[:idx]
	resourceName := strings.TrimPrefix(strings.SplitN(resourcePart, "/", 2)[0], "resource=")
	rest := key[idx+len("/partition:"):]
	partitionName := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		partitionName = rest[:slash]
	}
	return partitionKeyParts{
		resource:  resourceName,
		partition: partitionName,
		statsKey:  resourceName + "/" + partitionName,
	}, true
}

// ClearPartition removes every cached key for resourceName's partitionName
// whose value matches, and drops the tracked stats entry.
func (d *PartitionAwareFilesystemDriver) ClearPartition(ctx context.Context, resourceName, partitionName, value string) error {
	prefix := fmt.Sprintf("resource=%s/action=", resourceName)
	keys, err := d.FilesystemDriver.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf("/partition:%s/", partitionName)
	for _, k := range keys {
		if strings.Contains(k, marker) && strings.Contains(k, value) {
			if err := d.FilesystemDriver.Delete(ctx, k); err != nil {
				return err
			}
		}
	}
	d.mu.Lock()
	delete(d.stats, resourceName+"/"+partitionName)
	d.mu.Unlock()
	return nil
}

// GetPartitionStats returns tracked usage for every partition seen under
// resourceName.
func (d *PartitionAwareFilesystemDriver) GetPartitionStats(ctx context.Context, resourceName string) ([]PartitionStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []PartitionStats
	prefix := resourceName + "/"
	for k, s := range d.stats {
		if strings.HasPrefix(k, prefix) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// GetCacheRecommendations flags partitions with outsized key counts (over
// 1000) as archive candidates; this is a heuristic, not a guarantee.
func (d *PartitionAwareFilesystemDriver) GetCacheRecommendations(ctx context.Context, resourceName string) ([]Recommendation, error) {
	stats, err := d.GetPartitionStats(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	var out []Recommendation
	for _, s := range stats {
		if s.KeyCount > 1000 {
			out = append(out, Recommendation{Partition: s.Partition, Action: "archive", Reason: "high key count"})
		}
	}
	return out, nil
}

// WarmPartitionCache invokes loader and stores its result under the key
// "resource=<name>/action=warm/partition:<pname>/<value>". It does not check
// whether the partition is already populated: every call runs loader and
// overwrites that key.
func (d *PartitionAwareFilesystemDriver) WarmPartitionCache(ctx context.Context, resourceName, partitionName, value string, loader func() ([]byte, error)) error {
	data, err := loader()
	if err != nil {
		return fmt.Errorf("cache: warm partition %s/%s: %w", resourceName, partitionName, err)
	}
	key := fmt.Sprintf("resource=%s/action=warm/partition:%s/%s", resourceName, partitionName, value)
	return d.Set(ctx, key, data)
}
