package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// PartitionRef identifies the partition component of a cache key, when the
// call being cached is partition-scoped.
type PartitionRef struct {
	Name   string
	Fields map[string]interface{}
}

// Key computes the deterministic cache key for a call against resource,
// method, an optional partition, and the call's parameters:
//
//	resource=<name>/action=<method>[/partition:<pname>/<field>:<value>...][/<hash>].json.gz
//
// The parameter hash is the first 16 hex characters of a 64-bit FNV-1a
// digest over a stably-sorted JSON encoding of params. Collisions are
// acceptable: a stale hit is corrected on the next write invalidation.
func Key(resourceName, method string, partition *PartitionRef, params interface{}, compressed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "resource=%s/action=%s", resourceName, method)

	if partition != nil {
		fmt.Fprintf(&b, "/partition:%s", partition.Name)
		fields := make([]string, 0, len(partition.Fields))
		for f := range partition.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(&b, "/%s:%v", f, partition.Fields[f])
		}
	}

	if h := stableHash(params); h != "" {
		fmt.Fprintf(&b, "/%s", h)
	}

	b.WriteString(".json")
	if compressed {
		b.WriteString(".gz")
	}
	return b.String()
}

// stableHash serializes v with sorted map keys (json.Marshal already sorts
// map[string]interface{} keys) and returns the first 16 hex characters of
// its FNV-1a digest.
func stableHash(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(normalizeForHash(v))
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// normalizeForHash recursively converts v so that json.Marshal produces a
// stable byte sequence regardless of map iteration order (already true for
// Go's encoding/json, which sorts map[string]X keys) and so struct-typed
// dates serialize identically to their normalized string form.
func normalizeForHash(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeForHash(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeForHash(val)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return t
	}
}
