// Package ttl implements a partition-indexed, granularity-bucketed cohort
// sweeper that expires resource records on a schedule via soft-delete,
// hard-delete, archive, or callback strategies.
// The index is a cohort-partitioned internal resource; cohorts are only an
// index over candidates, never the decision; the exact expiresAtTimestamp
// field is the single source of truth for whether a record has expired.
package ttl

import (
	"context"
	"fmt"
	"time"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
)

// Strategy names one of the four exclusive expiration strategies a managed
// resource may declare.
type Strategy string

const (
	StrategySoftDelete Strategy = "soft-delete"
	StrategyHardDelete Strategy = "hard-delete"
	StrategyArchive    Strategy = "archive"
	StrategyCallback   Strategy = "callback"
)

// Granularity is the temporal resolution of a cohort, chosen from a
// resource's TTL length.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityWeek   Granularity = "week"
)

// AllGranularities enumerates every granularity in sweep-interval order.
var AllGranularities = []Granularity{GranularityMinute, GranularityHour, GranularityDay, GranularityWeek}

// DefaultCreatedAtField is the field name the TTL engine treats as "the
// creation timestamp" when a resource's TTL field points at it and no
// value is present yet on a record, matching the resource package's own
// Insert-time convention of stamping this field when Timestamps is set.
const DefaultCreatedAtField = "createdAt"

// DefaultDeleteField is the field the soft-delete strategy stamps with the
// expiration time when no override is configured.
const DefaultDeleteField = "deletedAt"

// DefaultBatchSize bounds how many index entries one cohort-sweep batch
// processes per resource per tick.
const DefaultBatchSize = 100

// CallbackFunc is invoked by the callback strategy with the expiring
// record and the name of the resource it belongs to. A truthy return
// proceeds with a hard-delete of the record.
type CallbackFunc func(ctx context.Context, record resource.Record, resourceName string) (bool, error)

// ResourceConfig declares TTL behavior for one managed resource.
type ResourceConfig struct {
	Resource resource.Resource

	// TTL is the time-to-live in seconds, used to pick Granularity and to
	// compute expiresAtTimestamp from the base field's value.
	TTL int
	// Field names the record field the base timestamp is read from. If
	// empty, defaults to DefaultCreatedAtField.
	Field string

	OnExpire Strategy

	// DeleteField is stamped by soft-delete; defaults to DefaultDeleteField.
	DeleteField string

	// ArchiveResource is required when OnExpire is StrategyArchive.
	ArchiveResource resource.Resource
	// KeepOriginalID controls whether the archived record reuses the
	// original id or is assigned a fresh one.
	KeepOriginalID bool

	// Callback is required when OnExpire is StrategyCallback.
	Callback CallbackFunc

	// BatchSize bounds per-tick processing for this resource; defaults to
	// DefaultBatchSize.
	BatchSize int
}

func (c *ResourceConfig) fieldName() string {
	if c.Field != "" {
		return c.Field
	}
	return DefaultCreatedAtField
}

func (c *ResourceConfig) deleteField() string {
	if c.DeleteField != "" {
		return c.DeleteField
	}
	return DefaultDeleteField
}

func (c *ResourceConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

// validate checks the resource config, returning a non-retriable
// errs.ConfigurationInvalid on any violation.
func (c *ResourceConfig) validate(pluginSlug string) error {
	if c.Resource == nil {
		return errs.New(errs.ConfigurationInvalid, pluginSlug, "install",
			fmt.Errorf("ttl: resource config missing Resource")).
			WithSuggestion("set ResourceConfig.Resource to the managed resource.")
	}
	if c.TTL <= 0 {
		return errs.New(errs.ConfigurationInvalid, pluginSlug, "install",
			fmt.Errorf("ttl: resource %s must declare a positive ttl", c.Resource.Name())).
			WithSuggestion("set ResourceConfig.TTL to a positive number of seconds.")
	}
	switch c.OnExpire {
	case StrategySoftDelete, StrategyHardDelete:
	case StrategyArchive:
		if c.ArchiveResource == nil {
			return errs.New(errs.ConfigurationInvalid, pluginSlug, "install",
				fmt.Errorf("ttl: resource %s onExpire=archive requires archiveResource", c.Resource.Name())).
				WithSuggestion("set ResourceConfig.ArchiveResource to the destination resource.")
		}
	case StrategyCallback:
		if c.Callback == nil {
			return errs.New(errs.ConfigurationInvalid, pluginSlug, "install",
				fmt.Errorf("ttl: resource %s onExpire=callback requires a callback function", c.Resource.Name())).
				WithSuggestion("set ResourceConfig.Callback.")
		}
	default:
		return errs.New(errs.ConfigurationInvalid, pluginSlug, "install",
			fmt.Errorf("ttl: resource %s has invalid onExpire %q", c.Resource.Name(), c.OnExpire)).
			WithSuggestion("onExpire must be one of soft-delete, hard-delete, archive, callback.")
	}
	return nil
}

// GranularityFor selects minute/hour/day/week from a TTL length in
// seconds: <1h -> minute, <1d -> hour, <30d -> day,
// else week.
func GranularityFor(ttlSeconds int) Granularity {
	switch {
	case ttlSeconds < 3600:
		return GranularityMinute
	case ttlSeconds < 86400:
		return GranularityHour
	case ttlSeconds < 2592000:
		return GranularityDay
	default:
		return GranularityWeek
	}
}

// CohortFor formats t into the cohort string for granularity g.
func CohortFor(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return t.Format("2006-01-02T15:04")
	case GranularityHour:
		return t.Format("2006-01-02T15")
	case GranularityDay:
		return t.Format("2006-01-02")
	case GranularityWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("2006-01-02")
	}
}

// sweepLookback is how many trailing cohorts a sweep tick reads for each
// granularity: K=3 for minute, 2 for hour/day/week.
func sweepLookback(g Granularity) int {
	if g == GranularityMinute {
		return 3
	}
	return 2
}

// sweepStep is the duration subtracted per lookback step when enumerating
// recent cohorts for g.
func sweepStep(g Granularity) time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	case GranularityWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// recentCohorts enumerates the last K cohorts of granularity g, ending at
// now's own cohort, in reverse-chronological order.
func recentCohorts(now time.Time, g Granularity) []string {
	k := sweepLookback(g)
	step := sweepStep(g)
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, CohortFor(now.Add(-time.Duration(i)*step), g))
	}
	return out
}

// cronExpression is the tick schedule for granularity g: minute
// every ~10s, hour every ~10min, day hourly, week daily. All use the
// optional seconds field cronsched.CronScheduler supports.
func cronExpression(g Granularity) string {
	switch g {
	case GranularityMinute:
		return "*/10 * * * * *"
	case GranularityHour:
		return "0 */10 * * * *"
	case GranularityDay:
		return "0 0 * * * *"
	case GranularityWeek:
		return "0 0 3 * * *"
	default:
		return "0 0 * * * *"
	}
}

// indexID derives the deterministic index entity id for one managed
// record, <resourceName>:<recordId>, so upsert and delete are O(1).
func indexID(resourceName, recordID string) string {
	return resourceName + ":" + recordID
}

// IndexSchema is the internal resource schema for the TTL expiration
// index, partitioned by cohort for cheap candidate enumeration.
func IndexSchema(name string) resource.Schema {
	return resource.Schema{
		Name: name,
		Attributes: []string{
			"resourceName", "recordId", "expiresAtCohort", "expiresAtTimestamp",
			"granularity", "createdAt",
		},
		Partitions: []resource.PartitionDef{
			{Name: "byExpiresAtCohort", Fields: []string{"expiresAtCohort"}},
		},
		Timestamps: false,
		CreatedBy:  "plugin",
	}
}

// Counters tracks sweep activity.
type Counters struct {
	TotalScans       int64
	TotalExpired     int64
	TotalDeleted     int64
	TotalArchived    int64
	TotalSoftDeleted int64
	TotalCallbacks   int64
	TotalErrors      int64
	LastScanAt       time.Time
	LastScanDuration time.Duration
}
