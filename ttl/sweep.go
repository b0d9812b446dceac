package ttl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
)

// ForceSweep runs one sweep tick per granularity immediately, bypassing the
// cron schedule. Used by the operator HTTP surface (httpadmin) to drain a
// backlog on demand; re-entrant with a running cron tick thanks to sweep's
// own isRunning guard.
func (p *Plugin) ForceSweep(ctx context.Context) {
	for _, g := range AllGranularities {
		p.sweep(ctx, g)
	}
}

// sweep runs one cohort-sweep tick for granularity g. Re-entrant ticks of
// the same granularity are skipped via the isRunning guard; a slow tick
// simply returns without doing work rather than queuing.
func (p *Plugin) sweep(ctx context.Context, g Granularity) {
	flag := p.running[g]
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		return
	}
	defer atomic.StoreInt32(flag, 0)

	start := p.now()
	p.bump(func(c *Counters) { c.TotalScans++ })

	var sweepErr error
	for _, cohort := range recentCohorts(start, g) {
		if err := p.sweepCohort(ctx, g, cohort, start); err != nil {
			sweepErr = err
			p.bump(func(c *Counters) { c.TotalErrors++ })
		}
	}

	p.mu.Lock()
	p.counters.LastScanAt = start
	p.counters.LastScanDuration = p.now().Sub(start)
	p.mu.Unlock()

	if sweepErr != nil {
		p.emitCleanupError(sweepErr)
	}
}

// sweepCohort reads one cohort's partition, filters to resources managed
// by this plugin and to the granularity that produced this cohort, and
// processes up to each resource's BatchSize candidates. The exact
// expiresAtTimestamp is what actually gates action; the cohort is only
// how candidates were found.
func (p *Plugin) sweepCohort(ctx context.Context, g Granularity, cohort string, now time.Time) error {
	entries, err := p.index.Query(ctx, func(r resource.Record) bool {
		rn, _ := r["resourceName"].(string)
		_, managed := p.cfg.Resources[rn]
		return managed && r["granularity"] == string(g)
	}, resource.QueryOptions{
		Partition:       "byExpiresAtCohort",
		PartitionValues: map[string]interface{}{"expiresAtCohort": cohort},
	})
	if err != nil {
		return err
	}

	batchCount := map[string]int{}
	nowMs := now.UnixMilli()
	for _, entry := range entries {
		resourceName, _ := entry["resourceName"].(string)
		cfg, ok := p.cfg.Resources[resourceName]
		if !ok {
			continue
		}
		if batchCount[resourceName] >= cfg.batchSize() {
			continue
		}

		expiresAtMs, _ := entry["expiresAtTimestamp"].(int64)
		if expiresAtMs == 0 {
			if f, ok := entry["expiresAtTimestamp"].(float64); ok {
				expiresAtMs = int64(f)
			}
		}
		if nowMs < expiresAtMs {
			// Cohorts are an index, never the decision: too early to act.
			continue
		}

		batchCount[resourceName]++
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		recordID, _ := entry["recordId"].(string)
		if err := p.processExpired(ctx, resourceName, cfg, recordID); err != nil {
			p.bump(func(c *Counters) { c.TotalErrors++ })
			p.log.WithError(err).WithField("resource", resourceName).WithField("record", recordID).
				Warn("ttl: failed to process expired record")
			continue
		}
		p.bump(func(c *Counters) { c.TotalExpired++ })
	}
	return nil
}

// processExpired applies cfg's strategy to recordID, then clears the index
// entry so a second sweep is a no-op for this record. A failed strategy
// application leaves the entry in place to be retried on the next tick.
func (p *Plugin) processExpired(ctx context.Context, resourceName string, cfg *ResourceConfig, recordID string) error {
	rec, err := cfg.Resource.Get(ctx, recordID, resource.QueryOptions{})
	if err != nil {
		if errs.IsNotFound(err) {
			// Already gone; the index entry was stale. Not an error.
			_ = p.index.Delete(ctx, indexID(resourceName, recordID))
			return nil
		}
		return err
	}

	switch cfg.OnExpire {
	case StrategySoftDelete:
		err = p.applySoftDelete(ctx, cfg, recordID)
	case StrategyHardDelete:
		err = p.applyHardDelete(ctx, cfg, recordID)
	case StrategyArchive:
		err = p.applyArchive(ctx, cfg, rec)
	case StrategyCallback:
		err = p.applyCallback(ctx, cfg, rec, resourceName)
	}
	if err != nil {
		return err
	}
	_ = p.index.Delete(ctx, indexID(resourceName, recordID))
	return nil
}

func (p *Plugin) applySoftDelete(ctx context.Context, cfg *ResourceConfig, recordID string) error {
	_, err := cfg.Resource.Update(ctx, recordID, resource.Record{
		cfg.deleteField(): p.now().UTC().Format(time.RFC3339),
		"isdeleted":       "true",
	})
	if err != nil {
		return err
	}
	p.bump(func(c *Counters) { c.TotalSoftDeleted++ })
	return nil
}

func (p *Plugin) applyHardDelete(ctx context.Context, cfg *ResourceConfig, recordID string) error {
	if err := cfg.Resource.Delete(ctx, recordID); err != nil {
		return err
	}
	p.bump(func(c *Counters) { c.TotalDeleted++ })
	return nil
}

// applyArchive copies every user-facing field (one not prefixed with "_",
// the internal marker) into cfg.ArchiveResource alongside provenance
// fields, then hard-deletes the original.
func (p *Plugin) applyArchive(ctx context.Context, cfg *ResourceConfig, rec resource.Record) error {
	originalID := rec.ID()
	archived := resource.Record{}
	for k, v := range rec {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		if k == "id" {
			continue
		}
		archived[k] = v
	}
	archived["archivedAt"] = p.now().UTC().Format(time.RFC3339)
	archived["archivedFrom"] = cfg.Resource.Name()
	archived["originalId"] = originalID
	if cfg.KeepOriginalID {
		archived["id"] = originalID
	} else {
		archived["id"] = uuid.NewString()
	}

	if _, err := cfg.ArchiveResource.Insert(ctx, archived); err != nil {
		return err
	}
	if err := cfg.Resource.Delete(ctx, originalID); err != nil {
		return err
	}
	p.bump(func(c *Counters) { c.TotalArchived++ })
	return nil
}

func (p *Plugin) applyCallback(ctx context.Context, cfg *ResourceConfig, rec resource.Record, resourceName string) error {
	p.bump(func(c *Counters) { c.TotalCallbacks++ })
	proceed, err := cfg.Callback(ctx, rec, resourceName)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	return p.applyHardDelete(ctx, cfg, rec.ID())
}
