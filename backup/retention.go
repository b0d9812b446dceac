package backup

import (
	"context"
	"sort"
	"time"

	"s3db.evalgo.org/resource"
)

// pruneRetention deletes snapshot generations for resourceName past
// retention.MaxGenerations (newest kept) or older than retention.MaxAge,
// whichever rule is configured; a zero value in either field disables that
// rule. Only the plg_backup_metadata record is deleted; the snapshot blob
// stays in the sink under the key recorded at snapshot time.
func (p *Plugin) pruneRetention(ctx context.Context, resourceName string, retention Retention) error {
	entries, err := p.metadata.Query(ctx, func(r resource.Record) bool {
		rn, _ := r["resourceName"].(string)
		return rn == resourceName
	}, resource.QueryOptions{})
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339, entries[i]["createdAt"].(string))
		tj, _ := time.Parse(time.RFC3339, entries[j]["createdAt"].(string))
		return ti.After(tj) // newest first
	})

	var toRemove []resource.Record
	if retention.MaxGenerations > 0 && len(entries) > retention.MaxGenerations {
		toRemove = append(toRemove, entries[retention.MaxGenerations:]...)
		entries = entries[:retention.MaxGenerations]
	}
	if retention.MaxAge > 0 {
		cutoff := p.now().Add(-retention.MaxAge)
		for _, e := range entries {
			ts, _ := time.Parse(time.RFC3339, e["createdAt"].(string))
			if ts.Before(cutoff) {
				toRemove = append(toRemove, e)
			}
		}
	}

	for _, e := range toRemove {
		id, _ := e["id"].(string)
		if id == "" {
			continue
		}
		if err := p.metadata.Delete(ctx, id); err != nil {
			p.log.WithError(err).WithField("snapshot", id).Warn("backup: failed to delete stale metadata")
			continue
		}
		p.bumpPruned()
	}
	return nil
}
