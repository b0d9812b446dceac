package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
	"s3db.evalgo.org/workerpool"
)

// SyncResult is one cloud's sync outcome.
type SyncResult struct {
	Cloud      string
	Generation string
	ItemCount  int
	Added      int
	Removed    int
	Changed    int
}

// SyncAll runs Sync for every configured cloud concurrently through the
// shared worker pool, collecting one Result per cloud without letting one
// cloud's failure abort the others.
func (p *Plugin) SyncAll(ctx context.Context) []workerpool.Result {
	names := make([]string, 0, len(p.cfg.Clouds))
	for name := range p.cfg.Clouds {
		names = append(names, name)
	}
	tasks := make([]workerpool.Task, len(names))
	for i, name := range names {
		cloudName := name
		tasks[i] = func(ctx context.Context) (interface{}, error) {
			return p.Sync(ctx, cloudName)
		}
	}
	return p.pool.Run(ctx, tasks)
}

// Sync fetches cloudName's current resource set, persists it as a new
// snapshot generation, and diffs it against the cloud's previous
// generation, recording added/removed/changed entries in
// plg_cloud_inventory_changes.
func (p *Plugin) Sync(ctx context.Context, cloudName string) (SyncResult, error) {
	cfg, ok := p.cfg.Clouds[cloudName]
	if !ok {
		return SyncResult{}, errs.New(errs.ConfigurationInvalid, p.Slug, "Sync", fmt.Errorf("cloud %s not configured", cloudName))
	}

	items, err := cfg.Source.ListResources(ctx)
	if err != nil {
		return SyncResult{}, errs.New(errs.DriverTransient, p.Slug, "Sync", err)
	}

	prevGen, prevItems, err := p.lastGeneration(ctx, cloudName)
	if err != nil {
		return SyncResult{}, errs.New(errs.DriverTransient, p.Slug, "Sync", err)
	}

	generation := uuid.NewString()
	now := p.now()
	for _, item := range items {
		if _, err := p.versions.Insert(ctx, resource.Record{
			"id":         generation + ":" + item.ID,
			"cloud":      cloudName,
			"generation": generation,
			"itemId":     item.ID,
			"kind":       item.Kind,
			"attributes": item.Attributes,
		}); err != nil {
			return SyncResult{}, errs.New(errs.DriverTransient, p.Slug, "Sync", err)
		}
	}
	if _, err := p.snapshots.Insert(ctx, resource.Record{
		"id":         generation,
		"cloud":      cloudName,
		"generation": generation,
		"itemCount":  len(items),
		"createdAt":  now.UTC().Format(time.RFC3339),
	}); err != nil {
		return SyncResult{}, errs.New(errs.DriverTransient, p.Slug, "Sync", err)
	}

	added, removed, changed := p.computeChanges(ctx, cloudName, prevGen, generation, prevItems, items)

	return SyncResult{
		Cloud:      cloudName,
		Generation: generation,
		ItemCount:  len(items),
		Added:      added,
		Removed:    removed,
		Changed:    changed,
	}, nil
}

// lastGeneration returns the most recent snapshot generation recorded for
// cloudName and its items, or ("", nil, nil) if this is the first sync.
func (p *Plugin) lastGeneration(ctx context.Context, cloudName string) (string, []CloudResourceItem, error) {
	snaps, err := p.snapshots.Query(ctx, func(r resource.Record) bool {
		c, _ := r["cloud"].(string)
		return c == cloudName
	}, resource.QueryOptions{})
	if err != nil {
		return "", nil, err
	}
	if len(snaps) == 0 {
		return "", nil, nil
	}

	var latest resource.Record
	var latestTime time.Time
	for _, s := range snaps {
		ts, _ := time.Parse(time.RFC3339, asString(s["createdAt"]))
		if latest == nil || ts.After(latestTime) {
			latest, latestTime = s, ts
		}
	}
	gen := asString(latest["generation"])

	versions, err := p.versions.Query(ctx, func(r resource.Record) bool {
		c, _ := r["cloud"].(string)
		g, _ := r["generation"].(string)
		return c == cloudName && g == gen
	}, resource.QueryOptions{})
	if err != nil {
		return "", nil, err
	}
	items := make([]CloudResourceItem, 0, len(versions))
	for _, v := range versions {
		attrs, _ := v["attributes"].(map[string]interface{})
		items = append(items, CloudResourceItem{ID: asString(v["itemId"]), Kind: asString(v["kind"]), Attributes: attrs})
	}
	return gen, items, nil
}

// computeChanges joins prevItems against items by identifier: present only
// in items is "added", present only in prevItems is "removed", present in
// both with a different attribute bag is "changed". A first sync (no
// prevGen) records no changes; nothing to join against yet.
func (p *Plugin) computeChanges(ctx context.Context, cloudName, prevGen, newGen string, prevItems, items []CloudResourceItem) (added, removed, changed int) {
	if prevGen == "" {
		return 0, 0, 0
	}

	prevByID := make(map[string]CloudResourceItem, len(prevItems))
	for _, it := range prevItems {
		prevByID[it.ID] = it
	}
	seen := make(map[string]bool, len(items))

	for _, it := range items {
		seen[it.ID] = true
		prev, existed := prevByID[it.ID]
		switch {
		case !existed:
			p.recordChange(ctx, cloudName, prevGen, newGen, it.ID, "added")
			added++
		case !attributesEqual(prev.Attributes, it.Attributes):
			p.recordChange(ctx, cloudName, prevGen, newGen, it.ID, "changed")
			changed++
		}
	}
	for _, it := range prevItems {
		if !seen[it.ID] {
			p.recordChange(ctx, cloudName, prevGen, newGen, it.ID, "removed")
			removed++
		}
	}
	return
}

func (p *Plugin) recordChange(ctx context.Context, cloud, fromGen, toGen, itemID, changeType string) {
	rec := resource.Record{
		"id":             toGen + ":" + itemID,
		"cloud":          cloud,
		"fromGeneration": fromGen,
		"toGeneration":   toGen,
		"itemId":         itemID,
		"changeType":     changeType,
		"detectedAt":     p.now().UTC().Format(time.RFC3339),
	}
	if _, err := p.changes.Insert(ctx, rec); err != nil {
		p.log.WithError(err).WithField("cloud", cloud).WithField("item", itemID).Warn("inventory: failed to record change")
		return
	}
	if p.cfg.RelationalSink != nil {
		if err := p.cfg.RelationalSink.RecordChange(ctx, cloud, fromGen, toGen, itemID, changeType); err != nil {
			p.log.WithError(err).Warn("inventory: relational sink write failed")
		}
	}
}

func attributesEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
