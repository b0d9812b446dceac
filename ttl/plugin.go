package ttl

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/plugin"
	"s3db.evalgo.org/resource"
)

// Config configures a Plugin at construction. IndexResourceName overrides
// the default plg_ttl_expiration_index name.
type Config struct {
	Namespace         string
	InstanceKey       string
	Resources         map[string]*ResourceConfig // keyed by managed resource name
	IndexResourceName string

	// SweepRate caps how many expired entries per second one sweep tick
	// acts on across all resources, so a huge backlog doesn't saturate the
	// object store. Zero disables the cap.
	SweepRate rate.Limit

	// NowFunc overrides time.Now for deterministic tests.
	NowFunc func() time.Time
}

// Plugin is the TTL engine.
type Plugin struct {
	*plugin.Base

	cfg     Config
	index   resource.Resource
	nowFunc func() time.Time
	log     *logrus.Entry

	mu       sync.RWMutex
	counters Counters

	running map[Granularity]*int32
	limiter *rate.Limiter
}

// New constructs an uninstalled Plugin.
func New(cfg Config) *Plugin {
	now := cfg.NowFunc
	if now == nil {
		now = time.Now
	}
	running := make(map[Granularity]*int32, len(AllGranularities))
	for _, g := range AllGranularities {
		var flag int32
		running[g] = &flag
	}
	var limiter *rate.Limiter
	if cfg.SweepRate > 0 {
		limiter = rate.NewLimiter(cfg.SweepRate, int(cfg.SweepRate)+1)
	}
	base := plugin.NewBase(plugin.ClassName("TTLPlugin"), cfg.Namespace, cfg.InstanceKey)
	return &Plugin{
		Base:    base,
		cfg:     cfg,
		nowFunc: now,
		log:     logrus.WithField("plugin_slug", base.Slug),
		running: running,
		limiter: limiter,
	}
}

func (p *Plugin) now() time.Time { return p.nowFunc() }

// Counters returns a point-in-time copy of the sweep counters.
func (p *Plugin) Counters() Counters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters
}

// Install validates every resource config, creates the expiration index
// resource, and wires insert/update/delete middleware on every managed
// resource. No middleware is installed until every resource config has
// validated successfully.
func (p *Plugin) Install(ctx context.Context, db plugin.Database) error {
	return p.Base.Install(ctx, db, func(ctx context.Context) error {
		for name, cfg := range p.cfg.Resources {
			if err := cfg.validate(p.Slug); err != nil {
				return fmt.Errorf("ttl: resource %s: %w", name, err)
			}
			if cfg.fieldName() == DefaultCreatedAtField {
				if schema := cfg.Resource.SchemaOf(); !schema.Timestamps {
					p.log.WithField("resource", name).Warn(
						"ttl field defaults to the creation timestamp but the resource has timestamps disabled; " +
							"TTL will be measured from indexing time, not creation time")
				}
			}
		}

		indexName := p.cfg.IndexResourceName
		if indexName == "" {
			indexName = p.ResourceName("ttl_expiration_index")
		}
		idx, err := db.CreateResource(IndexSchema(indexName))
		if err != nil {
			return errs.New(errs.RelatedResourceMissing, p.Slug, "install", err).
				WithSuggestion("ensure the host database can create internal plugin resources.")
		}
		p.index = idx

		for name, cfg := range p.cfg.Resources {
			if err := p.Base.AddMiddleware(cfg.Resource, resource.MethodInsert, p.insertMiddleware(name, cfg)); err != nil {
				return fmt.Errorf("ttl: install insert middleware on %s: %w", name, err)
			}
			if err := p.Base.AddMiddleware(cfg.Resource, resource.MethodUpdate, p.updateMiddleware(name, cfg)); err != nil {
				return fmt.Errorf("ttl: install update middleware on %s: %w", name, err)
			}
			if err := p.Base.AddMiddleware(cfg.Resource, resource.MethodDelete, p.deleteMiddleware(name, cfg)); err != nil {
				return fmt.Errorf("ttl: install delete middleware on %s: %w", name, err)
			}
		}
		return nil
	})
}

// Start schedules one cron job per granularity actually used by a managed
// resource.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.Base.Start(ctx); err != nil {
		return err
	}

	active := map[Granularity]bool{}
	for _, cfg := range p.cfg.Resources {
		active[GranularityFor(cfg.TTL)] = true
	}

	for _, g := range AllGranularities {
		if !active[g] {
			continue
		}
		gran := g
		if _, err := p.Base.ScheduleCron(cronExpression(gran), func() {
			p.sweep(context.Background(), gran)
		}, cronsched.Options{}); err != nil {
			return err
		}
	}
	return nil
}

// insertMiddleware upserts an index entry after a successful insert.
func (p *Plugin) insertMiddleware(name string, cfg *ResourceConfig) resource.MiddlewareFunc {
	return func(next resource.NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		result, err := next(ctx, args...)
		if err != nil {
			return result, err
		}
		rec, ok := result.(resource.Record)
		if !ok {
			return result, nil
		}
		p.upsertIndex(ctx, name, cfg, rec)
		return result, nil
	}
}

// updateMiddleware recomputes the index entry when the TTL-bearing field
// changes; a record whose base field is now absent drops its index entry.
func (p *Plugin) updateMiddleware(name string, cfg *ResourceConfig) resource.MiddlewareFunc {
	return func(next resource.NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		result, err := next(ctx, args...)
		if err != nil {
			return result, err
		}
		rec, ok := result.(resource.Record)
		if !ok {
			return result, nil
		}
		if _, has := fieldBase(rec, cfg.fieldName(), p.now()); !has {
			_ = p.index.Delete(ctx, indexID(name, rec.ID()))
			return result, nil
		}
		p.upsertIndex(ctx, name, cfg, rec)
		return result, nil
	}
}

// deleteMiddleware removes the index entry by its deterministic id after a
// successful delete; a missing entry is not an error.
func (p *Plugin) deleteMiddleware(name string, cfg *ResourceConfig) resource.MiddlewareFunc {
	return func(next resource.NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		id, _ := args[0].(string)
		result, err := next(ctx, args...)
		if err != nil {
			return result, err
		}
		if derr := p.index.Delete(ctx, indexID(name, id)); derr != nil && !errs.IsNotFound(derr) {
			p.log.WithError(derr).WithField("resource", name).Warn("ttl: index delete failed")
		}
		return result, nil
	}
}

func (p *Plugin) upsertIndex(ctx context.Context, name string, cfg *ResourceConfig, rec resource.Record) {
	base, ok := fieldBase(rec, cfg.fieldName(), p.now())
	if !ok {
		return
	}
	expiresAt := base.Add(time.Duration(cfg.TTL) * time.Second)
	gran := GranularityFor(cfg.TTL)
	entryID := indexID(name, rec.ID())
	entry := resource.Record{
		"id":                 entryID,
		"resourceName":       name,
		"recordId":           rec.ID(),
		"expiresAtCohort":    CohortFor(expiresAt, gran),
		"expiresAtTimestamp": expiresAt.UnixMilli(),
		"granularity":        string(gran),
		"createdAt":          p.now().UTC().Format(time.RFC3339),
	}

	if _, gerr := p.index.Get(ctx, entryID, resource.QueryOptions{}); gerr == nil {
		if _, err := p.index.Replace(ctx, entryID, entry); err != nil {
			p.log.WithError(err).WithField("resource", name).Warn("ttl: index replace failed")
		}
		return
	}
	if _, err := p.index.Insert(ctx, entry); err != nil {
		p.log.WithError(err).WithField("resource", name).Warn("ttl: index insert failed")
	}
}

// fieldBase resolves the base timestamp for a record:
// record[field] if present, else now() when field is the default created-
// at field, else "no index entry."
func fieldBase(rec resource.Record, field string, now time.Time) (time.Time, bool) {
	if v, ok := rec[field]; ok && v != nil {
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	if field == DefaultCreatedAtField {
		return now, true
	}
	return time.Time{}, false
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}

// emitCleanupError publishes plg:ttl:cleanup-error for a whole-sweep
// failure.
func (p *Plugin) emitCleanupError(err error) {
	if p.DB() == nil {
		return
	}
	p.DB().Bus().Publish(eventbus.Event{
		Name: eventbus.PluginEvent(p.Slug, "cleanup-error"),
		Data: err,
	})
}

// bump applies fn to the counters under the write lock; every counter
// mutation in this package goes through it so Counters() never observes a
// torn struct.
func (p *Plugin) bump(fn func(*Counters)) {
	p.mu.Lock()
	fn(&p.counters)
	p.mu.Unlock()
}
