// Package inventory implements the cloud-inventory snapshot plugin: it
// syncs a set of cloud sources concurrently via the shared workerpool
// primitive, stores each sync as a snapshot generation, and computes the
// diff between a cloud's current and previous generation by joining the
// two generations' items on their identifier. Changes can additionally be
// mirrored into a relational sink for ad-hoc SQL queries.
package inventory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/plugin"
	"s3db.evalgo.org/resource"
	"s3db.evalgo.org/workerpool"
)

// CloudResourceItem is one resource as reported by a cloud source: an
// opaque bag of attributes keyed by a stable identifier within that cloud.
type CloudResourceItem struct {
	ID         string
	Kind       string
	Attributes map[string]interface{}
}

// CloudSource lists every resource a registered cloud currently has. A
// production host supplies one per provider; tests use a fake.
type CloudSource interface {
	ListResources(ctx context.Context) ([]CloudResourceItem, error)
}

// CloudConfig registers one cloud to sync.
type CloudConfig struct {
	Name     string
	Source   CloudSource
	CronExpr string
}

// Config configures a Plugin at construction.
type Config struct {
	Namespace   string
	InstanceKey string
	Clouds      map[string]*CloudConfig // keyed by cloud name
	Concurrency int                     // worker-pool size for Sync fan-out, default 4

	SnapshotsName string
	VersionsName  string
	ChangesName   string
	CloudsName    string

	RelationalSink RelationalSink // optional, e.g. PostgresSink

	NowFunc func() time.Time
}

// Plugin is the cloud-inventory snapshot engine.
type Plugin struct {
	*plugin.Base

	cfg       Config
	snapshots resource.Resource
	versions  resource.Resource
	changes   resource.Resource
	clouds    resource.Resource
	pool      *workerpool.Pool
	nowFunc   func() time.Time
	log       *logrus.Entry
}

// New constructs an uninstalled Plugin.
func New(cfg Config) *Plugin {
	now := cfg.NowFunc
	if now == nil {
		now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SnapshotsName == "" {
		cfg.SnapshotsName = "cloud_inventory_snapshots"
	}
	if cfg.VersionsName == "" {
		cfg.VersionsName = "cloud_inventory_versions"
	}
	if cfg.ChangesName == "" {
		cfg.ChangesName = "cloud_inventory_changes"
	}
	if cfg.CloudsName == "" {
		cfg.CloudsName = "cloud_inventory_clouds"
	}
	base := plugin.NewBase(plugin.ClassName("CloudInventoryPlugin"), cfg.Namespace, cfg.InstanceKey)
	return &Plugin{
		Base:    base,
		cfg:     cfg,
		pool:    workerpool.New(cfg.Concurrency),
		nowFunc: now,
		log:     logrus.WithField("plugin_slug", base.Slug),
	}
}

func (p *Plugin) now() time.Time { return p.nowFunc() }

// Install creates the four plg_cloud_inventory_* resources and registers
// every configured cloud in the clouds resource.
func (p *Plugin) Install(ctx context.Context, db plugin.Database) error {
	return p.Base.Install(ctx, db, func(ctx context.Context) error {
		snapshots, err := db.CreateResource(snapshotsSchema(p.ResourceName(p.cfg.SnapshotsName)))
		if err != nil {
			return err
		}
		versions, err := db.CreateResource(versionsSchema(p.ResourceName(p.cfg.VersionsName)))
		if err != nil {
			return err
		}
		changes, err := db.CreateResource(changesSchema(p.ResourceName(p.cfg.ChangesName)))
		if err != nil {
			return err
		}
		cloudsRes, err := db.CreateResource(cloudsSchema(p.ResourceName(p.cfg.CloudsName)))
		if err != nil {
			return err
		}
		p.snapshots, p.versions, p.changes, p.clouds = snapshots, versions, changes, cloudsRes

		for name := range p.cfg.Clouds {
			if _, err := p.clouds.Insert(ctx, resource.Record{"id": name, "name": name}); err != nil {
				return errs.New(errs.ConfigurationInvalid, p.Slug, "install", err)
			}
		}
		return nil
	})
}

// Start schedules one cron job per cloud that configured a CronExpr.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.Base.Start(ctx); err != nil {
		return err
	}
	for name, cfg := range p.cfg.Clouds {
		if cfg.CronExpr == "" {
			continue
		}
		cloudName := name
		if _, err := p.Base.ScheduleCron(cfg.CronExpr, func() {
			if _, err := p.Sync(context.Background(), cloudName); err != nil {
				p.log.WithError(err).WithField("cloud", cloudName).Error("inventory: scheduled sync failed")
			}
		}, cronsched.Options{}); err != nil {
			return err
		}
	}
	return nil
}

func snapshotsSchema(name string) resource.Schema {
	return resource.Schema{
		Name:       name,
		Attributes: []string{"cloud", "generation", "itemCount", "createdAt"},
		Partitions: []resource.PartitionDef{{Name: "byCloud", Fields: []string{"cloud"}}},
		CreatedBy:  "plugin",
	}
}

func versionsSchema(name string) resource.Schema {
	return resource.Schema{
		Name:       name,
		Attributes: []string{"cloud", "generation", "itemId", "kind", "attributes"},
		Partitions: []resource.PartitionDef{
			{Name: "bySnapshot", Fields: []string{"cloud", "generation"}},
			{Name: "byItem", Fields: []string{"cloud", "itemId"}},
		},
		CreatedBy: "plugin",
	}
}

func changesSchema(name string) resource.Schema {
	return resource.Schema{
		Name:       name,
		Attributes: []string{"cloud", "fromGeneration", "toGeneration", "itemId", "changeType", "detectedAt"},
		Partitions: []resource.PartitionDef{{Name: "byCloud", Fields: []string{"cloud"}}},
		CreatedBy:  "plugin",
	}
}

func cloudsSchema(name string) resource.Schema {
	return resource.Schema{
		Name:       name,
		Attributes: []string{"name"},
		CreatedBy:  "plugin",
	}
}
