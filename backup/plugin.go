// Package backup implements the backup-and-retention plugin: it snapshots
// a managed resource's records to the object store (and optionally a
// CouchDB sink), verifies the snapshot with a SHA-256 checksum, and prunes
// old snapshots by count and age.
package backup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/plugin"
	"s3db.evalgo.org/resource"
)

// Strategy selects how a snapshot's record set is selected.
type Strategy string

const (
	// StrategyFull snapshots every record the source resource currently holds.
	StrategyFull Strategy = "full"
	// StrategyIncremental snapshots only records changed since the last
	// successful snapshot's timestamp. When no prior successful snapshot
	// exists for the resource, it falls back to the last 24 hours of
	// records.
	StrategyIncremental Strategy = "incremental"
)

// TimestampField names the field RunBackup uses to select changed records
// under StrategyIncremental.
const TimestampField = "updatedAt"

// Retention bounds how many snapshot generations, and how old, are kept
// per managed resource.
type Retention struct {
	MaxGenerations int
	MaxAge         time.Duration
}

// ResourceConfig configures backup for one managed resource. CronExpr is a
// robfig/cron/v3 expression; a resource with no CronExpr is never swept
// automatically and must be backed up via an explicit RunBackup call.
type ResourceConfig struct {
	Source    resource.Resource
	Strategy  Strategy
	Retention Retention
	CronExpr  string
}

// Config configures a Plugin at construction.
type Config struct {
	Namespace         string
	InstanceKey       string
	Resources         map[string]*ResourceConfig // keyed by managed resource name
	MetadataName      string                      // default plg_backup_metadata
	Store             Sink                        // primary snapshot destination
	SecondarySink     Sink                        // optional, e.g. CouchDBSink

	NowFunc func() time.Time
}

// Sink is the write surface a snapshot body is exported to. ObjectStoreSink
// adapts an objectstore.Store's PutObject/GetObject methods to it;
// CouchDBSink wraps a kivik *kivik.DB instead.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Plugin is the backup-and-retention engine.
type Plugin struct {
	*plugin.Base

	cfg      Config
	metadata resource.Resource
	nowFunc  func() time.Time
	log      *logrus.Entry

	mu       sync.Mutex
	counters Counters
}

// New constructs an uninstalled Plugin.
func New(cfg Config) *Plugin {
	now := cfg.NowFunc
	if now == nil {
		now = time.Now
	}
	if cfg.MetadataName == "" {
		cfg.MetadataName = "backup_metadata"
	}
	base := plugin.NewBase(plugin.ClassName("BackupPlugin"), cfg.Namespace, cfg.InstanceKey)
	return &Plugin{
		Base:    base,
		cfg:     cfg,
		nowFunc: now,
		log:     logrus.WithField("plugin_slug", base.Slug),
	}
}

func (p *Plugin) now() time.Time { return p.nowFunc() }

// Install creates the plg_backup_metadata resource.
func (p *Plugin) Install(ctx context.Context, db plugin.Database) error {
	return p.Base.Install(ctx, db, func(ctx context.Context) error {
		for name := range p.cfg.Resources {
			if _, ok := db.Resource(name); !ok {
				return errs.New(errs.RelatedResourceMissing, p.Slug, "Install", nil).
					WithMetadata(map[string]interface{}{"resource": name})
			}
		}
		res, err := db.CreateResource(metadataSchema(p.ResourceName(p.cfg.MetadataName)))
		if err != nil {
			return err
		}
		p.metadata = res
		return nil
	})
}

// Start schedules a cron job per resource that configured a CronExpr; a
// resource without one stays manual-trigger-only.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.Base.Start(ctx); err != nil {
		return err
	}
	for name, cfg := range p.cfg.Resources {
		if cfg.CronExpr == "" {
			continue
		}
		resourceName := name
		if _, err := p.Base.ScheduleCron(cfg.CronExpr, func() {
			if _, err := p.RunBackup(context.Background(), resourceName); err != nil {
				p.log.WithError(err).WithField("resource", resourceName).Error("backup: scheduled run failed")
			}
		}, cronsched.Options{}); err != nil {
			return err
		}
	}
	return nil
}

func metadataSchema(name string) resource.Schema {
	return resource.Schema{
		Name: name,
		Attributes: []string{
			"resourceName", "strategy", "location", "checksum",
			"sizeBytes", "recordCount", "generation", "createdAt", "secondarySink",
		},
		Partitions: []resource.PartitionDef{
			{Name: "byResource", Fields: []string{"resourceName"}},
		},
		Timestamps: false,
		CreatedBy:  "plugin",
	}
}
