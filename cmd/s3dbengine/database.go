package main

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/plugin"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

var _ plugin.Database = (*engineDatabase)(nil)

// engineDatabase is the concrete plugin.Database every plugin in this
// process installs against: a resource registry backed by one shared
// object store, the process-wide event bus, and the cron scheduler.
type engineDatabase struct {
	store objectstore.Store
	bus   *eventbus.Bus
	sched cronsched.Scheduler
	log   *logrus.Entry
	accel *pluginstore.RedisAccelerator

	mu        sync.RWMutex
	resources map[string]resource.Resource
}

func newEngineDatabase(store objectstore.Store, bus *eventbus.Bus, sched cronsched.Scheduler, log *logrus.Entry) *engineDatabase {
	return &engineDatabase{
		store:     store,
		bus:       bus,
		sched:     sched,
		log:       log,
		resources: make(map[string]resource.Resource),
	}
}

func (d *engineDatabase) Resource(name string) (resource.Resource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[name]
	return r, ok
}

func (d *engineDatabase) CreateResource(schema resource.Schema) (resource.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.resources[schema.Name]; exists {
		return nil, fmt.Errorf("engine: resource %s already exists", schema.Name)
	}
	r := resource.New(d.store, schema)
	d.resources[schema.Name] = r
	return r, nil
}

func (d *engineDatabase) Bus() *eventbus.Bus { return d.bus }

func (d *engineDatabase) Scheduler() cronsched.Scheduler { return d.sched }

func (d *engineDatabase) PluginStore(slug string) *pluginstore.Store {
	s := pluginstore.New(d.store, slug, d.log.WithField("plugin_slug", slug))
	if d.accel != nil {
		s.WithAccelerator(d.accel)
	}
	return s
}

// All returns a snapshot of every resource currently registered, used
// to build the cache engine's resource-attach pass.
func (d *engineDatabase) All() []resource.Resource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]resource.Resource, 0, len(d.resources))
	for _, r := range d.resources {
		out = append(out, r)
	}
	return out
}
