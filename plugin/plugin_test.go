package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

// fakeDB is a minimal Database used only by this package's tests.
type fakeDB struct {
	store     objectstore.Store
	bus       *eventbus.Bus
	sched     cronsched.Scheduler
	resources map[string]resource.Resource
}

func newFakeDB(sched cronsched.Scheduler) *fakeDB {
	return &fakeDB{
		store:     objectstore.NewMemStore(),
		bus:       eventbus.New(false),
		sched:     sched,
		resources: map[string]resource.Resource{},
	}
}

func (f *fakeDB) Resource(name string) (resource.Resource, bool) {
	r, ok := f.resources[name]
	return r, ok
}

func (f *fakeDB) CreateResource(schema resource.Schema) (resource.Resource, error) {
	r := resource.New(f.store, schema)
	f.resources[schema.Name] = r
	return r, nil
}

func (f *fakeDB) Bus() *eventbus.Bus { return f.bus }

func (f *fakeDB) Scheduler() cronsched.Scheduler { return f.sched }

func (f *fakeDB) PluginStore(slug string) *pluginstore.Store {
	return pluginstore.New(f.store, slug, nil)
}

// fakeJob records whether Stop was called.
type fakeJob struct{ stopped *bool }

func (j *fakeJob) Stop() { *j.stopped = true }

type fakeScheduler struct {
	stopped []bool
}

func (s *fakeScheduler) Schedule(expr string, handler func(), opts cronsched.Options) (cronsched.Job, error) {
	s.stopped = append(s.stopped, false)
	return &fakeJob{stopped: &s.stopped[len(s.stopped)-1]}, nil
}

func TestClassNameStripsPluginSuffixAndKebabCases(t *testing.T) {
	assert.Equal(t, "cache", ClassName("CachePlugin"))
	assert.Equal(t, "state-machine", ClassName("StateMachinePlugin"))
	assert.Equal(t, "ttl", ClassName("TTLPlugin"))
}

func TestResourceNameRespectsNamespace(t *testing.T) {
	b := NewBase("CachePlugin", "", "")
	assert.Equal(t, "plg_sessions", b.ResourceName("sessions"))

	b = NewBase("CachePlugin", "tenant1", "")
	assert.Equal(t, "plg_tenant1_sessions", b.ResourceName("sessions"))
}

func TestInstallBindsDBAndEmitsLifecycleEvents(t *testing.T) {
	db := newFakeDB(nil)
	var events []string
	db.Bus().Subscribe(eventbus.PluginEvent("cache", "beforeInstall"), func(ev eventbus.Event) { events = append(events, "before") })
	db.Bus().Subscribe(eventbus.PluginEvent("cache", "afterInstall"), func(ev eventbus.Event) { events = append(events, "after") })

	b := NewBase("CachePlugin", "", "")
	err := b.Install(context.Background(), db, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "after"}, events)
	assert.Same(t, db, b.DB())
}

func TestInstallFailurePropagatesWithoutAfterInstall(t *testing.T) {
	db := newFakeDB(nil)
	afterFired := false
	db.Bus().Subscribe(eventbus.PluginEvent("cache", "afterInstall"), func(ev eventbus.Event) { afterFired = true })

	b := NewBase("CachePlugin", "", "")
	err := b.Install(context.Background(), db, func(ctx context.Context) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.False(t, afterFired)
}

func TestInstallTwiceIsConfigurationInvalid(t *testing.T) {
	db := newFakeDB(nil)
	b := NewBase("CachePlugin", "", "")
	require.NoError(t, b.Install(context.Background(), db, func(ctx context.Context) error { return nil }))

	err := b.Install(context.Background(), db, func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestStopTearsDownCronJobsAndSubscriptions(t *testing.T) {
	sched := &fakeScheduler{}
	db := newFakeDB(sched)
	b := NewBase("TTLPlugin", "", "")
	require.NoError(t, b.Install(context.Background(), db, func(ctx context.Context) error { return nil }))
	require.NoError(t, b.Start(context.Background()))

	_, err := b.ScheduleCron("* * * * * *", func() {}, cronsched.Options{})
	require.NoError(t, err)

	fired := false
	b.AddHook(eventbus.DatabaseEvent("resource-created"), func(ctx context.Context, ev eventbus.Event) { fired = true })

	require.NoError(t, b.Stop(context.Background()))

	assert.True(t, sched.stopped[0])

	db.Bus().Publish(eventbus.Event{Name: eventbus.DatabaseEvent("resource-created")})
	assert.False(t, fired, "subscription should have been torn down by Stop")
}

func TestUninstallPurgesStorageWhenRequested(t *testing.T) {
	db := newFakeDB(nil)
	b := NewBase("TTLPlugin", "", "")
	require.NoError(t, b.Install(context.Background(), db, func(ctx context.Context) error { return nil }))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Storage().Set(context.Background(), "marker", map[string]string{"k": "v"}))

	require.NoError(t, b.Uninstall(context.Background(), true))

	keys, err := b.Storage().List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWrapResourceMethodIsIdempotentForTheSameFunctionValue(t *testing.T) {
	db := newFakeDB(nil)
	b := NewBase("CachePlugin", "", "")
	require.NoError(t, b.Install(context.Background(), db, func(ctx context.Context) error { return nil }))

	res, err := db.CreateResource(resource.Schema{Name: "widgets"})
	require.NoError(t, err)

	calls := 0
	wrapper := func(result interface{}, args []interface{}, methodName string) (interface{}, error) {
		calls++
		return result, nil
	}

	require.NoError(t, b.WrapResourceMethod(res, resource.MethodGet, wrapper))
	require.NoError(t, b.WrapResourceMethod(res, resource.MethodGet, wrapper))

	_, err = res.Insert(context.Background(), resource.Record{"id": "w1"})
	require.NoError(t, err)
	_, err = res.Get(context.Background(), "w1", resource.QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}
