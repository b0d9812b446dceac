package ttl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

// fakeDB is a minimal plugin.Database used only by this package's tests.
type fakeDB struct {
	store     objectstore.Store
	bus       *eventbus.Bus
	resources map[string]resource.Resource
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		store:     objectstore.NewMemStore(),
		bus:       eventbus.New(false),
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

func (f *fakeDB) Scheduler() cronsched.Scheduler { return nil }

func (f *fakeDB) PluginStore(slug string) *pluginstore.Store {
	return pluginstore.New(f.store, slug, nil)
}

func TestGranularityFor(t *testing.T) {
	assert.Equal(t, GranularityMinute, GranularityFor(120))
	assert.Equal(t, GranularityHour, GranularityFor(3600))
	assert.Equal(t, GranularityDay, GranularityFor(86400))
	assert.Equal(t, GranularityWeek, GranularityFor(2592000))
}

func TestCohortFor(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, "2026-03-05T14:37", CohortFor(ts, GranularityMinute))
	assert.Equal(t, "2026-03-05T14", CohortFor(ts, GranularityHour))
	assert.Equal(t, "2026-03-05", CohortFor(ts, GranularityDay))
	year, week := ts.ISOWeek()
	assert.Equal(t, fmt.Sprintf("%04d-W%02d", year, week), CohortFor(ts, GranularityWeek))
}

func newTestPlugin(t *testing.T, now *time.Time, resources map[string]*ResourceConfig) (*Plugin, *fakeDB) {
	t.Helper()
	db := newFakeDB()

	sessions, err := db.CreateResource(resource.Schema{Name: "sessions"})
	require.NoError(t, err)
	if resources == nil {
		resources = map[string]*ResourceConfig{}
	}
	if _, ok := resources["sessions"]; !ok {
		resources["sessions"] = &ResourceConfig{
			Resource: sessions,
			TTL:      120,
			Field:    "_createdAt",
			OnExpire: StrategyHardDelete,
		}
	}

	p := New(Config{
		Resources: resources,
		NowFunc:   func() time.Time { return *now },
	})
	require.NoError(t, p.Install(context.Background(), db))
	return p, db
}

// Hard-delete at minute granularity: a record whose TTL has passed is
// removed by the next sweep, and the sweep just before expiry skips it.
func TestSweepHardDeleteMinuteGranularity(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	sessions := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "sessions"})
	cfg := &ResourceConfig{
		Resource: sessions,
		TTL:      120,
		Field:    "_createdAt",
		OnExpire: StrategyHardDelete,
	}

	p, _ := newTestPlugin(t, &now, map[string]*ResourceConfig{"sessions": cfg})

	rec, err := sessions.Insert(context.Background(), resource.Record{
		"id":          "s1",
		"_createdAt":  t0.Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.Equal(t, "s1", rec.ID())

	// t0+119s: s1 expires at t0+120s, in cohort 00:02, which is not yet
	// among the cohorts this sweep reads, so s1 is left alone.
	now = t0.Add(119 * time.Second)
	p.sweep(context.Background(), GranularityMinute)
	_, err = sessions.Get(context.Background(), "s1", resource.QueryOptions{})
	assert.NoError(t, err, "record must still exist before expiry")

	// t0+121s: the next sweep processes s1.
	now = t0.Add(121 * time.Second)
	p.sweep(context.Background(), GranularityMinute)

	_, err = sessions.Get(context.Background(), "s1", resource.QueryOptions{})
	assert.Error(t, err, "record must be deleted after expiry")
	assert.Equal(t, int64(1), p.Counters().TotalDeleted)

	// Running the sweep again is a no-op for this record.
	p.sweep(context.Background(), GranularityMinute)
	assert.Equal(t, int64(1), p.Counters().TotalDeleted)
}

// Archive: an expired record is copied into the archive resource and the
// original is removed.
func TestSweepArchive(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	store := objectstore.NewMemStore()
	orders := resource.New(store, resource.Schema{Name: "orders"})
	archive := resource.New(store, resource.Schema{Name: "archive_orders"})

	cfg := &ResourceConfig{
		Resource:        orders,
		TTL:             5,
		Field:           "_createdAt",
		OnExpire:        StrategyArchive,
		ArchiveResource: archive,
		KeepOriginalID:  false,
	}
	p, _ := newTestPlugin(t, &now, map[string]*ResourceConfig{"orders": cfg})

	_, err := orders.Insert(context.Background(), resource.Record{
		"id":         "o7",
		"status":     "done",
		"_createdAt": t0.Format(time.RFC3339),
	})
	require.NoError(t, err)

	now = t0.Add(10 * time.Second)
	p.sweep(context.Background(), GranularityMinute)

	_, err = orders.Get(context.Background(), "o7", resource.QueryOptions{})
	assert.Error(t, err, "orders.o7 must be absent after archiving")

	archived, err := archive.List(context.Background(), resource.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "done", archived[0]["status"])
	assert.Equal(t, "o7", archived[0]["originalId"])
	assert.Equal(t, "orders", archived[0]["archivedFrom"])
	assert.NotEqual(t, "o7", archived[0].ID())
	assert.Equal(t, int64(1), p.Counters().TotalArchived)
}

func TestSweepSoftDelete(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	sessions := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "sessions"})
	cfg := &ResourceConfig{
		Resource: sessions,
		TTL:      60,
		Field:    "_createdAt",
		OnExpire: StrategySoftDelete,
	}
	p, _ := newTestPlugin(t, &now, map[string]*ResourceConfig{"sessions": cfg})

	_, err := sessions.Insert(context.Background(), resource.Record{"id": "s2", "_createdAt": t0.Format(time.RFC3339)})
	require.NoError(t, err)

	now = t0.Add(90 * time.Second)
	p.sweep(context.Background(), GranularityMinute)

	rec, err := sessions.Get(context.Background(), "s2", resource.QueryOptions{})
	require.NoError(t, err, "soft-delete does not remove the record")
	assert.Equal(t, "true", rec["isdeleted"])
	assert.NotEmpty(t, rec["deletedAt"])
	assert.Equal(t, int64(1), p.Counters().TotalSoftDeleted)
}

func TestSweepCallback(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	sessions := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "sessions"})
	var called bool
	cfg := &ResourceConfig{
		Resource: sessions,
		TTL:      60,
		Field:    "_createdAt",
		OnExpire: StrategyCallback,
		Callback: func(ctx context.Context, rec resource.Record, resourceName string) (bool, error) {
			called = true
			return true, nil
		},
	}
	p, _ := newTestPlugin(t, &now, map[string]*ResourceConfig{"sessions": cfg})

	_, err := sessions.Insert(context.Background(), resource.Record{"id": "s3", "_createdAt": t0.Format(time.RFC3339)})
	require.NoError(t, err)

	now = t0.Add(90 * time.Second)
	p.sweep(context.Background(), GranularityMinute)

	assert.True(t, called)
	_, err = sessions.Get(context.Background(), "s3", resource.QueryOptions{})
	assert.Error(t, err)
	assert.Equal(t, int64(1), p.Counters().TotalCallbacks)
}

// Field absent and not the default
// createdAt field means no index entry is created.
func TestNoIndexEntryWhenFieldAbsent(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	sessions := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "sessions"})
	cfg := &ResourceConfig{
		Resource: sessions,
		TTL:      60,
		Field:    "expiresHint", // not present on the record, not the default field
		OnExpire: StrategyHardDelete,
	}
	p, db := newTestPlugin(t, &now, map[string]*ResourceConfig{"sessions": cfg})

	_, err := sessions.Insert(context.Background(), resource.Record{"id": "s4"})
	require.NoError(t, err)

	idx, ok := db.Resource(p.ResourceName("ttl_expiration_index"))
	require.True(t, ok)
	entries, err := idx.List(context.Background(), resource.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteRemovesIndexEntryImmediately(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	sessions := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "sessions"})
	cfg := &ResourceConfig{
		Resource: sessions,
		TTL:      120,
		Field:    "_createdAt",
		OnExpire: StrategyHardDelete,
	}
	p, db := newTestPlugin(t, &now, map[string]*ResourceConfig{"sessions": cfg})

	_, err := sessions.Insert(context.Background(), resource.Record{"id": "s5", "_createdAt": t0.Format(time.RFC3339)})
	require.NoError(t, err)
	require.NoError(t, sessions.Delete(context.Background(), "s5"))

	idx, ok := db.Resource(p.ResourceName("ttl_expiration_index"))
	require.True(t, ok)
	entries, err := idx.List(context.Background(), resource.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries, "deleting the record removes the index entry in O(1)")
}

func TestReentrantSweepSkipped(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	p, _ := newTestPlugin(t, &now, nil)

	flag := p.running[GranularityMinute]
	*flag = 1 // simulate a tick already in flight
	p.sweep(context.Background(), GranularityMinute)
	assert.Equal(t, int64(0), p.Counters().TotalScans, "overlapping tick returns immediately without work")
	*flag = 0
}

func TestInvalidConfigRejectsInstall(t *testing.T) {
	db := newFakeDB()
	sessions, err := db.CreateResource(resource.Schema{Name: "sessions"})
	require.NoError(t, err)

	p := New(Config{Resources: map[string]*ResourceConfig{
		"sessions": {Resource: sessions, TTL: 60, OnExpire: "bogus"},
	}})
	err = p.Install(context.Background(), db)
	assert.Error(t, err)
}

func TestArchiveRequiresArchiveResource(t *testing.T) {
	db := newFakeDB()
	orders, err := db.CreateResource(resource.Schema{Name: "orders"})
	require.NoError(t, err)

	p := New(Config{Resources: map[string]*ResourceConfig{
		"orders": {Resource: orders, TTL: 60, OnExpire: StrategyArchive},
	}})
	err = p.Install(context.Background(), db)
	assert.Error(t, err)
}
