package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/resource"
	"s3db.evalgo.org/workerpool"
)

type fakeCloudSource struct {
	items []CloudResourceItem
	err   error
}

func (f *fakeCloudSource) ListResources(ctx context.Context) ([]CloudResourceItem, error) {
	return f.items, f.err
}

type fakeRelationalSink struct {
	calls int
}

func (f *fakeRelationalSink) RecordChange(ctx context.Context, cloud, fromGeneration, toGeneration, itemID, changeType string) error {
	f.calls++
	return nil
}

// newTestPlugin binds the four resources directly, short-circuiting
// plugin.Base.Install the same way backup's tests do; Sync/computeChanges
// don't depend on the event bus or scheduler Install wires up.
func newTestPlugin(t *testing.T, now time.Time, source CloudSource, sink RelationalSink) *Plugin {
	t.Helper()
	p := New(Config{
		Clouds: map[string]*CloudConfig{
			"aws": {Name: "aws", Source: source},
		},
		RelationalSink: sink,
		NowFunc:        func() time.Time { return now },
	})
	p.snapshots = resource.New(objectstore.NewMemStore(), snapshotsSchema(p.ResourceName(p.cfg.SnapshotsName)))
	p.versions = resource.New(objectstore.NewMemStore(), versionsSchema(p.ResourceName(p.cfg.VersionsName)))
	p.changes = resource.New(objectstore.NewMemStore(), changesSchema(p.ResourceName(p.cfg.ChangesName)))
	p.clouds = resource.New(objectstore.NewMemStore(), cloudsSchema(p.ResourceName(p.cfg.CloudsName)))
	return p
}

func TestSyncFirstRunRecordsSnapshotWithNoChanges(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeCloudSource{items: []CloudResourceItem{
		{ID: "i-1", Kind: "instance", Attributes: map[string]interface{}{"size": "t3.micro"}},
	}}
	p := newTestPlugin(t, now, src, nil)

	result, err := p.Sync(context.Background(), "aws")

	require.NoError(t, err)
	assert.Equal(t, 1, result.ItemCount)
	assert.Zero(t, result.Added)
	assert.Zero(t, result.Removed)
	assert.Zero(t, result.Changed)
}

func TestSyncSecondRunDetectsAddedRemovedAndChanged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeCloudSource{items: []CloudResourceItem{
		{ID: "i-1", Kind: "instance", Attributes: map[string]interface{}{"size": "t3.micro"}},
		{ID: "i-2", Kind: "instance", Attributes: map[string]interface{}{"size": "t3.small"}},
	}}
	sink := &fakeRelationalSink{}
	p := newTestPlugin(t, now, src, sink)
	ctx := context.Background()

	_, err := p.Sync(ctx, "aws")
	require.NoError(t, err)

	src.items = []CloudResourceItem{
		{ID: "i-1", Kind: "instance", Attributes: map[string]interface{}{"size": "t3.large"}}, // changed
		{ID: "i-3", Kind: "instance", Attributes: map[string]interface{}{"size": "t3.micro"}}, // added
		// i-2 removed
	}

	result, err := p.Sync(ctx, "aws")

	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Changed)
	assert.Equal(t, 3, sink.calls, "relational sink mirrors every change row")
}

func TestSyncUnconfiguredCloudErrors(t *testing.T) {
	p := newTestPlugin(t, time.Now(), &fakeCloudSource{}, nil)
	_, err := p.Sync(context.Background(), "azure")
	assert.Error(t, err)
}

func TestSyncAllRunsEveryCloudThroughPool(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newTestPlugin(t, now, &fakeCloudSource{items: []CloudResourceItem{{ID: "i-1"}}}, nil)
	p.cfg.Clouds["gcp"] = &CloudConfig{Name: "gcp", Source: &fakeCloudSource{items: []CloudResourceItem{{ID: "i-2"}}}}
	p.pool = workerpool.New(2)

	results := p.SyncAll(context.Background())

	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}
