package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/objectstore"
)

func newTestResource(partitions ...PartitionDef) *ObjectStoreResource {
	store := objectstore.NewMemStore()
	return New(store, Schema{
		Name:       "widgets",
		Partitions: partitions,
		Timestamps: true,
		CreatedBy:  "user",
	})
}

func TestInsertAssignsIDAndTimestamps(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	rec, err := r.Insert(ctx, Record{"name": "sprocket"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())
	assert.NotEmpty(t, rec["createdAt"])
	assert.NotEmpty(t, rec["updatedAt"])
}

func TestGetRoundTripsInsertedRecord(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	inserted, err := r.Insert(ctx, Record{"id": "w1", "name": "sprocket"})
	require.NoError(t, err)

	got, err := r.Get(ctx, inserted.ID(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sprocket", got["name"])
}

func TestGetMissingRecordIsDriverNotFound(t *testing.T) {
	r := newTestResource()
	_, err := r.Get(context.Background(), "nope", QueryOptions{})
	assert.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	rec, err := r.Insert(ctx, Record{"id": "w2"})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, rec.ID()))

	_, err = r.Get(ctx, rec.ID(), QueryOptions{})
	assert.Error(t, err)
}

func TestListReturnsAllInsertedRecords(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	_, err := r.Insert(ctx, Record{"id": "a"})
	require.NoError(t, err)
	_, err = r.Insert(ctx, Record{"id": "b"})
	require.NoError(t, err)

	all, err := r.List(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListIdsFiltersByPartitionAndSkipsNullFields(t *testing.T) {
	r := newTestResource(PartitionDef{Name: "byOwner", Fields: []string{"owner"}})
	ctx := context.Background()

	_, err := r.Insert(ctx, Record{"id": "a", "owner": "ada"})
	require.NoError(t, err)
	_, err = r.Insert(ctx, Record{"id": "b", "owner": "grace"})
	require.NoError(t, err)
	// Record with a null partition field is skipped from indexing, not an error.
	_, err = r.Insert(ctx, Record{"id": "c"})
	require.NoError(t, err)

	ids, err := r.ListIds(ctx, QueryOptions{Partition: "byOwner", PartitionValues: map[string]interface{}{"owner": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestMiddlewareChainIsAppendOnlyAndLeftToRight(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	var order []string
	r.UseMiddleware(MethodGet, func(next NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		order = append(order, "outer")
		return next(ctx, args...)
	})
	r.UseMiddleware(MethodGet, func(next NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		order = append(order, "inner")
		return next(ctx, args...)
	})

	rec, err := r.Insert(ctx, Record{"id": "mw1"})
	require.NoError(t, err)

	_, err = r.Get(ctx, rec.ID(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestMiddlewareCanShortCircuitByNotCallingNext(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	sentinel := Record{"id": "short", "intercepted": true}
	r.UseMiddleware(MethodGet, func(next NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		return sentinel, nil
	})

	got, err := r.Get(ctx, "anything", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, sentinel, got)
}

func TestWrapResourceMethodComposesInInsertionOrder(t *testing.T) {
	r := newTestResource()
	ctx := context.Background()

	var order []string
	var seenMethod string
	r.WrapResourceMethod(MethodGet, func(result interface{}, args []interface{}, methodName string) (interface{}, error) {
		order = append(order, "first")
		seenMethod = methodName
		return result, nil
	})
	r.WrapResourceMethod(MethodGet, func(result interface{}, args []interface{}, methodName string) (interface{}, error) {
		order = append(order, "second")
		return result, nil
	})

	rec, err := r.Insert(ctx, Record{"id": "w"})
	require.NoError(t, err)
	_, err = r.Get(ctx, rec.ID(), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, MethodGet, seenMethod)
}
