package queueconsumer

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/resource"
)

func newTestTarget() resource.Resource {
	return resource.New(objectstore.NewMemStore(), resource.Schema{Name: "plg_ingested_events"})
}

func TestRedisConsumerHandleInsertsValidPayload(t *testing.T) {
	target := newTestTarget()
	c := NewRedisConsumer(RedisConsumerConfig{QueueName: "events"}, target, logrus.NewEntry(logrus.New()))

	c.handle(context.Background(), []byte(`{"id":"evt-1","kind":"signup"}`))

	rec, err := target.Get(context.Background(), "evt-1", resource.QueryOptions{})
	assert.NoError(t, err)
	assert.Equal(t, "signup", rec["kind"])
}

func TestRedisConsumerHandleDropsMalformedPayload(t *testing.T) {
	target := newTestTarget()
	c := NewRedisConsumer(RedisConsumerConfig{QueueName: "events"}, target, logrus.NewEntry(logrus.New()))

	c.handle(context.Background(), []byte(`not json`))

	ids, err := target.ListIds(context.Background(), resource.QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedisConsumerQueueKeyAppliesPrefix(t *testing.T) {
	c := NewRedisConsumer(RedisConsumerConfig{QueueName: "events", KeyPrefix: "s3db:"}, nil, nil)
	assert.Equal(t, "s3db:events", c.queueKey())
}
