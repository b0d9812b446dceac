package queueconsumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
)

// RedisConsumerConfig configures one Redis-backed ingestion source.
// Consumption uses blocking BLPop; KeyPrefix plus the queue name forms the
// Redis key.
type RedisConsumerConfig struct {
	RedisURL     string
	KeyPrefix    string
	QueueName    string
	PollTimeout  time.Duration
}

// RedisConsumer blocks on a Redis list and inserts each JSON-decoded
// element into Target.
type RedisConsumer struct {
	cfg    RedisConsumerConfig
	Target resource.Resource
	log    *logrus.Entry

	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisConsumer returns an unconnected consumer; Start dials Redis.
func NewRedisConsumer(cfg RedisConsumerConfig, target resource.Resource, log *logrus.Entry) *RedisConsumer {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "queue:"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &RedisConsumer{cfg: cfg, Target: target, log: log}
}

func (c *RedisConsumer) queueKey() string { return c.cfg.KeyPrefix + c.cfg.QueueName }

// Start connects to Redis and begins polling the queue in a background
// goroutine using blocking BLPop calls bounded by PollTimeout, so Stop's
// context cancellation is observed promptly between polls.
func (c *RedisConsumer) Start(ctx context.Context) error {
	opts, err := redis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return errs.New(errs.ConfigurationInvalid, "queueconsumer", "redis.start", fmt.Errorf("parse url: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errs.New(errs.DriverTransient, "queueconsumer", "redis.start", fmt.Errorf("ping: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.client, c.cancel = client, cancel
	c.done = make(chan struct{})
	go c.loop(runCtx)
	return nil
}

func (c *RedisConsumer) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := c.client.BLPop(ctx, c.cfg.PollTimeout, c.queueKey()).Result()
		if err == redis.Nil {
			continue // poll timeout, no job available
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if c.log != nil {
				c.log.WithError(err).Warn("queueconsumer: redis blpop failed")
			}
			continue
		}
		if len(result) < 2 {
			continue
		}
		c.handle(ctx, []byte(result[1]))
	}
}

func (c *RedisConsumer) handle(ctx context.Context, payload []byte) {
	var rec resource.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("queueconsumer: dropping malformed redis job")
		}
		return
	}
	if _, err := c.Target.Insert(ctx, rec); err != nil && c.log != nil {
		c.log.WithError(err).Error("queueconsumer: insert failed")
	}
}

// Stop cancels the poll loop, waits for it to drain, and closes the client.
func (c *RedisConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
