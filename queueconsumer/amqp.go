// Package queueconsumer ingests records from external queues (AMQP, Redis)
// by driving them through a resource.Resource's Insert method, so every
// ingested record passes through the same middleware chain (cache
// invalidation, TTL indexing, state-machine guards) as a record inserted
// directly.
package queueconsumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
)

// AMQPConnection abstracts an amqp.Connection for dependency injection and
// testing.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts an amqp.Channel.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// AMQPDialer abstracts amqp.Dial.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPDialer dials a real RabbitMQ broker.
type RealAMQPDialer struct{}

func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realAMQPConnection{conn: conn}, nil
}

type realAMQPConnection struct{ conn *amqp.Connection }

func (r *realAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realAMQPChannel{ch: ch}, nil
}

func (r *realAMQPConnection) Close() error { return r.conn.Close() }

type realAMQPChannel struct{ ch *amqp.Channel }

func (r *realAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}
func (r *realAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}
func (r *realAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}
func (r *realAMQPChannel) QueueInspect(name string) (amqp.Queue, error) { return r.ch.QueueInspect(name) }
func (r *realAMQPChannel) Close() error                                 { return r.ch.Close() }

// AMQPConsumerConfig configures one AMQP ingestion source.
type AMQPConsumerConfig struct {
	URL         string
	QueueName   string
	ConsumerTag string
}

// AMQPConsumer consumes deliveries from a durable AMQP queue and inserts
// each JSON-decoded body into Target via the plugin middleware chain.
type AMQPConsumer struct {
	cfg    AMQPConsumerConfig
	dialer AMQPDialer
	Target resource.Resource
	log    *logrus.Entry

	conn   AMQPConnection
	ch     AMQPChannel
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAMQPConsumer returns a consumer using the real AMQP dialer.
func NewAMQPConsumer(cfg AMQPConsumerConfig, target resource.Resource, log *logrus.Entry) *AMQPConsumer {
	return NewAMQPConsumerWithDialer(cfg, RealAMQPDialer{}, target, log)
}

// NewAMQPConsumerWithDialer allows dependency injection for tests.
func NewAMQPConsumerWithDialer(cfg AMQPConsumerConfig, dialer AMQPDialer, target resource.Resource, log *logrus.Entry) *AMQPConsumer {
	return &AMQPConsumer{cfg: cfg, dialer: dialer, Target: target, log: log}
}

// Start dials the broker, declares the queue durable, and begins consuming
// in a background goroutine. It returns once the consume channel is open;
// delivery handling happens asynchronously until Stop is called.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	conn, err := c.dialer.Dial(c.cfg.URL)
	if err != nil {
		return errs.New(errs.DriverTransient, "queueconsumer", "amqp.start", fmt.Errorf("dial: %w", err))
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errs.New(errs.DriverTransient, "queueconsumer", "amqp.start", fmt.Errorf("channel: %w", err))
	}
	if _, err := ch.QueueDeclare(c.cfg.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return errs.New(errs.ConfigurationInvalid, "queueconsumer", "amqp.start", fmt.Errorf("queue declare: %w", err))
	}
	deliveries, err := ch.Consume(c.cfg.QueueName, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return errs.New(errs.DriverTransient, "queueconsumer", "amqp.start", fmt.Errorf("consume: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.conn, c.ch, c.cancel = conn, ch, cancel
	c.done = make(chan struct{})
	go c.loop(runCtx, deliveries)
	return nil
}

func (c *AMQPConsumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var rec resource.Record
	if err := json.Unmarshal(d.Body, &rec); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("queueconsumer: dropping malformed amqp delivery")
		}
		d.Nack(false, false)
		return
	}
	if _, err := c.Target.Insert(ctx, rec); err != nil {
		if c.log != nil {
			c.log.WithError(err).Error("queueconsumer: insert failed, requeueing")
		}
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// Stop cancels the consume loop, waits for it to drain, and closes the
// channel and connection.
func (c *AMQPConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
