package queueconsumer

import (
	"context"

	"s3db.evalgo.org/workerpool"
)

// Consumer is the lifecycle every ingestion source implements.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error
}

// Manager starts and stops a fixed set of consumers concurrently via
// workerpool, so an operator configuring N AMQP queues and M Redis queues
// doesn't pay N+M sequential dial round trips at startup.
type Manager struct {
	consumers []Consumer
	pool      *workerpool.Pool
}

// NewManager returns a Manager over consumers, starting at most
// concurrency at once.
func NewManager(concurrency int, consumers ...Consumer) *Manager {
	return &Manager{consumers: consumers, pool: workerpool.New(concurrency)}
}

// StartAll starts every consumer and returns the first error encountered,
// after giving every consumer a chance to start (a single misconfigured
// queue doesn't block its siblings from coming up).
func (m *Manager) StartAll(ctx context.Context) error {
	tasks := make([]workerpool.Task, len(m.consumers))
	for i, c := range m.consumers {
		c := c
		tasks[i] = func(ctx context.Context) (interface{}, error) {
			return nil, c.Start(ctx)
		}
	}
	results := m.pool.Run(ctx, tasks)
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// StopAll stops every consumer, collecting but not short-circuiting on
// errors, and returns the last one seen.
func (m *Manager) StopAll() error {
	var last error
	for _, c := range m.consumers {
		if err := c.Stop(); err != nil {
			last = err
		}
	}
	return last
}
