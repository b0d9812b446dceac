// Package cronsched wraps robfig/cron: accept a cron expression with an
// optional timezone, invoke a callback per tick, and guarantee a stopped
// job fires no further. The concrete implementation wraps
// robfig/cron/v3, the same library the r3e-network/service_layer automation
// suite depends on.
package cronsched

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Options configures one scheduled job.
type Options struct {
	// Timezone is an IANA zone name, e.g. "America/New_York". Empty means
	// the scheduler's default location (the process's local time zone).
	Timezone string
}

// Job is a disposable handle to one scheduled callback. Stop guarantees no
// further invocation. Concurrent ticks on the same job are not
// queued by this implementation; a slow handler may overlap the next
// tick, so handlers that must not re-enter (the TTL sweep, state-machine
// trigger loops) guard themselves with their own isRunning flag.
type Job interface {
	Stop()
}

// Scheduler schedules cron jobs and hands back disposable handles.
type Scheduler interface {
	Schedule(expression string, handler func(), opts Options) (Job, error)
}

// CronScheduler is the concrete robfig/cron/v3-backed Scheduler. One
// CronScheduler may host jobs for many plugins; each plugin only ever sees
// the Job handles it was given.
type CronScheduler struct {
	cron *cron.Cron
}

// New returns a scheduler that is already running; jobs fire as soon as
// they are added.
func New() *CronScheduler {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	c.Start()
	return &CronScheduler{cron: c}
}

type job struct {
	cron *cron.Cron
	id   cron.EntryID
}

func (j *job) Stop() {
	j.cron.Remove(j.id)
}

// Schedule parses expression (5-field, or 6-field with seconds) and
// registers handler. A non-empty Timezone is honored by prefixing a CRON_TZ
// clause, the form robfig/cron recognizes.
func (s *CronScheduler) Schedule(expression string, handler func(), opts Options) (Job, error) {
	expr := expression
	if opts.Timezone != "" {
		expr = fmt.Sprintf("CRON_TZ=%s %s", opts.Timezone, expression)
	}
	id, err := s.cron.AddFunc(expr, handler)
	if err != nil {
		return nil, fmt.Errorf("cronsched: parse expression %q: %w", expression, err)
	}
	return &job{cron: s.cron, id: id}, nil
}

// Stop drains the underlying cron's scheduler goroutine. Individual jobs
// remain stoppable via their own Job handle; this is for full shutdown.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}
