package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/plugin"
	"s3db.evalgo.org/resource"
)

// Config configures a Plugin at construction.
type Config struct {
	Namespace   string
	InstanceKey string
	Machines    map[string]*Machine // keyed by machine id

	StateResourceName string
	TransitionLogName string
	DefaultRetry      RetryPolicy

	NowFunc func() time.Time
}

// Counters tracks engine activity across every managed machine.
type Counters struct {
	TotalTransitions  int64
	TotalBlocked      int64
	TotalRetries      int64
	TotalFailed       int64
	TotalLockTimeouts int64
	TotalTriggerRuns  int64
}

// Plugin is the state machine engine.
type Plugin struct {
	*plugin.Base

	cfg           Config
	stateStore    resource.Resource
	transitionLog resource.Resource
	nowFunc       func() time.Time
	log           *logrus.Entry

	mu       sync.RWMutex
	counters Counters

	stopCh  chan struct{}
	pollWG  sync.WaitGroup
	eventWG sync.WaitGroup
}

// New constructs an uninstalled Plugin.
func New(cfg Config) *Plugin {
	now := cfg.NowFunc
	if now == nil {
		now = time.Now
	}
	if cfg.DefaultRetry.MaxAttempts == 0 {
		cfg.DefaultRetry = defaultRetryPolicy()
	}
	base := plugin.NewBase(plugin.ClassName("StateMachinePlugin"), cfg.Namespace, cfg.InstanceKey)
	return &Plugin{
		Base:    base,
		cfg:     cfg,
		nowFunc: now,
		log:     logrus.WithField("plugin_slug", base.Slug),
		stopCh:  make(chan struct{}),
	}
}

func (p *Plugin) now() time.Time { return p.nowFunc() }

// Counters returns a point-in-time copy of the engine counters.
func (p *Plugin) Counters() Counters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters
}

func (p *Plugin) bump(fn func(*Counters)) {
	p.mu.Lock()
	fn(&p.counters)
	p.mu.Unlock()
}

// Install validates every machine, creates the state-store and
// transition-log resources, and leaves trigger wiring to Start.
func (p *Plugin) Install(ctx context.Context, db plugin.Database) error {
	return p.Base.Install(ctx, db, func(ctx context.Context) error {
		for id, m := range p.cfg.Machines {
			if err := validateMachine(p.Slug, id, m); err != nil {
				return err
			}
		}

		stateName := p.cfg.StateResourceName
		if stateName == "" {
			stateName = p.ResourceName("machine_state")
		}
		logName := p.cfg.TransitionLogName
		if logName == "" {
			logName = p.ResourceName("transition_log")
		}

		stateStore, err := db.CreateResource(stateSchema(stateName))
		if err != nil {
			return errs.New(errs.RelatedResourceMissing, p.Slug, "install", err).
				WithSuggestion("ensure the host database can create internal plugin resources.")
		}
		p.stateStore = stateStore

		txLog, err := db.CreateResource(transitionLogSchema(logName))
		if err != nil {
			return errs.New(errs.RelatedResourceMissing, p.Slug, "install", err).
				WithSuggestion("ensure the host database can create internal plugin resources.")
		}
		p.transitionLog = txLog
		return nil
	})
}

// validateMachine enforces that InitialState exists, every transition
// target exists, and every named guard is registered.
func validateMachine(slug, id string, m *Machine) error {
	invalid := func(msg string) error {
		return errs.New(errs.ConfigurationInvalid, slug, "install", fmt.Errorf("statemachine %s: %s", id, msg)).
			WithSuggestion("fix the machine definition before install.")
	}
	if m.InitialState == "" {
		return invalid("missing initialState")
	}
	if _, ok := m.States[m.InitialState]; !ok {
		return invalid(fmt.Sprintf("initialState %q is not a declared state", m.InitialState))
	}
	for name, st := range m.States {
		for event, target := range st.On {
			if _, ok := m.States[target]; !ok {
				return invalid(fmt.Sprintf("state %q event %q targets undeclared state %q", name, event, target))
			}
			if guardName, has := st.Guards[event]; has {
				if _, ok := m.Guards[guardName]; !ok {
					return invalid(fmt.Sprintf("state %q event %q references undeclared guard %q", name, event, guardName))
				}
			}
		}
	}
	if m.Resource != nil && m.StateField == "" {
		return invalid("resource binding requires StateField")
	}
	return nil
}

// Start installs every configured trigger: cron triggers through
// cronsched, date/function triggers as polling goroutines, event triggers
// as event-bus subscriptions.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.Base.Start(ctx); err != nil {
		return err
	}

	for machineID, m := range p.cfg.Machines {
		for stateName, st := range m.States {
			for i := range st.CronTriggers {
				if err := p.startCronTrigger(machineID, m, stateName, st, &st.CronTriggers[i]); err != nil {
					return err
				}
			}
			for i := range st.DateTriggers {
				p.startDateTrigger(ctx, machineID, m, stateName, st, &st.DateTriggers[i])
			}
			for i := range st.FunctionTriggers {
				p.startFunctionTrigger(ctx, machineID, m, stateName, st, &st.FunctionTriggers[i])
			}
			for i := range st.EventTriggers {
				p.startEventTrigger(machineID, m, stateName, st, &st.EventTriggers[i])
			}
		}
	}
	return nil
}

// Stop halts every polling goroutine this instance started, in addition to
// the cron jobs and event subscriptions Base.Stop tears down.
func (p *Plugin) Stop(ctx context.Context) error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.pollWG.Wait()
	return p.Base.Stop(ctx)
}

// Quiesce blocks until every in-flight event-trigger handler has returned,
// or timeout elapses.
func (p *Plugin) Quiesce(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.eventWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Plugin) effectiveRetry(m *Machine, st *State) RetryPolicy {
	policy := p.cfg.DefaultRetry
	if m.Retry != nil {
		policy = policy.merge(*m.Retry)
	}
	if st != nil && st.Retry != nil {
		policy = policy.merge(*st.Retry)
	}
	return policy
}

func (p *Plugin) emit(event string, data interface{}) {
	if p.DB() == nil {
		return
	}
	p.DB().Bus().Publish(eventbus.Event{Name: eventbus.PluginEvent(p.Slug, event), Data: data})
}
