// Package statemachine implements guarded transitions under a per-entity
// distributed lock, cron/date/function/event triggers, and classified
// retry of transition actions. A machine is a declarative
// {initialState, states} graph; the engine drives send(machine, entity,
// event) through guard evaluation, exit/entry actions, and persistence of
// both the current state and an append-only transition log.
package statemachine

import (
	"context"
	"time"

	"s3db.evalgo.org/resource"
)

// GuardFunc evaluates whether a transition may proceed. A false return or
// an error blocks the transition with errs.GuardBlocked.
type GuardFunc func(ctx context.Context, data map[string]interface{}, event string, meta EntityRef) (bool, error)

// ActionFunc is a state's entry or exit action, or a trigger's action.
type ActionFunc func(ctx context.Context, data map[string]interface{}, meta EntityRef) error

// ConditionFunc gates a function trigger's execution per tick.
type ConditionFunc func(ctx context.Context, data map[string]interface{}, entityID string) (bool, error)

// EntityRef identifies the (machine, entity) pair a guard/action/trigger
// runs against.
type EntityRef struct {
	MachineID string
	EntityID  string
}

// BackoffKind names one of the three supported retry backoff shapes.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy configures action retry. The effective policy for one action
// execution is the merge global < machine < state, with state-level
// non-zero fields overriding machine-level, which override global.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// RetriableErrors / NonRetriableErrors name substrings matched against
	// an action error's message to classify it; NonRetriableErrors takes
	// precedence when both match. An error matching neither list is
	// treated as RETRIABLE by default.
	RetriableErrors    []string
	NonRetriableErrors []string

	// OnRetry is invoked between attempts; a panic or error inside it is
	// isolated and never aborts the retry loop.
	OnRetry func(attempt int, err error)
}

// merge overlays non-zero fields of override onto a copy of p.
func (p RetryPolicy) merge(override RetryPolicy) RetryPolicy {
	out := p
	if override.MaxAttempts != 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.Backoff != "" {
		out.Backoff = override.Backoff
	}
	if override.BaseDelay != 0 {
		out.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay != 0 {
		out.MaxDelay = override.MaxDelay
	}
	if len(override.RetriableErrors) > 0 {
		out.RetriableErrors = override.RetriableErrors
	}
	if len(override.NonRetriableErrors) > 0 {
		out.NonRetriableErrors = override.NonRetriableErrors
	}
	if override.OnRetry != nil {
		out.OnRetry = override.OnRetry
	}
	return out
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff:     BackoffFixed,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// CronTrigger fires on every cron tick, scanning entities currently in the
// owning state.
type CronTrigger struct {
	Expression           string
	Timezone             string
	Condition            ConditionFunc
	MaxTriggers          int
	OnMaxTriggersReached string // event name, optional
	Action               ActionFunc
	Event                string // event name to emit, optional
	SendEvent            string // machine event to self-send, optional
	TargetState          string // when set, engine performs the transition automatically
}

// DateTrigger polls periodically and fires once now >= record[Field].
type DateTrigger struct {
	Field                string
	PollInterval         time.Duration
	MaxTriggers          int
	OnMaxTriggersReached string
	Action               ActionFunc
	Event                string
	SendEvent            string
	TargetState          string
}

// FunctionTrigger polls on a custom interval, gated by Condition.
type FunctionTrigger struct {
	PollInterval         time.Duration
	Condition            ConditionFunc
	MaxTriggers          int
	OnMaxTriggersReached string
	Action               ActionFunc
	Event                string
	SendEvent            string
	TargetState          string
}

// EventTrigger subscribes to an external event source: a plugin event, a
// db:* event, or a bound resource's own event. EventNameFunc supports
// dynamic event names computed at subscribe time; when set it takes
// precedence over EventName.
type EventTrigger struct {
	EventName            string
	EventNameFunc        func() string
	MaxTriggers          int
	OnMaxTriggersReached string
	Action               ActionFunc
	SendEvent            string
	TargetState          string
	// EntityIDFromEvent extracts the entity id a delivered event payload
	// refers to, so the trigger can filter to matching entities.
	EntityIDFromEvent func(data interface{}) (entityID string, ok bool)
}

// State is one node of a Machine's graph.
type State struct {
	On     map[string]string // event -> target state
	Guards map[string]string // event -> guard name (looked up in Machine.Guards)

	Entry ActionFunc
	Exit  ActionFunc

	Final bool

	CronTriggers     []CronTrigger
	DateTriggers     []DateTrigger
	FunctionTriggers []FunctionTrigger
	EventTriggers    []EventTrigger

	Retry *RetryPolicy // state-level override
}

// ValidEvents lists the events this state accepts, for error messages.
func (s *State) ValidEvents() []string {
	out := make([]string, 0, len(s.On))
	for ev := range s.On {
		out = append(out, ev)
	}
	return out
}

// Machine is {initialState, states} plus the guard registry and optional
// resource binding.
type Machine struct {
	Name         string
	InitialState string
	States       map[string]*State
	Guards       map[string]GuardFunc

	Retry *RetryPolicy // machine-level override

	LockTTL     time.Duration
	LockTimeout time.Duration

	// Resource/StateField bind this machine to an external resource: on
	// every transition the engine keeps record[StateField] in sync.
	Resource   resource.Resource
	StateField string
}

func (m *Machine) lockTTL() time.Duration {
	if m.LockTTL > 0 {
		return m.LockTTL
	}
	return 10 * time.Second
}

func (m *Machine) lockTimeout() time.Duration {
	if m.LockTimeout > 0 {
		return m.LockTimeout
	}
	return 2 * time.Second
}
