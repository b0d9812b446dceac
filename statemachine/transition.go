package statemachine

import (
	"context"
	"fmt"
	"time"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

// TransitionResult is returned by Send on success.
type TransitionResult struct {
	FromState string
	ToState   string
	Attempts  int
}

// SendOptions overrides per-call transition behavior; a zero value uses the
// machine's configured defaults.
type SendOptions struct {
	// LockTimeout overrides Machine.LockTimeout for this call only, so a
	// caller can choose to fail fast or wait longer on a contended entity
	// without changing the machine's shared configuration.
	LockTimeout time.Duration
}

// Send drives one guarded transition for (machineID, entityID) on event,
// under a per-entity distributed lock. On success it persists the new
// state, appends a transition-log entry, and emits
// plg:state-machine:transition. On a lock timeout, an invalid event, a
// guard block, or an exit action failing all its retries it returns a
// structured *errs.Error and leaves state untouched. The new state is
// persisted before the target's entry action runs, so an entry action that
// fails all its retries returns an error with the entity already in the
// target state.
func (p *Plugin) Send(ctx context.Context, machineID, entity, event string, data map[string]interface{}, opts ...SendOptions) (*TransitionResult, error) {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return nil, errs.New(errs.ConfigurationInvalid, p.Slug, "send", fmt.Errorf("unknown machine %q", machineID))
	}

	lockTimeout := m.lockTimeout()
	if len(opts) > 0 && opts[0].LockTimeout > 0 {
		lockTimeout = opts[0].LockTimeout
	}

	lockName := fmt.Sprintf("transition-%s-%s", machineID, entity)
	lock, err := p.Storage().AcquireLock(ctx, lockName, pluginstore.AcquireOptions{
		TTLSeconds: int(m.lockTTL().Seconds()),
		TimeoutMs:  int(lockTimeout.Milliseconds()),
	})
	if err != nil {
		return nil, errs.New(errs.DriverTransient, p.Slug, "send", err)
	}
	if lock == nil {
		p.bump(func(c *Counters) { c.TotalLockTimeouts++ })
		return nil, errs.New(errs.LockContention, p.Slug, "send",
			fmt.Errorf("machine %s entity %s: transition lock busy", machineID, entity)).
			WithSuggestion("retry after the current transition for this entity completes.")
	}
	defer func() {
		if rerr := p.Storage().ReleaseLock(ctx, lock); rerr != nil {
			p.log.WithError(rerr).Warn("statemachine: failed to release transition lock")
		}
	}()

	return p.transitionLocked(ctx, machineID, m, entity, event, data)
}

func (p *Plugin) transitionLocked(ctx context.Context, machineID string, m *Machine, entity, event string, data map[string]interface{}) (*TransitionResult, error) {
	es, err := p.getOrInitState(ctx, machineID, m, entity)
	if err != nil {
		return nil, errs.New(errs.DriverTransient, p.Slug, "send", err)
	}

	st, ok := m.States[es.CurrentState]
	if !ok {
		return nil, errs.New(errs.InvariantViolation, p.Slug, "send",
			fmt.Errorf("entity %s is in undeclared state %q", entity, es.CurrentState))
	}
	if st.Final {
		return nil, errs.New(errs.InvariantViolation, p.Slug, "send",
			fmt.Errorf("entity %s is in final state %q", entity, es.CurrentState)).
			WithSuggestion("final states accept no further events.")
	}

	target, ok := st.On[event]
	if !ok {
		return nil, errs.New(errs.InvariantViolation, p.Slug, "send",
			fmt.Errorf("event %q is not valid from state %q", event, es.CurrentState)).
			WithMetadata(map[string]interface{}{"validEvents": st.ValidEvents()}).
			WithSuggestion("call GetValidEvents to discover the accepted events for this state.")
	}

	ref := EntityRef{MachineID: machineID, EntityID: entity}
	merged := mergeData(es.Data, data)

	if guardName, has := st.Guards[event]; has {
		guard, declared := m.Guards[guardName]
		if !declared {
			return nil, errs.New(errs.ConfigurationInvalid, p.Slug, "send",
				fmt.Errorf("state %q maps event %q to undeclared guard %q", es.CurrentState, event, guardName))
		}
		allowed, gerr := guard(ctx, merged, event, ref)
		if gerr != nil {
			p.bump(func(c *Counters) { c.TotalBlocked++ })
			return nil, errs.New(errs.GuardBlocked, p.Slug, "send", gerr).
				WithMetadata(map[string]interface{}{"guard": guardName})
		}
		if !allowed {
			p.bump(func(c *Counters) { c.TotalBlocked++ })
			return nil, errs.New(errs.GuardBlocked, p.Slug, "send",
				fmt.Errorf("guard %q blocked event %q from state %q", guardName, event, es.CurrentState))
		}
	}

	targetState := m.States[target]
	policy := p.effectiveRetry(m, st)

	attempts := 0
	runAction := func(fn ActionFunc) error {
		if fn == nil {
			return nil
		}
		return runWithRetry(policy, sleep, func(attempt int) error {
			attempts = attempt
			return fn(ctx, merged, ref)
		})
	}

	if err := runAction(st.Exit); err != nil {
		p.bump(func(c *Counters) { c.TotalFailed++ })
		p.appendTransitionLog(ctx, machineID, entity, es.CurrentState, target, event, false, err.Error(), attempts)
		return nil, errs.New(errs.DriverTransient, p.Slug, "send", fmt.Errorf("exit action for state %q: %w", es.CurrentState, err))
	}

	fromState := es.CurrentState
	es.CurrentState = target
	es.Data = merged
	if err := p.saveState(ctx, es); err != nil {
		p.bump(func(c *Counters) { c.TotalFailed++ })
		return nil, errs.New(errs.DriverTransient, p.Slug, "send", err)
	}

	if m.Resource != nil {
		if _, err := m.Resource.Update(ctx, entity, resource.Record{m.StateField: target}); err != nil {
			p.log.WithError(err).WithField("entity", entity).Warn("statemachine: failed to sync bound resource state field")
		}
	}

	if err := runAction(targetState.Entry); err != nil {
		p.bump(func(c *Counters) { c.TotalFailed++ })
		p.appendTransitionLog(ctx, machineID, entity, fromState, target, event, false, err.Error(), attempts)
		return nil, errs.New(errs.DriverTransient, p.Slug, "send", fmt.Errorf("entry action for state %q: %w", target, err))
	}

	if attempts > 1 {
		p.bump(func(c *Counters) { c.TotalRetries += int64(attempts - 1) })
	}
	p.bump(func(c *Counters) { c.TotalTransitions++ })
	p.appendTransitionLog(ctx, machineID, entity, fromState, target, event, true, "", attempts)
	p.emit("transition", map[string]interface{}{
		"machineId": machineID,
		"entityId":  entity,
		"fromState": fromState,
		"toState":   target,
		"event":     event,
	})

	return &TransitionResult{FromState: fromState, ToState: target, Attempts: attempts}, nil
}

func mergeData(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// GetState returns an entity's current state, initializing it at the
// machine's initial state on first reference.
func (p *Plugin) GetState(ctx context.Context, machineID, entity string) (string, error) {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return "", errs.New(errs.ConfigurationInvalid, p.Slug, "getState", fmt.Errorf("unknown machine %q", machineID))
	}
	es, err := p.getOrInitState(ctx, machineID, m, entity)
	if err != nil {
		return "", errs.New(errs.DriverTransient, p.Slug, "getState", err)
	}
	return es.CurrentState, nil
}

// CanTransition reports whether event is valid from entity's current state
// and, if guarded, whether the guard currently allows it.
func (p *Plugin) CanTransition(ctx context.Context, machineID, entity, event string) (bool, error) {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return false, errs.New(errs.ConfigurationInvalid, p.Slug, "canTransition", fmt.Errorf("unknown machine %q", machineID))
	}
	es, err := p.getOrInitState(ctx, machineID, m, entity)
	if err != nil {
		return false, errs.New(errs.DriverTransient, p.Slug, "canTransition", err)
	}
	st, ok := m.States[es.CurrentState]
	if !ok || st.Final {
		return false, nil
	}
	if _, ok := st.On[event]; !ok {
		return false, nil
	}
	guardName, has := st.Guards[event]
	if !has {
		return true, nil
	}
	guard, declared := m.Guards[guardName]
	if !declared {
		return false, nil
	}
	allowed, gerr := guard(ctx, es.Data, event, EntityRef{MachineID: machineID, EntityID: entity})
	if gerr != nil {
		return false, nil
	}
	return allowed, nil
}

// GetValidEvents lists the events accepted from entity's current state.
func (p *Plugin) GetValidEvents(ctx context.Context, machineID, entity string) ([]string, error) {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return nil, errs.New(errs.ConfigurationInvalid, p.Slug, "getValidEvents", fmt.Errorf("unknown machine %q", machineID))
	}
	es, err := p.getOrInitState(ctx, machineID, m, entity)
	if err != nil {
		return nil, errs.New(errs.DriverTransient, p.Slug, "getValidEvents", err)
	}
	st, ok := m.States[es.CurrentState]
	if !ok {
		return nil, nil
	}
	return st.ValidEvents(), nil
}

// InitializeEntity explicitly creates entity's state-store record at the
// machine's initial state with the given seed data; it is a no-op if the
// entity already has a record.
func (p *Plugin) InitializeEntity(ctx context.Context, machineID, entity string, data map[string]interface{}) error {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return errs.New(errs.ConfigurationInvalid, p.Slug, "initializeEntity", fmt.Errorf("unknown machine %q", machineID))
	}
	id := entityID(machineID, entity)
	if _, err := p.stateStore.Get(ctx, id, resource.QueryOptions{}); err == nil {
		return nil
	}
	es := entityState{
		MachineID:    machineID,
		EntityID:     entity,
		CurrentState: m.InitialState,
		Data:         data,
		UpdatedAt:    p.now(),
	}
	if data == nil {
		es.Data = map[string]interface{}{}
	}
	_, err := p.stateStore.Insert(ctx, es.record())
	return err
}

// GetTransitionHistory returns the transition-log entries for entity within
// opts' bounds, in the order the store lists their ids (random UUIDs), not
// in time order; each entry's timestamp field records when it was written.
func (p *Plugin) GetTransitionHistory(ctx context.Context, machineID, entity string, opts resource.QueryOptions) ([]resource.Record, error) {
	opts.Partition = "byEntity"
	if opts.PartitionValues == nil {
		opts.PartitionValues = map[string]interface{}{}
	}
	opts.PartitionValues["machineId"] = machineID
	opts.PartitionValues["entityId"] = entity
	return p.transitionLog.List(ctx, opts)
}
