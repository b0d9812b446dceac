package statemachine

import (
	"context"
	"fmt"
	"time"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

// entitiesInState scans the state store partition for every entity of
// machineID currently sitting in stateName.
func (p *Plugin) entitiesInState(ctx context.Context, machineID, stateName string) ([]entityState, error) {
	recs, err := p.stateStore.Query(ctx, func(r resource.Record) bool { return true }, resource.QueryOptions{
		Partition:       "byMachineState",
		PartitionValues: map[string]interface{}{"machineId": machineID, "currentState": stateName},
	})
	if err != nil {
		return nil, err
	}
	out := make([]entityState, 0, len(recs))
	for _, r := range recs {
		out = append(out, decodeEntityState(r))
	}
	return out, nil
}

// fireTrigger is the shared body every trigger kind uses once it has
// resolved a target entityState: it honors MaxTriggers, runs Action, then
// SendEvent or a direct TargetState transition.
func (p *Plugin) fireTrigger(ctx context.Context, machineID string, m *Machine, key string, es entityState, action ActionFunc, maxTriggers int, onMax, emitEvent, sendEvent, targetState string) {
	ref := EntityRef{MachineID: machineID, EntityID: es.EntityID}

	if maxTriggers > 0 && es.TriggerCounts[key] >= maxTriggers {
		// Notify the boundary exactly once; the marker entry survives in
		// TriggerCounts alongside the execution count itself.
		marker := key + "#max-notified"
		if onMax != "" && es.TriggerCounts[marker] == 0 {
			p.emit(onMax, map[string]interface{}{"machineId": machineID, "entityId": es.EntityID, "trigger": key})
			fresh, err := p.getOrInitState(ctx, machineID, m, es.EntityID)
			if err == nil {
				if fresh.TriggerCounts == nil {
					fresh.TriggerCounts = map[string]int{}
				}
				fresh.TriggerCounts[marker] = 1
				_ = p.saveState(ctx, fresh)
			}
		}
		return
	}

	p.bump(func(c *Counters) { c.TotalTriggerRuns++ })

	if action != nil {
		if err := action(ctx, es.Data, ref); err != nil {
			p.log.WithError(err).WithField("machine", machineID).WithField("entity", es.EntityID).
				WithField("trigger", key).Warn("statemachine: trigger action failed")
			return
		}
	}

	fresh, err := p.getOrInitState(ctx, machineID, m, es.EntityID)
	if err == nil {
		if fresh.TriggerCounts == nil {
			fresh.TriggerCounts = map[string]int{}
		}
		fresh.TriggerCounts[key]++
		_ = p.saveState(ctx, fresh)
	}

	if emitEvent != "" {
		p.emit(emitEvent, map[string]interface{}{"machineId": machineID, "entityId": es.EntityID, "trigger": key})
	}

	switch {
	case sendEvent != "":
		if _, err := p.Send(ctx, machineID, es.EntityID, sendEvent, nil); err != nil {
			p.log.WithError(err).WithField("machine", machineID).WithField("entity", es.EntityID).
				WithField("event", sendEvent).Warn("statemachine: trigger-driven send failed")
		}
	case targetState != "":
		p.forceState(ctx, machineID, es.EntityID, targetState)
	}
}

// forceState transitions an entity directly, bypassing guards, for
// system-driven triggers that name a TargetState instead of an event. It
// holds the same per-entity lock as Send, runs the target's entry action,
// and keeps a bound resource's state field in sync.
func (p *Plugin) forceState(ctx context.Context, machineID, entity, target string) {
	m, ok := p.cfg.Machines[machineID]
	if !ok {
		return
	}
	targetState, ok := m.States[target]
	if !ok {
		p.log.WithField("machine", machineID).WithField("target", target).
			Warn("statemachine: trigger names an undeclared target state")
		return
	}

	lockName := fmt.Sprintf("transition-%s-%s", machineID, entity)
	lock, err := p.Storage().AcquireLock(ctx, lockName, pluginstore.AcquireOptions{
		TTLSeconds: int(m.lockTTL().Seconds()),
		TimeoutMs:  int(m.lockTimeout().Milliseconds()),
	})
	if err != nil || lock == nil {
		p.log.WithField("machine", machineID).WithField("entity", entity).
			Warn("statemachine: trigger transition could not acquire entity lock")
		return
	}
	defer func() {
		if rerr := p.Storage().ReleaseLock(ctx, lock); rerr != nil {
			p.log.WithError(rerr).Warn("statemachine: failed to release transition lock")
		}
	}()

	es, err := p.getOrInitState(ctx, machineID, m, entity)
	if err != nil {
		return
	}
	from := es.CurrentState
	if from == target {
		return
	}
	es.CurrentState = target
	if err := p.saveState(ctx, es); err != nil {
		p.log.WithError(err).Warn("statemachine: failed to persist trigger-forced state")
		return
	}
	if m.Resource != nil {
		if _, err := m.Resource.Update(ctx, entity, resource.Record{m.StateField: target}); err != nil {
			p.log.WithError(err).WithField("entity", entity).Warn("statemachine: failed to sync bound resource state field")
		}
	}
	if targetState.Entry != nil {
		policy := p.effectiveRetry(m, targetState)
		if err := runWithRetry(policy, sleep, func(int) error {
			return targetState.Entry(ctx, es.Data, EntityRef{MachineID: machineID, EntityID: entity})
		}); err != nil {
			p.log.WithError(err).WithField("entity", entity).Warn("statemachine: entry action for trigger-forced state failed")
		}
	}
	p.bump(func(c *Counters) { c.TotalTransitions++ })
	p.appendTransitionLog(ctx, machineID, entity, from, target, "trigger", true, "", 1)
	p.emit("transition", map[string]interface{}{
		"machineId": machineID, "entityId": entity, "fromState": from, "toState": target, "event": "trigger",
	})
}

func (p *Plugin) startCronTrigger(machineID string, m *Machine, stateName string, st *State, trig *CronTrigger) error {
	key := fmt.Sprintf("cron:%s", stateName)
	_, err := p.Base.ScheduleCron(trig.Expression, func() {
		p.runScanningTrigger(context.Background(), machineID, m, stateName, key, trig.Condition,
			trig.Action, trig.MaxTriggers, trig.OnMaxTriggersReached, trig.Event, trig.SendEvent, trig.TargetState)
	}, cronsched.Options{Timezone: trig.Timezone})
	return err
}

func (p *Plugin) startDateTrigger(ctx context.Context, machineID string, m *Machine, stateName string, st *State, trig *DateTrigger) {
	interval := trig.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	key := fmt.Sprintf("date:%s:%s", stateName, trig.Field)
	condition := func(ctx context.Context, data map[string]interface{}, entity string) (bool, error) {
		v, ok := data[trig.Field]
		if !ok {
			return false, nil
		}
		t, ok := parseTimeValue(v)
		if !ok {
			return false, nil
		}
		return !p.now().Before(t), nil
	}
	p.pollWG.Add(1)
	go func() {
		defer p.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runScanningTrigger(ctx, machineID, m, stateName, key, condition,
					trig.Action, trig.MaxTriggers, trig.OnMaxTriggersReached, trig.Event, trig.SendEvent, trig.TargetState)
			}
		}
	}()
}

func (p *Plugin) startFunctionTrigger(ctx context.Context, machineID string, m *Machine, stateName string, st *State, trig *FunctionTrigger) {
	interval := trig.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	key := fmt.Sprintf("function:%s:%p", stateName, trig)
	p.pollWG.Add(1)
	go func() {
		defer p.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runScanningTrigger(ctx, machineID, m, stateName, key, trig.Condition,
					trig.Action, trig.MaxTriggers, trig.OnMaxTriggersReached, trig.Event, trig.SendEvent, trig.TargetState)
			}
		}
	}()
}

// runScanningTrigger scans every entity currently in stateName and fires
// the trigger body for each one whose Condition (if any) passes.
func (p *Plugin) runScanningTrigger(ctx context.Context, machineID string, m *Machine, stateName, key string, condition ConditionFunc, action ActionFunc, maxTriggers int, onMax, emitEvent, sendEvent, targetState string) {
	entities, err := p.entitiesInState(ctx, machineID, stateName)
	if err != nil {
		p.log.WithError(err).WithField("machine", machineID).WithField("state", stateName).
			Warn("statemachine: trigger scan failed")
		return
	}
	for _, es := range entities {
		// The partition scan can return stale pointers for entities that
		// have since transitioned away; only the record's own CurrentState
		// decides membership.
		if es.CurrentState != stateName {
			continue
		}
		if condition != nil {
			ok, cerr := condition(ctx, es.Data, es.EntityID)
			if cerr != nil || !ok {
				continue
			}
		}
		p.fireTrigger(ctx, machineID, m, key, es, action, maxTriggers, onMax, emitEvent, sendEvent, targetState)
	}
}

func (p *Plugin) startEventTrigger(machineID string, m *Machine, stateName string, st *State, trig *EventTrigger) {
	name := trig.EventName
	if trig.EventNameFunc != nil {
		name = trig.EventNameFunc()
	}
	key := fmt.Sprintf("event:%s:%s", stateName, name)

	p.AddHook(name, func(ctx context.Context, ev eventbus.Event) {
		p.eventWG.Add(1)
		defer p.eventWG.Done()

		var targetEntity string
		if trig.EntityIDFromEvent != nil {
			id, ok := trig.EntityIDFromEvent(ev.Data)
			if !ok {
				return
			}
			targetEntity = id
		} else if id, ok := ev.Data.(string); ok {
			targetEntity = id
		} else {
			return
		}

		es, err := p.getOrInitState(context.Background(), machineID, m, targetEntity)
		if err != nil || es.CurrentState != stateName {
			return
		}
		p.fireTrigger(context.Background(), machineID, m, key, es, trig.Action, trig.MaxTriggers, trig.OnMaxTriggersReached, "", trig.SendEvent, trig.TargetState)
	})
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}
