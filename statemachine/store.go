package statemachine

import (
	"context"
	"time"

	"s3db.evalgo.org/resource"
)

func entityID(machineID, entity string) string {
	return machineID + "_" + entity
}

func stateSchema(name string) resource.Schema {
	return resource.Schema{
		Name: name,
		Attributes: []string{
			"machineId", "entityId", "currentState", "data", "triggerCounts", "updatedAt",
		},
		Partitions: []resource.PartitionDef{
			{Name: "byMachine", Fields: []string{"machineId"}},
			{Name: "byMachineState", Fields: []string{"machineId", "currentState"}},
		},
		Timestamps: false,
		CreatedBy:  "plugin",
	}
}

func transitionLogSchema(name string) resource.Schema {
	return resource.Schema{
		Name: name,
		Attributes: []string{
			"machineId", "entityId", "fromState", "toState", "event",
			"success", "error", "attempts", "timestamp",
		},
		Partitions: []resource.PartitionDef{
			{Name: "byEntity", Fields: []string{"machineId", "entityId"}},
		},
		Timestamps: false,
		CreatedBy:  "plugin",
	}
}

// entityState is the decoded shape of one state-store record.
type entityState struct {
	MachineID     string
	EntityID      string
	CurrentState  string
	Data          map[string]interface{}
	TriggerCounts map[string]int
	UpdatedAt     time.Time
}

func decodeEntityState(rec resource.Record) entityState {
	es := entityState{
		MachineID:     asString(rec["machineId"]),
		EntityID:      asString(rec["entityId"]),
		CurrentState:  asString(rec["currentState"]),
		TriggerCounts: map[string]int{},
	}
	if d, ok := rec["data"].(map[string]interface{}); ok {
		es.Data = d
	} else {
		es.Data = map[string]interface{}{}
	}
	if tc, ok := rec["triggerCounts"].(map[string]interface{}); ok {
		for k, v := range tc {
			es.TriggerCounts[k] = toInt(v)
		}
	}
	if s, ok := rec["updatedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			es.UpdatedAt = t
		}
	}
	return es
}

func (es entityState) record() resource.Record {
	counts := make(map[string]interface{}, len(es.TriggerCounts))
	for k, v := range es.TriggerCounts {
		counts[k] = v
	}
	return resource.Record{
		"id":            entityID(es.MachineID, es.EntityID),
		"machineId":     es.MachineID,
		"entityId":      es.EntityID,
		"currentState":  es.CurrentState,
		"data":          es.Data,
		"triggerCounts": counts,
		"updatedAt":     es.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

// InspectEntity returns the current persisted state of one entity under
// machineID without touching any lock, for read-only operator inspection
// (httpadmin). It does not create the entity if absent.
func (p *Plugin) InspectEntity(ctx context.Context, machineID, entity string) (map[string]interface{}, error) {
	id := entityID(machineID, entity)
	rec, err := p.stateStore.Get(ctx, id, resource.QueryOptions{})
	if err != nil {
		return nil, err
	}
	es := decodeEntityState(rec)
	return map[string]interface{}{
		"machineId":     es.MachineID,
		"entityId":      es.EntityID,
		"currentState":  es.CurrentState,
		"data":          es.Data,
		"triggerCounts": es.TriggerCounts,
		"updatedAt":     es.UpdatedAt,
	}, nil
}

// getOrInitState resolves an entity's state-store record, creating it at
// the machine's initial state on first reference.
func (p *Plugin) getOrInitState(ctx context.Context, machineID string, m *Machine, entity string) (entityState, error) {
	id := entityID(machineID, entity)
	rec, err := p.stateStore.Get(ctx, id, resource.QueryOptions{})
	if err == nil {
		return decodeEntityState(rec), nil
	}
	es := entityState{
		MachineID:     machineID,
		EntityID:      entity,
		CurrentState:  m.InitialState,
		Data:          map[string]interface{}{},
		TriggerCounts: map[string]int{},
		UpdatedAt:     p.now(),
	}
	if _, ierr := p.stateStore.Insert(ctx, es.record()); ierr != nil {
		return entityState{}, ierr
	}
	return es, nil
}

func (p *Plugin) saveState(ctx context.Context, es entityState) error {
	es.UpdatedAt = p.now()
	id := entityID(es.MachineID, es.EntityID)
	if _, err := p.stateStore.Replace(ctx, id, es.record()); err != nil {
		return err
	}
	return nil
}

// appendTransitionLog inserts one transition-log record, retrying with
// exponential backoff so a transient driver error doesn't silently drop it.
func (p *Plugin) appendTransitionLog(ctx context.Context, machineID, entity, from, to, event string, success bool, errMsg string, attempts int) {
	rec := resource.Record{
		"machineId": machineID,
		"entityId":  entity,
		"fromState": from,
		"toState":   to,
		"event":     event,
		"success":   success,
		"error":     errMsg,
		"attempts":  attempts,
		"timestamp": p.now().UTC().Format(time.RFC3339),
	}
	policy := RetryPolicy{
		MaxAttempts: p.cfg.DefaultRetry.MaxAttempts,
		Backoff:     BackoffExponential,
		BaseDelay:   p.cfg.DefaultRetry.BaseDelay,
		MaxDelay:    p.cfg.DefaultRetry.MaxDelay,
	}
	err := runWithRetry(policy, sleep, func(int) error {
		_, ierr := p.transitionLog.Insert(ctx, rec)
		return ierr
	})
	if err != nil {
		p.log.WithError(err).WithField("machine", machineID).WithField("entity", entity).
			Warn("statemachine: failed to append transition log")
	}
}
