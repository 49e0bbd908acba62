package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/pkg/models"
)

// EventRecorder persists automation events. Every evaluation that
// reaches action dispatch produces exactly one event per rule.
type EventRecorder interface {
	Record(ctx context.Context, event Event) error
}

// AuditLogger is the external audit-log collaborator invoked on every
// rule mutation.
type AuditLogger interface {
	Log(ctx context.Context, actor, action, target string, outcome error)
}

// Actuator executes a single action against its target. Dispatcher is
// the production implementation.
type Actuator interface {
	Dispatch(ctx context.Context, action Action, ectx EvalContext) error
}

// Engine evaluates the rule set against each accepted reading or clock
// tick. Delivery from the upstream transport is at-least-once: a
// redelivered reading arriving before a lastTriggered update commits can
// produce duplicate events for one logical trigger.
type Engine struct {
	mu       sync.Mutex
	rules    map[string]*Rule
	compiled map[string]Trigger
	states   *StateStore

	dispatcher Actuator
	recorder   EventRecorder
	audit      AuditLogger
	logger     *zap.Logger

	now func() time.Time
}

// NewEngine creates a rule engine.
func NewEngine(dispatcher Actuator, recorder EventRecorder, audit AuditLogger, logger *zap.Logger) *Engine {
	return &Engine{
		rules:      make(map[string]*Rule),
		compiled:   make(map[string]Trigger),
		states:     NewStateStore(),
		dispatcher: dispatcher,
		recorder:   recorder,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
	}
}

// EvaluateReading runs the full rule pass for one accepted reading.
func (e *Engine) EvaluateReading(ctx context.Context, reading *models.TelemetryReading) []Event {
	return e.Evaluate(ctx, EvalContext{Reading: reading, Now: e.now()})
}

// Tick runs the rule pass for a clock tick, which drives pure schedule
// triggers that have no associated reading.
func (e *Engine) Tick(ctx context.Context, now time.Time) []Event {
	return e.Evaluate(ctx, EvalContext{Now: now})
}

// Evaluate collects the rules whose trigger and conditions pass in this
// batch, resolves conflicts by priority, dispatches the surviving rules
// and records one event per dispatched rule.
func (e *Engine) Evaluate(ctx context.Context, ectx EvalContext) []Event {
	candidates := e.collectCandidates(ectx)
	accepted := resolveConflicts(candidates)

	var events []Event
	for _, rule := range accepted {
		events = append(events, e.fire(ctx, rule, ectx))
	}
	return events
}

// collectCandidates walks the rule set applying the enabled, cooldown,
// trigger and condition gates.
func (e *Engine) collectCandidates(ectx EvalContext) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Rule
	for id, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.CooldownSeconds > 0 && !rule.LastTriggered.IsZero() {
			if ectx.Now.Sub(rule.LastTriggered) < time.Duration(rule.CooldownSeconds)*time.Second {
				continue
			}
		}

		trigger, ok := e.compiled[id]
		if !ok {
			continue
		}
		key := StateKey{RuleID: id, DeviceID: ectx.DeviceID()}
		if !trigger.Evaluate(ectx, e.states, key) {
			continue
		}
		if !EvaluateConditions(rule.Conditions, ectx) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// resolveConflicts sorts the batch by priority descending and accepts a
// rule only if none of its action targets were claimed by an already
// accepted higher-priority rule. A rule with any collision is skipped
// entirely, never partially executed.
func resolveConflicts(candidates []*Rule) []*Rule {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	claimed := make(map[string]bool)
	var accepted []*Rule
	for _, rule := range candidates {
		collision := false
		for _, action := range rule.Actions {
			if claimed[action.Target] {
				collision = true
				break
			}
		}
		if collision {
			continue
		}
		for _, action := range rule.Actions {
			claimed[action.Target] = true
		}
		accepted = append(accepted, rule)
	}
	return accepted
}

// fire dispatches the actions of an accepted rule sequentially and
// records the outcome. On success lastTriggered and triggerCount are
// advanced; a failed dispatch is recorded but leaves lastTriggered
// untouched so the rule stays eligible to re-fire on the next
// qualifying reading.
func (e *Engine) fire(ctx context.Context, rule *Rule, ectx EvalContext) Event {
	event := Event{
		ID:                uuid.New().String(),
		RuleID:            rule.ID,
		ConditionSnapshot: snapshotContext(ectx),
		ActionPayload:     rule.Actions,
		Timestamp:         ectx.Now,
	}

	var dispatchErr error
	for _, action := range rule.Actions {
		if err := e.dispatcher.Dispatch(ctx, action, ectx); err != nil {
			dispatchErr = fmt.Errorf("action %s on %s: %w", action.Type, action.Target, err)
			break
		}
	}

	if dispatchErr != nil {
		event.Success = false
		event.Error = dispatchErr.Error()
		e.logger.Warn("rule action dispatch failed",
			zap.String("rule_id", rule.ID),
			zap.Error(dispatchErr),
		)
	} else {
		event.Success = true
		e.mu.Lock()
		rule.LastTriggered = ectx.Now
		rule.TriggerCount++
		e.mu.Unlock()
		e.logger.Info("rule fired",
			zap.String("rule_id", rule.ID),
			zap.String("rule_name", rule.Name),
			zap.Int("trigger_count", rule.TriggerCount),
		)
	}

	if e.recorder != nil {
		if err := e.recorder.Record(ctx, event); err != nil {
			e.logger.Error("failed to record automation event",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}
	return event
}

func snapshotContext(ectx EvalContext) map[string]float64 {
	snap := make(map[string]float64)
	if ectx.Reading != nil {
		snap[models.MetricPower] = ectx.Reading.PowerW
		if ectx.Reading.VoltageV != nil {
			snap[models.MetricVoltage] = *ectx.Reading.VoltageV
		}
		if ectx.Reading.CurrentA != nil {
			snap[models.MetricCurrent] = *ectx.Reading.CurrentA
		}
		if ectx.Reading.PowerFactor != nil {
			snap[models.MetricPowerFactor] = *ectx.Reading.PowerFactor
		}
		if ectx.Reading.FrequencyHz != nil {
			snap[models.MetricFrequency] = *ectx.Reading.FrequencyHz
		}
	}
	if ectx.Price != 0 {
		snap["price"] = ectx.Price
	}
	for k, v := range ectx.Weather {
		snap[k] = v
	}
	return snap
}

// Rule management. Every mutation goes through the audit collaborator.

// CreateRule validates, compiles and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, actor string, rule *Rule) error {
	err := e.addRule(rule)
	e.audit.Log(ctx, actor, "create_rule", rule.ID, err)
	return err
}

func (e *Engine) addRule(rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule %s has no actions", rule.ID)
	}
	trigger, err := CompileTrigger(rule.Trigger)
	if err != nil {
		return fmt.Errorf("compile rule %s: %w", rule.ID, err)
	}

	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}
	e.rules[rule.ID] = rule
	e.compiled[rule.ID] = trigger
	return nil
}

// Restore loads a persisted rule at startup, keeping its stored
// timestamps and statistics and skipping the audit log.
func (e *Engine) Restore(rule *Rule) error {
	trigger, err := CompileTrigger(rule.Trigger)
	if err != nil {
		return fmt.Errorf("compile rule %s: %w", rule.ID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	e.compiled[rule.ID] = trigger
	return nil
}

// UpdateRule replaces an existing rule definition, preserving its
// trigger statistics.
func (e *Engine) UpdateRule(ctx context.Context, actor string, rule *Rule) error {
	err := e.replaceRule(rule)
	e.audit.Log(ctx, actor, "update_rule", rule.ID, err)
	return err
}

func (e *Engine) replaceRule(rule *Rule) error {
	trigger, err := CompileTrigger(rule.Trigger)
	if err != nil {
		return fmt.Errorf("compile rule %s: %w", rule.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule %s not found", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.LastTriggered = existing.LastTriggered
	rule.TriggerCount = existing.TriggerCount
	rule.UpdatedAt = e.now()
	e.rules[rule.ID] = rule
	e.compiled[rule.ID] = trigger
	return nil
}

// ToggleRule enables or disables a rule.
func (e *Engine) ToggleRule(ctx context.Context, actor, id string, enabled bool) error {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if ok {
		rule.Enabled = enabled
		rule.UpdatedAt = e.now()
	}
	e.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("rule %s not found", id)
	}
	e.audit.Log(ctx, actor, "toggle_rule", id, err)
	return err
}

// DeleteRule removes a rule and any duration state it holds.
func (e *Engine) DeleteRule(ctx context.Context, actor, id string) error {
	e.mu.Lock()
	_, ok := e.rules[id]
	delete(e.rules, id)
	delete(e.compiled, id)
	e.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("rule %s not found", id)
	}
	e.audit.Log(ctx, actor, "delete_rule", id, err)
	return err
}

// GetRule returns a copy of a rule by ID.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *rule, true
}

// ListRules returns copies of all rules ordered by priority descending.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
