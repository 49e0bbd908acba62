package automation

import (
	"fmt"
	"strings"
	"time"
)

// Trigger is the compiled form of a TriggerSpec. Each kind implements
// the same evaluation contract; stateless kinds ignore the state store.
type Trigger interface {
	Evaluate(ctx EvalContext, states *StateStore, key StateKey) bool
}

// CompileTrigger turns a stored spec into its Trigger implementation.
func CompileTrigger(spec TriggerSpec) (Trigger, error) {
	switch spec.Type {
	case TriggerSchedule:
		return &scheduleTrigger{hour: spec.Hour, minute: spec.Minute, weekdays: spec.Weekdays}, nil
	case TriggerThreshold:
		if spec.Metric == "" {
			return nil, fmt.Errorf("threshold trigger missing metric")
		}
		return &thresholdTrigger{
			metric:   spec.Metric,
			operator: spec.Operator,
			value:    spec.Value,
			duration: time.Duration(spec.DurationSeconds) * time.Second,
		}, nil
	case TriggerEvent:
		return &eventTrigger{event: spec.EventVal}, nil
	case TriggerPrice:
		return &priceTrigger{operator: spec.Operator, value: spec.Value}, nil
	case TriggerWeather:
		if spec.Field == "" {
			return nil, fmt.Errorf("weather trigger missing field")
		}
		return &weatherTrigger{field: spec.Field, operator: spec.Operator, value: spec.Value}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", spec.Type)
	}
}

// scheduleTrigger matches an exact hour:minute, optionally restricted to
// a weekday set.
type scheduleTrigger struct {
	hour     int
	minute   int
	weekdays []time.Weekday
}

func (t *scheduleTrigger) Evaluate(ctx EvalContext, _ *StateStore, _ StateKey) bool {
	if ctx.Now.Hour() != t.hour || ctx.Now.Minute() != t.minute {
		return false
	}
	if len(t.weekdays) == 0 {
		return true
	}
	today := ctx.Now.Weekday()
	for _, wd := range t.weekdays {
		if wd == today {
			return true
		}
	}
	return false
}

// thresholdTrigger compares a reading metric against a configured value.
// With a duration, the breach must persist continuously: the first
// breaching reading records a start, and the trigger fires only once the
// elapsed breach reaches the duration, clearing the state. Any break in
// the breach clears the state immediately; there is no partial credit.
type thresholdTrigger struct {
	metric   string
	operator Operator
	value    float64
	duration time.Duration
}

func (t *thresholdTrigger) Evaluate(ctx EvalContext, states *StateStore, key StateKey) bool {
	observed, ok := ctx.Field(t.metric)
	if !ok {
		return false
	}

	breached := compare(observed, t.operator, t.value)
	if t.duration <= 0 {
		return breached
	}

	if !breached {
		states.Clear(key)
		return false
	}

	start := states.BreachStart(key, ctx.Now)
	if ctx.Now.Sub(start) >= t.duration {
		states.Clear(key)
		return true
	}
	return false
}

// eventTrigger matches the current context event by equality.
type eventTrigger struct {
	event string
}

func (t *eventTrigger) Evaluate(ctx EvalContext, _ *StateStore, _ StateKey) bool {
	return t.event != "" && ctx.Event == t.event
}

// priceTrigger compares the current tariff price.
type priceTrigger struct {
	operator Operator
	value    float64
}

func (t *priceTrigger) Evaluate(ctx EvalContext, _ *StateStore, _ StateKey) bool {
	return compare(ctx.Price, t.operator, t.value)
}

// weatherTrigger compares a named weather context field.
type weatherTrigger struct {
	field    string
	operator Operator
	value    float64
}

func (t *weatherTrigger) Evaluate(ctx EvalContext, _ *StateStore, _ StateKey) bool {
	observed, ok := ctx.Weather[t.field]
	if !ok {
		return false
	}
	return compare(observed, t.operator, t.value)
}

func compare(observed float64, op Operator, value float64) bool {
	switch op {
	case OpGreater:
		return observed > value
	case OpLess:
		return observed < value
	case OpGreaterEqual:
		return observed >= value
	case OpLessEqual:
		return observed <= value
	case OpEqual:
		return observed == value
	default:
		return false
	}
}

// EvaluateConditions applies the AND-ed secondary predicates of a rule.
func EvaluateConditions(conditions []Condition, ctx EvalContext) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, ctx) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond Condition, ctx EvalContext) bool {
	switch cond.Operator {
	case OpContains:
		observed, ok := ctx.StringField(cond.Field)
		return ok && strings.Contains(observed, cond.StrValue)
	case OpEqual:
		if cond.StrValue != "" {
			observed, ok := ctx.StringField(cond.Field)
			return ok && observed == cond.StrValue
		}
		observed, ok := ctx.Field(cond.Field)
		return ok && observed == cond.Value
	case OpBetween:
		observed, ok := ctx.Field(cond.Field)
		return ok && observed >= cond.Value && observed <= cond.Value2
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		observed, ok := ctx.Field(cond.Field)
		return ok && compare(observed, cond.Operator, cond.Value)
	default:
		return false
	}
}
