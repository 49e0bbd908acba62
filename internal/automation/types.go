// Package automation implements the rule engine and scheduler reacting
// to incoming readings with cooldown-gated, conflict-resolved actions.
package automation

import (
	"time"

	"github.com/savegress/gridsense/pkg/models"
)

// TriggerType identifies the primary predicate class of a rule.
type TriggerType string

const (
	TriggerSchedule  TriggerType = "schedule"
	TriggerThreshold TriggerType = "threshold"
	TriggerEvent     TriggerType = "event"
	TriggerPrice     TriggerType = "price"
	TriggerWeather   TriggerType = "weather"
)

// Operator is a comparison operator used by triggers and conditions.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpBetween      Operator = "between"
	OpContains     Operator = "contains"
)

// ActionType identifies what an action does when dispatched.
type ActionType string

const (
	ActionDeviceCommand  ActionType = "mqtt_command"
	ActionNotification   ActionType = "notification"
	ActionScheduleChange ActionType = "schedule_change"
	ActionModeChange     ActionType = "mode_change"
	ActionAlert          ActionType = "alert"
	ActionWebhook        ActionType = "webhook"
	ActionBrokerCommand  ActionType = "broker_command"
)

// TriggerSpec is the stored, operator-edited description of a trigger.
// It is compiled into a Trigger implementation when the rule is loaded.
type TriggerSpec struct {
	Type TriggerType `json:"type"`

	// Threshold fields
	Metric          string   `json:"metric,omitempty"`
	Operator        Operator `json:"operator,omitempty"`
	Value           float64  `json:"value,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`

	// Schedule fields
	Hour     int            `json:"hour,omitempty"`
	Minute   int            `json:"minute,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// Event/price/weather fields
	Field    string `json:"field,omitempty"`
	EventVal string `json:"event,omitempty"`
}

// Condition is a secondary AND-ed predicate checked after the trigger.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value,omitempty"`
	Value2   float64  `json:"value2,omitempty"` // upper bound for between
	StrValue string   `json:"str_value,omitempty"`
}

// Action is one dispatchable effect of a fired rule. Target names the
// resource the action applies to and is what conflict resolution claims.
type Action struct {
	Type    ActionType             `json:"type"`
	Target  string                 `json:"target"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Rule is an operator-edited automation rule.
type Rule struct {
	ID              string      `json:"id"`
	SiteID          string      `json:"site_id"`
	Name            string      `json:"name"`
	Trigger         TriggerSpec `json:"trigger"`
	Conditions      []Condition `json:"conditions,omitempty"`
	Actions         []Action    `json:"actions"`
	Priority        int         `json:"priority"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	Enabled         bool        `json:"enabled"`
	LastTriggered   time.Time   `json:"last_triggered"`
	TriggerCount    int         `json:"trigger_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Event is the append-only record written after every rule evaluation
// that reaches action dispatch.
type Event struct {
	ID                string                 `json:"id"`
	RuleID            string                 `json:"rule_id"`
	ConditionSnapshot map[string]float64     `json:"condition_snapshot,omitempty"`
	ActionPayload     []Action               `json:"action_payload"`
	Success           bool                   `json:"success"`
	Error             string                 `json:"error,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

// EvalContext carries everything a trigger or condition may inspect for
// one evaluation: the reading (nil on pure clock ticks), the evaluation
// time and the external event/price/weather context.
type EvalContext struct {
	Reading *models.TelemetryReading
	Now     time.Time
	Event   string
	Price   float64
	Weather map[string]float64
}

// Field resolves a named numeric context field.
func (c EvalContext) Field(name string) (float64, bool) {
	if c.Reading != nil {
		switch name {
		case models.MetricPower:
			return c.Reading.PowerW, true
		case models.MetricVoltage:
			if c.Reading.VoltageV != nil {
				return *c.Reading.VoltageV, true
			}
		case models.MetricCurrent:
			if c.Reading.CurrentA != nil {
				return *c.Reading.CurrentA, true
			}
		case models.MetricEnergy:
			if c.Reading.EnergyWh != nil {
				return *c.Reading.EnergyWh, true
			}
		case models.MetricPowerFactor:
			if c.Reading.PowerFactor != nil {
				return *c.Reading.PowerFactor, true
			}
		case models.MetricFrequency:
			if c.Reading.FrequencyHz != nil {
				return *c.Reading.FrequencyHz, true
			}
		}
	}
	if name == "price" {
		return c.Price, true
	}
	if v, ok := c.Weather[name]; ok {
		return v, true
	}
	return 0, false
}

// StringField resolves a named string context field.
func (c EvalContext) StringField(name string) (string, bool) {
	switch name {
	case "event":
		return c.Event, true
	case "device_id":
		if c.Reading != nil {
			return c.Reading.DeviceID, true
		}
	case "site_id":
		if c.Reading != nil {
			return c.Reading.SiteID, true
		}
	case "firmware":
		if c.Reading != nil {
			return c.Reading.Firmware, true
		}
	}
	if c.Reading != nil {
		if v, ok := c.Reading.DeviceMeta[name]; ok {
			return v, true
		}
	}
	return "", false
}

// DeviceID returns the device the evaluation is scoped to, empty on
// clock ticks.
func (c EvalContext) DeviceID() string {
	if c.Reading == nil {
		return ""
	}
	return c.Reading.DeviceID
}
