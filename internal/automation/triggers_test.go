package automation

import (
	"testing"
	"time"

	"github.com/savegress/gridsense/pkg/models"
)

func TestCompileTriggerRejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec TriggerSpec
	}{
		{"unknown type", TriggerSpec{Type: "sunspot"}},
		{"threshold without metric", TriggerSpec{Type: TriggerThreshold, Operator: OpGreater, Value: 1}},
		{"weather without field", TriggerSpec{Type: TriggerWeather, Operator: OpGreater, Value: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileTrigger(tt.spec); err == nil {
				t.Fatal("expected compile error")
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		observed float64
		op       Operator
		value    float64
		want     bool
	}{
		{100, OpGreater, 80, true},
		{80, OpGreater, 80, false},
		{80, OpGreaterEqual, 80, true},
		{50, OpLess, 80, true},
		{80, OpLessEqual, 80, true},
		{80, OpEqual, 80, true},
		{80, OpEqual, 81, false},
		{80, Operator("~"), 80, false},
	}
	for _, tt := range tests {
		if got := compare(tt.observed, tt.op, tt.value); got != tt.want {
			t.Errorf("compare(%v %s %v) = %v, want %v", tt.observed, tt.op, tt.value, got, tt.want)
		}
	}
}

func TestScheduleTriggerWeekdayFilter(t *testing.T) {
	trigger, err := CompileTrigger(TriggerSpec{
		Type:     TriggerSchedule,
		Hour:     7,
		Minute:   0,
		Weekdays: []time.Weekday{time.Monday, time.Friday},
	})
	if err != nil {
		t.Fatalf("CompileTrigger: %v", err)
	}

	monday := time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	if !trigger.Evaluate(EvalContext{Now: monday}, nil, StateKey{}) {
		t.Error("monday 07:00 should match")
	}
	if trigger.Evaluate(EvalContext{Now: tuesday}, nil, StateKey{}) {
		t.Error("tuesday should not match the weekday filter")
	}
	if trigger.Evaluate(EvalContext{Now: monday.Add(time.Minute)}, nil, StateKey{}) {
		t.Error("07:01 should not match")
	}
}

func TestEventPriceWeatherTriggers(t *testing.T) {
	event, _ := CompileTrigger(TriggerSpec{Type: TriggerEvent, EventVal: "grid_peak"})
	price, _ := CompileTrigger(TriggerSpec{Type: TriggerPrice, Operator: OpGreater, Value: 0.3})
	weather, _ := CompileTrigger(TriggerSpec{Type: TriggerWeather, Field: "temp_c", Operator: OpGreaterEqual, Value: 30})

	ctx := EvalContext{
		Now:     time.Now(),
		Event:   "grid_peak",
		Price:   0.35,
		Weather: map[string]float64{"temp_c": 31},
	}
	if !event.Evaluate(ctx, nil, StateKey{}) {
		t.Error("event trigger should match grid_peak")
	}
	if !price.Evaluate(ctx, nil, StateKey{}) {
		t.Error("price trigger should match 0.35 > 0.3")
	}
	if !weather.Evaluate(ctx, nil, StateKey{}) {
		t.Error("weather trigger should match temp 31 >= 30")
	}

	cold := EvalContext{Now: time.Now(), Event: "off_peak", Price: 0.1, Weather: map[string]float64{"temp_c": 12}}
	if event.Evaluate(cold, nil, StateKey{}) || price.Evaluate(cold, nil, StateKey{}) || weather.Evaluate(cold, nil, StateKey{}) {
		t.Error("no trigger should match the cold context")
	}
}

func TestDurationThresholdStateIsPerDevice(t *testing.T) {
	trigger, err := CompileTrigger(TriggerSpec{
		Type:            TriggerThreshold,
		Metric:          models.MetricPower,
		Operator:        OpGreater,
		Value:           80,
		DurationSeconds: 5,
	})
	if err != nil {
		t.Fatalf("CompileTrigger: %v", err)
	}

	states := NewStateStore()
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	keyA := StateKey{RuleID: "r1", DeviceID: "dev-a"}
	keyB := StateKey{RuleID: "r1", DeviceID: "dev-b"}

	readingA := &models.TelemetryReading{DeviceID: "dev-a", PowerW: 100}
	readingB := &models.TelemetryReading{DeviceID: "dev-b", PowerW: 100}

	// Device A breaches from t=0; device B only from t=3.
	trigger.Evaluate(EvalContext{Reading: readingA, Now: start}, states, keyA)
	trigger.Evaluate(EvalContext{Reading: readingB, Now: start.Add(3 * time.Second)}, states, keyB)

	if !trigger.Evaluate(EvalContext{Reading: readingA, Now: start.Add(5 * time.Second)}, states, keyA) {
		t.Error("device A should fire after 5s of breach")
	}
	if trigger.Evaluate(EvalContext{Reading: readingB, Now: start.Add(5 * time.Second)}, states, keyB) {
		t.Error("device B breached only 2s ago and must not fire")
	}
}

func TestEvaluateConditions(t *testing.T) {
	reading := &models.TelemetryReading{
		DeviceID:   "dev-1",
		SiteID:     "site-1",
		PowerW:     150,
		DeviceMeta: map[string]string{"room": "kitchen-north"},
	}
	ctx := EvalContext{Reading: reading, Now: time.Now(), Weather: map[string]float64{"temp_c": 22}}

	tests := []struct {
		name       string
		conditions []Condition
		want       bool
	}{
		{"empty passes", nil, true},
		{"between inside", []Condition{{Field: models.MetricPower, Operator: OpBetween, Value: 100, Value2: 200}}, true},
		{"between outside", []Condition{{Field: models.MetricPower, Operator: OpBetween, Value: 200, Value2: 300}}, false},
		{"contains meta", []Condition{{Field: "room", Operator: OpContains, StrValue: "kitchen"}}, true},
		{"equals string", []Condition{{Field: "site_id", Operator: OpEqual, StrValue: "site-1"}}, true},
		{"and semantics", []Condition{
			{Field: models.MetricPower, Operator: OpGreater, Value: 100},
			{Field: "temp_c", Operator: OpLess, Value: 20},
		}, false},
		{"unknown field", []Condition{{Field: "humidity", Operator: OpGreater, Value: 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateConditions(tt.conditions, ctx); got != tt.want {
				t.Errorf("EvaluateConditions = %v, want %v", got, tt.want)
			}
		})
	}
}
