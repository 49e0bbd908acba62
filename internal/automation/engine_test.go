package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/gridsense/pkg/models"
)

type fakeActuator struct {
	mu          sync.Mutex
	calls       []Action
	failTargets map[string]bool
}

func (f *fakeActuator) Dispatch(_ context.Context, action Action, _ EvalContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	if f.failTargets[action.Target] {
		return errors.New("actuator unavailable")
	}
	return nil
}

func (f *fakeActuator) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, a := range f.calls {
		out[i] = a.Target
	}
	return out
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeRecorder) Record(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type auditEntry struct {
	actor, action, target string
	outcome               error
}

type fakeAudit struct {
	entries []auditEntry
}

func (f *fakeAudit) Log(_ context.Context, actor, action, target string, outcome error) {
	f.entries = append(f.entries, auditEntry{actor, action, target, outcome})
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *fakeActuator, *fakeRecorder, *fakeAudit, *testClock) {
	t.Helper()
	actuator := &fakeActuator{failTargets: make(map[string]bool)}
	recorder := &fakeRecorder{}
	audit := &fakeAudit{}
	engine := NewEngine(actuator, recorder, audit, zap.NewNop())

	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	engine.now = func() time.Time { return clock.now }
	return engine, actuator, recorder, audit, clock
}

func powerReading(device string, watts float64) *models.TelemetryReading {
	return &models.TelemetryReading{
		DeviceID: device,
		SiteID:   "site-1",
		PowerW:   watts,
	}
}

func thresholdRule(id string, watts float64, durationSec, cooldownSec, priority int, target string) *Rule {
	return &Rule{
		ID:   id,
		Name: id,
		Trigger: TriggerSpec{
			Type:            TriggerThreshold,
			Metric:          models.MetricPower,
			Operator:        OpGreater,
			Value:           watts,
			DurationSeconds: durationSec,
		},
		Actions:         []Action{{Type: ActionDeviceCommand, Target: target, Payload: map[string]interface{}{"cmd": "turn_off"}}},
		Priority:        priority,
		CooldownSeconds: cooldownSec,
		Enabled:         true,
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	engine, actuator, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-cooldown", 80, 0, 10, 1, "hvac-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 100)); len(events) != 1 {
		t.Fatalf("first evaluation fired %d events, want 1", len(events))
	}

	clock.advance(5 * time.Second)
	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 100)); len(events) != 0 {
		t.Fatalf("evaluation inside cooldown fired %d events, want 0", len(events))
	}

	clock.advance(7 * time.Second)
	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 100)); len(events) != 1 {
		t.Fatalf("evaluation after cooldown fired %d events, want 1", len(events))
	}

	if got := len(actuator.calls); got != 2 {
		t.Errorf("actions dispatched = %d, want 2", got)
	}
	stored, _ := engine.GetRule("r-cooldown")
	if stored.TriggerCount != 2 {
		t.Errorf("trigger count = %d, want 2", stored.TriggerCount)
	}
}

func TestDurationThresholdFiresAfterSustainedBreach(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-sustained", 80, 5, 0, 1, "heater-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	// Constant 100 W at 1 Hz: breach starts at t=0, fires at t=5.
	fired := 0
	for sec := 0; sec <= 8; sec++ {
		events := engine.EvaluateReading(ctx, powerReading("dev-1", 100))
		if len(events) > 0 {
			fired += len(events)
			if sec != 5 {
				t.Errorf("fired at t=%ds, want t=5s", sec)
			}
		}
		clock.advance(time.Second)
	}
	if fired != 1 {
		t.Fatalf("sustained breach fired %d times, want 1", fired)
	}
}

func TestDurationThresholdResetsOnBreak(t *testing.T) {
	engine, _, _, _, clock := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-flapping", 80, 5, 0, 1, "heater-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	// Alternating 100/50 W at 1 Hz never sustains the breach.
	for sec := 0; sec < 20; sec++ {
		watts := 100.0
		if sec%2 == 1 {
			watts = 50
		}
		if events := engine.EvaluateReading(ctx, powerReading("dev-1", watts)); len(events) != 0 {
			t.Fatalf("flapping series fired at t=%ds", sec)
		}
		clock.advance(time.Second)
	}
	if n := engine.states.Len(); n != 0 {
		t.Errorf("breach states remaining = %d, want 0", n)
	}
}

func TestConflictResolutionByPriority(t *testing.T) {
	engine, actuator, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	low := thresholdRule("r-low", 80, 0, 0, 1, "hvac-1")
	high := thresholdRule("r-high", 80, 0, 0, 10, "hvac-1")
	other := thresholdRule("r-other", 80, 0, 0, 1, "ev-charger")
	for _, r := range []*Rule{low, high, other} {
		if err := engine.CreateRule(ctx, "tester", r); err != nil {
			t.Fatalf("CreateRule %s: %v", r.ID, err)
		}
	}

	events := engine.EvaluateReading(ctx, powerReading("dev-1", 100))
	if len(events) != 2 {
		t.Fatalf("fired %d events, want 2", len(events))
	}

	firedRules := map[string]bool{}
	for _, ev := range events {
		firedRules[ev.RuleID] = true
	}
	if !firedRules["r-high"] || !firedRules["r-other"] {
		t.Errorf("fired rules = %v, want r-high and r-other", firedRules)
	}
	if firedRules["r-low"] {
		t.Error("lower-priority rule fired despite target collision")
	}

	seen := map[string]int{}
	for _, target := range actuator.targets() {
		seen[target]++
	}
	if seen["hvac-1"] != 1 {
		t.Errorf("hvac-1 actuated %d times, want 1", seen["hvac-1"])
	}
}

func TestFailedDispatchLeavesRuleEligible(t *testing.T) {
	engine, actuator, recorder, _, clock := newTestEngine(t)
	ctx := context.Background()

	actuator.failTargets["hvac-1"] = true
	rule := thresholdRule("r-fail", 80, 0, 60, 1, "hvac-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	events := engine.EvaluateReading(ctx, powerReading("dev-1", 100))
	if len(events) != 1 || events[0].Success {
		t.Fatalf("events = %+v, want one failed event", events)
	}
	if events[0].Error == "" {
		t.Error("failed event carries no error message")
	}

	stored, _ := engine.GetRule("r-fail")
	if !stored.LastTriggered.IsZero() {
		t.Error("lastTriggered advanced on failed dispatch")
	}
	if stored.TriggerCount != 0 {
		t.Errorf("trigger count = %d, want 0", stored.TriggerCount)
	}

	// The rule re-fires immediately on the next qualifying reading even
	// though the cooldown window has not elapsed.
	clock.advance(time.Second)
	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 100)); len(events) != 1 {
		t.Fatalf("rule did not re-fire after failed dispatch")
	}
	if len(recorder.events) != 2 {
		t.Errorf("recorded events = %d, want 2", len(recorder.events))
	}
}

func TestEventCapturesConditionSnapshot(t *testing.T) {
	engine, _, recorder, _, _ := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-snap", 80, 0, 0, 1, "hvac-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	voltage := 231.5
	reading := powerReading("dev-1", 120)
	reading.VoltageV = &voltage
	engine.EvaluateReading(ctx, reading)

	if len(recorder.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(recorder.events))
	}
	snap := recorder.events[0].ConditionSnapshot
	if snap[models.MetricPower] != 120 {
		t.Errorf("snapshot power = %v, want 120", snap[models.MetricPower])
	}
	if snap[models.MetricVoltage] != 231.5 {
		t.Errorf("snapshot voltage = %v, want 231.5", snap[models.MetricVoltage])
	}
	if recorder.events[0].ID == "" {
		t.Error("event has empty ID")
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-off", 80, 0, 0, 1, "hvac-1")
	rule.Enabled = false
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 500)); len(events) != 0 {
		t.Fatal("disabled rule fired")
	}

	if err := engine.ToggleRule(ctx, "tester", "r-off", true); err != nil {
		t.Fatalf("ToggleRule: %v", err)
	}
	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 500)); len(events) != 1 {
		t.Fatal("enabled rule did not fire")
	}
}

func TestScheduleTriggerOnTick(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	rule := &Rule{
		ID:      "r-sched",
		Name:    "nightly shutdown",
		Trigger: TriggerSpec{Type: TriggerSchedule, Hour: 22, Minute: 30},
		Actions: []Action{{Type: ActionDeviceCommand, Target: "hvac-1"}},
		Enabled: true,
	}
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	miss := time.Date(2026, 3, 10, 22, 29, 0, 0, time.UTC)
	if events := engine.Tick(ctx, miss); len(events) != 0 {
		t.Fatal("rule fired one minute early")
	}
	hit := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	if events := engine.Tick(ctx, hit); len(events) != 1 {
		t.Fatal("rule did not fire at the scheduled minute")
	}
}

func TestRuleMutationsAreAudited(t *testing.T) {
	engine, _, _, audit, _ := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-audit", 80, 0, 0, 1, "hvac-1")
	if err := engine.CreateRule(ctx, "alice", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if err := engine.DeleteRule(ctx, "bob", "r-audit"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := engine.DeleteRule(ctx, "bob", "r-audit"); err == nil {
		t.Fatal("deleting a missing rule must error")
	}

	if len(audit.entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(audit.entries))
	}
	if audit.entries[0].actor != "alice" || audit.entries[0].action != "create_rule" {
		t.Errorf("first audit entry = %+v", audit.entries[0])
	}
	if audit.entries[2].outcome == nil {
		t.Error("failed mutation audited without outcome error")
	}
}

func TestUpdateRulePreservesStats(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	rule := thresholdRule("r-upd", 80, 0, 0, 1, "hvac-1")
	if err := engine.CreateRule(ctx, "tester", rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	engine.EvaluateReading(ctx, powerReading("dev-1", 100))

	replacement := thresholdRule("r-upd", 200, 0, 0, 5, "hvac-1")
	if err := engine.UpdateRule(ctx, "tester", replacement); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}

	stored, _ := engine.GetRule("r-upd")
	if stored.TriggerCount != 1 {
		t.Errorf("trigger count = %d, want 1 preserved across update", stored.TriggerCount)
	}
	if stored.Trigger.Value != 200 {
		t.Errorf("threshold value = %v, want 200", stored.Trigger.Value)
	}

	// The new threshold is live immediately.
	if events := engine.EvaluateReading(ctx, powerReading("dev-1", 100)); len(events) != 0 {
		t.Fatal("rule fired below its updated threshold")
	}
}
