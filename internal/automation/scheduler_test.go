package automation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler() (*Scheduler, *fakeActuator) {
	actuator := &fakeActuator{failTargets: make(map[string]bool)}
	return NewScheduler(actuator, zap.NewNop()), actuator
}

func dailySchedule(id string, hour, minute int) *Schedule {
	return &Schedule{
		ID:         id,
		Name:       id,
		Recurrence: RecurDaily,
		Hour:       hour,
		Minute:     minute,
		Actions:    []Action{{Type: ActionDeviceCommand, Target: "hvac-1", Payload: map[string]interface{}{"cmd": "eco_mode"}}},
		Enabled:    true,
	}
}

func TestSchedulerFiresAtMatchingMinute(t *testing.T) {
	sched, actuator := newTestScheduler()
	if err := sched.Add(dailySchedule("s-daily", 6, 30)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	early := time.Date(2026, 3, 10, 6, 29, 0, 0, time.UTC)
	if fired := sched.Tick(context.Background(), early); fired != 0 {
		t.Fatalf("fired %d schedules one minute early", fired)
	}

	due := time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)
	if fired := sched.Tick(context.Background(), due); fired != 1 {
		t.Fatalf("fired %d schedules at the due minute, want 1", fired)
	}

	// A second tick within the same minute must not double-fire.
	if fired := sched.Tick(context.Background(), due.Add(20*time.Second)); fired != 0 {
		t.Fatal("schedule double-fired within one minute")
	}
	if len(actuator.calls) != 1 {
		t.Errorf("actions dispatched = %d, want 1", len(actuator.calls))
	}

	// Next day it fires again.
	nextDay := due.Add(24 * time.Hour)
	if fired := sched.Tick(context.Background(), nextDay); fired != 1 {
		t.Fatal("daily schedule did not fire on the following day")
	}
}

func TestOnceScheduleDisablesAfterFiring(t *testing.T) {
	sched, _ := newTestScheduler()
	target := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	once := dailySchedule("s-once", 9, 0)
	once.Recurrence = RecurOnce
	once.Date = target
	if err := sched.Add(once); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wrongDay := target.Add(-24 * time.Hour)
	if fired := sched.Tick(context.Background(), wrongDay); fired != 0 {
		t.Fatal("once schedule fired on the wrong day")
	}
	if fired := sched.Tick(context.Background(), target); fired != 1 {
		t.Fatal("once schedule did not fire on its date")
	}

	stored := sched.List()[0]
	if stored.Enabled {
		t.Error("once schedule still enabled after firing")
	}
}

func TestWeeklyScheduleHonorsWeekdays(t *testing.T) {
	sched, _ := newTestScheduler()
	weekly := dailySchedule("s-weekly", 8, 0)
	weekly.Recurrence = RecurWeekly
	weekly.Weekdays = []time.Weekday{time.Saturday, time.Sunday}
	if err := sched.Add(weekly); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tuesday := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	if fired := sched.Tick(context.Background(), tuesday); fired != 0 {
		t.Fatal("weekend schedule fired on a tuesday")
	}
	if fired := sched.Tick(context.Background(), saturday); fired != 1 {
		t.Fatal("weekend schedule did not fire on saturday")
	}
}

func TestMonthlyScheduleMatchesDayOfMonth(t *testing.T) {
	sched, _ := newTestScheduler()
	monthly := dailySchedule("s-monthly", 0, 0)
	monthly.Recurrence = RecurMonthly
	monthly.DayOfMonth = 1
	if err := sched.Add(monthly); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	if fired := sched.Tick(context.Background(), first); fired != 1 {
		t.Fatal("monthly schedule did not fire on the 1st")
	}
	if fired := sched.Tick(context.Background(), second); fired != 0 {
		t.Fatal("monthly schedule fired on the 2nd")
	}
}

func TestScheduleConditionGate(t *testing.T) {
	sched, _ := newTestScheduler()
	gated := dailySchedule("s-gated", 6, 0)
	// Gate on a weather field that is absent on pure clock ticks, so the
	// condition can never pass.
	gated.Conditions = []Condition{{Field: "temp_c", Operator: OpLess, Value: 5}}
	if err := sched.Add(gated); err != nil {
		t.Fatalf("Add: %v", err)
	}

	due := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	if fired := sched.Tick(context.Background(), due); fired != 0 {
		t.Fatal("condition-gated schedule fired without its condition")
	}
}

func TestBulkUpdateIsAtomic(t *testing.T) {
	sched, _ := newTestScheduler()
	if err := sched.Add(dailySchedule("s-1", 6, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.Add(dailySchedule("s-2", 7, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	good := dailySchedule("s-1", 5, 0)
	missing := dailySchedule("s-ghost", 5, 30)
	if err := sched.BulkUpdate([]*Schedule{good, missing}); err == nil {
		t.Fatal("bulk update with an unknown schedule must fail")
	}

	// Nothing changed.
	for _, s := range sched.List() {
		if s.ID == "s-1" && s.Hour != 6 {
			t.Errorf("s-1 hour = %d, want 6 after rejected bulk update", s.Hour)
		}
	}

	// A clean batch applies everywhere.
	upd1 := dailySchedule("s-1", 5, 0)
	upd2 := dailySchedule("s-2", 5, 15)
	if err := sched.BulkUpdate([]*Schedule{upd1, upd2}); err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}
	for _, s := range sched.List() {
		if s.Hour != 5 {
			t.Errorf("%s hour = %d, want 5", s.ID, s.Hour)
		}
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	sched, _ := newTestScheduler()

	bad := dailySchedule("s-bad", 25, 0)
	if err := sched.Add(bad); err == nil {
		t.Fatal("hour 25 must be rejected")
	}

	noActions := dailySchedule("s-empty", 6, 0)
	noActions.Actions = nil
	if err := sched.Add(noActions); err == nil {
		t.Fatal("schedule without actions must be rejected")
	}
}

func TestAddRejectsScheduleThatCanNeverFire(t *testing.T) {
	sched, _ := newTestScheduler()

	weekly := dailySchedule("s-weekly", 6, 0)
	weekly.Recurrence = RecurWeekly
	if err := sched.Add(weekly); err == nil {
		t.Fatal("weekly schedule without weekdays must be rejected")
	}

	monthly := dailySchedule("s-monthly", 6, 0)
	monthly.Recurrence = RecurMonthly
	if err := sched.Add(monthly); err == nil {
		t.Fatal("monthly schedule without day of month must be rejected")
	}
}

func TestBulkUpdateRejectsScheduleThatCanNeverFire(t *testing.T) {
	sched, _ := newTestScheduler()
	if err := sched.Add(dailySchedule("s-1", 6, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}

	upd := dailySchedule("s-1", 7, 0)
	upd.Recurrence = RecurCustom
	upd.Weekdays = nil
	if err := sched.BulkUpdate([]*Schedule{upd}); err == nil {
		t.Fatal("bulk update introducing an unfireable schedule must be rejected")
	}

	got := sched.List()
	if len(got) != 1 || got[0].Hour != 6 {
		t.Fatalf("schedule changed despite rejected update: %+v", got)
	}
}
