package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recurrence describes how often a schedule repeats.
type Recurrence string

const (
	RecurOnce    Recurrence = "once"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurCustom  Recurrence = "custom"
)

// Schedule is a declarative recurring action, matched at minute
// resolution and optionally gated by the condition evaluator.
type Schedule struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"site_id"`
	Name       string         `json:"name"`
	Recurrence Recurrence     `json:"recurrence"`
	Hour       int            `json:"hour"`
	Minute     int            `json:"minute"`
	Weekdays   []time.Weekday `json:"weekdays,omitempty"`  // weekly/custom
	DayOfMonth int            `json:"day_of_month,omitempty"` // monthly
	Date       time.Time      `json:"date,omitempty"`         // once
	Conditions []Condition    `json:"conditions,omitempty"`
	Actions    []Action       `json:"actions"`
	Enabled    bool           `json:"enabled"`
	LastRun    time.Time      `json:"last_run"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// due reports whether the schedule matches the given minute.
func (s *Schedule) due(now time.Time) bool {
	if now.Hour() != s.Hour || now.Minute() != s.Minute {
		return false
	}
	switch s.Recurrence {
	case RecurOnce:
		y, m, d := s.Date.Date()
		ny, nm, nd := now.Date()
		return y == ny && m == nm && d == nd
	case RecurDaily:
		return true
	case RecurWeekly, RecurCustom:
		for _, wd := range s.Weekdays {
			if wd == now.Weekday() {
				return true
			}
		}
		return false
	case RecurMonthly:
		return now.Day() == s.DayOfMonth
	default:
		return false
	}
}

// Scheduler fires declarative schedules once per matching minute. It
// shares the Dispatcher with the rule engine so schedule actions ride
// the same actuators.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*Schedule

	dispatcher Actuator
	logger     *zap.Logger
	now        func() time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler(dispatcher Actuator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		schedules:  make(map[string]*Schedule),
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Run ticks the scheduler at minute resolution until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every enabled schedule against the given minute. A
// schedule that already ran within this minute is skipped, so a tick
// arriving twice in one minute cannot double-fire.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled || !sched.due(now) {
			continue
		}
		if !sched.LastRun.IsZero() && now.Sub(sched.LastRun) < time.Minute {
			continue
		}
		due = append(due, sched)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	ectx := EvalContext{Now: now}
	fired := 0
	for _, sched := range due {
		if !EvaluateConditions(sched.Conditions, ectx) {
			continue
		}
		if err := s.fire(ctx, sched, ectx); err != nil {
			s.logger.Warn("schedule dispatch failed",
				zap.String("schedule_id", sched.ID),
				zap.String("name", sched.Name),
				zap.Error(err),
			)
			continue
		}
		fired++

		s.mu.Lock()
		sched.LastRun = now
		if sched.Recurrence == RecurOnce {
			sched.Enabled = false
		}
		s.mu.Unlock()
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, ectx EvalContext) error {
	for _, action := range sched.Actions {
		if err := s.dispatcher.Dispatch(ctx, action, ectx); err != nil {
			return fmt.Errorf("action %s on %s: %w", action.Type, action.Target, err)
		}
	}
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sched.ID),
		zap.String("name", sched.Name),
	)
	return nil
}

// validateSchedule rejects definitions that could never fire.
func validateSchedule(sched *Schedule) error {
	if len(sched.Actions) == 0 {
		return fmt.Errorf("schedule %s has no actions", sched.ID)
	}
	if sched.Hour < 0 || sched.Hour > 23 || sched.Minute < 0 || sched.Minute > 59 {
		return fmt.Errorf("schedule %s has invalid time %02d:%02d", sched.ID, sched.Hour, sched.Minute)
	}
	switch sched.Recurrence {
	case RecurWeekly, RecurCustom:
		if len(sched.Weekdays) == 0 {
			return fmt.Errorf("schedule %s repeats %s but names no weekdays", sched.ID, sched.Recurrence)
		}
	case RecurMonthly:
		if sched.DayOfMonth < 1 || sched.DayOfMonth > 31 {
			return fmt.Errorf("schedule %s has invalid day of month %d", sched.ID, sched.DayOfMonth)
		}
	}
	return nil
}

// Add stores a new schedule.
func (s *Scheduler) Add(sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if err := validateSchedule(sched); err != nil {
		return err
	}

	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	s.schedules[sched.ID] = sched
	return nil
}

// BulkUpdate applies a set of schedule replacements atomically. Either
// every referenced schedule exists and all are replaced, or nothing
// changes.
func (s *Scheduler) BulkUpdate(updates []*Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, upd := range updates {
		if _, ok := s.schedules[upd.ID]; !ok {
			return fmt.Errorf("schedule %s not found", upd.ID)
		}
		if err := validateSchedule(upd); err != nil {
			return err
		}
	}
	now := s.now()
	for _, upd := range updates {
		existing := s.schedules[upd.ID]
		upd.CreatedAt = existing.CreatedAt
		upd.LastRun = existing.LastRun
		upd.UpdatedAt = now
		s.schedules[upd.ID] = upd
	}
	return nil
}

// Remove deletes a schedule by ID.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	delete(s.schedules, id)
	return nil
}

// List returns copies of all schedules ordered by ID.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
