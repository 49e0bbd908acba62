package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/gridsense/internal/automation"
)

// EventStore persists automation events.
type EventStore interface {
	Insert(ctx context.Context, event automation.Event) error
	ListByRule(ctx context.Context, ruleID string, limit int) ([]automation.Event, error)
}

var _ EventStore = (*EventRepository)(nil)

// EventRepository is the pgx-backed EventStore. It also satisfies the
// engine's EventRecorder.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates an event repository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Record implements automation.EventRecorder.
func (r *EventRepository) Record(ctx context.Context, event automation.Event) error {
	return r.Insert(ctx, event)
}

func (r *EventRepository) Insert(ctx context.Context, event automation.Event) error {
	snapshot, err := json.Marshal(event.ConditionSnapshot)
	if err != nil {
		return fmt.Errorf("marshal condition snapshot: %w", err)
	}
	payload, err := json.Marshal(event.ActionPayload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}

	query := `
		INSERT INTO automation_events (
			id, rule_id, condition_snapshot, action_payload,
			success, error, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		event.ID, event.RuleID, snapshot, payload,
		event.Success, event.Error, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListByRule returns the most recent events for a rule, newest first.
func (r *EventRepository) ListByRule(ctx context.Context, ruleID string, limit int) ([]automation.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, rule_id, condition_snapshot, action_payload,
			success, error, ts
		FROM automation_events
		WHERE rule_id = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []automation.Event
	for rows.Next() {
		var event automation.Event
		var snapshot, payload []byte
		if err := rows.Scan(
			&event.ID, &event.RuleID, &snapshot, &payload,
			&event.Success, &event.Error, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &event.ConditionSnapshot); err != nil {
				return nil, fmt.Errorf("unmarshal condition snapshot: %w", err)
			}
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.ActionPayload); err != nil {
				return nil, fmt.Errorf("unmarshal action payload: %w", err)
			}
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
