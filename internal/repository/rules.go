package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/gridsense/internal/automation"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// RuleStore persists automation rules.
type RuleStore interface {
	Create(ctx context.Context, rule *automation.Rule) error
	Update(ctx context.Context, rule *automation.Rule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*automation.Rule, error)
	List(ctx context.Context, siteID string) ([]*automation.Rule, error)
}

var _ RuleStore = (*RuleRepository)(nil)

// RuleRepository is the pgx-backed RuleStore. Trigger, conditions and
// actions are stored as jsonb so rule shapes can evolve without
// migrations.
type RuleRepository struct {
	db *pgxpool.Pool
}

// NewRuleRepository creates a rule repository.
func NewRuleRepository(db *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) Create(ctx context.Context, rule *automation.Rule) error {
	trigger, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO automation_rules (
			id, site_id, name, trigger, conditions, actions,
			priority, cooldown_seconds, enabled,
			last_triggered, trigger_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		rule.ID, rule.SiteID, rule.Name, trigger, conditions, actions,
		rule.Priority, rule.CooldownSeconds, rule.Enabled,
		rule.LastTriggered, rule.TriggerCount, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *automation.Rule) error {
	trigger, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE automation_rules SET
			site_id = $2, name = $3, trigger = $4, conditions = $5, actions = $6,
			priority = $7, cooldown_seconds = $8, enabled = $9,
			last_triggered = $10, trigger_count = $11, updated_at = $12
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		rule.ID, rule.SiteID, rule.Name, trigger, conditions, actions,
		rule.Priority, rule.CooldownSeconds, rule.Enabled,
		rule.LastTriggered, rule.TriggerCount, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update rule %s: %w", rule.ID, ErrNotFound)
	}
	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *RuleRepository) Get(ctx context.Context, id string) (*automation.Rule, error) {
	row := r.db.QueryRow(ctx, ruleSelect+` WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// List returns the rules for a site, or all rules when siteID is empty,
// highest priority first.
func (r *RuleRepository) List(ctx context.Context, siteID string) ([]*automation.Rule, error) {
	query := ruleSelect
	args := []interface{}{}
	if siteID != "" {
		query += ` WHERE site_id = $1`
		args = append(args, siteID)
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*automation.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

const ruleSelect = `
	SELECT id, site_id, name, trigger, conditions, actions,
		priority, cooldown_seconds, enabled,
		last_triggered, trigger_count, created_at, updated_at
	FROM automation_rules`

func marshalRuleParts(rule *automation.Rule) ([]byte, []byte, []byte, error) {
	trigger, err := json.Marshal(rule.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger: %w", err)
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	return trigger, conditions, actions, nil
}

func scanRule(row pgx.Row) (*automation.Rule, error) {
	var rule automation.Rule
	var trigger, conditions, actions []byte

	err := row.Scan(
		&rule.ID, &rule.SiteID, &rule.Name, &trigger, &conditions, &actions,
		&rule.Priority, &rule.CooldownSeconds, &rule.Enabled,
		&rule.LastTriggered, &rule.TriggerCount, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(trigger, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &rule, nil
}
