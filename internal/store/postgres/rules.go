package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

const ruleColumns = `id, school_id, name, description, trigger_type, trigger_table,
	trigger_conditions, actions, schedule, field_types, is_active,
	last_executed, created_at, updated_at`

// ListActiveRules returns the tenant's active rules in firing order.
func (s *Store) ListActiveRules(ctx context.Context, tenantID, table string) ([]*rule.Rule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE school_id = $1
		  AND is_active
		  AND ($2 = '' OR trigger_table = $2 OR trigger_type = 'time_based')
		ORDER BY created_at, id`,
		tenantID, table,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active rules: %w", err)
	}
	return collectRules(rows)
}

// ListTimeBasedRules returns active time_based rules of every tenant.
func (s *Store) ListTimeBasedRules(ctx context.Context) ([]*rule.Rule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE is_active AND trigger_type = 'time_based'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying time_based rules: %w", err)
	}
	return collectRules(rows)
}

// GetRule returns one rule of the tenant.
func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (*rule.Rule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE school_id = $1 AND id = $2`,
		tenantID, ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying rule: %w", err)
	}
	rules, err := collectRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule %s: %w", ruleID, rule.ErrNotFound)
	}
	return rules[0], nil
}

// TouchLastExecuted advances last_executed with a compare-and-swap so
// concurrent firings can only move it forward.
func (s *Store) TouchLastExecuted(ctx context.Context, tenantID, ruleID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE business_rules
		SET last_executed = $3
		WHERE school_id = $1 AND id = $2
		  AND (last_executed IS NULL OR last_executed < $3)`,
		tenantID, ruleID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating last_executed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM business_rules WHERE school_id = $1 AND id = $2)`,
		tenantID, ruleID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking rule: %w", err)
	}
	if !exists {
		return fmt.Errorf("touch rule %s: %w", ruleID, rule.ErrNotFound)
	}
	return nil
}

// UpsertRules inserts or updates rules by id in one transaction.
// last_executed is never overwritten.
func (s *Store) UpsertRules(ctx context.Context, rules []*rule.Rule) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	batch := &pgx.Batch{}
	for _, r := range rules {
		args, err := ruleArgs(r)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO business_rules (id, school_id, name, description, trigger_type, trigger_table,
				trigger_conditions, actions, schedule, field_types, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()), now())
			ON CONFLICT (id) DO UPDATE SET
				school_id          = EXCLUDED.school_id,
				name               = EXCLUDED.name,
				description        = EXCLUDED.description,
				trigger_type       = EXCLUDED.trigger_type,
				trigger_table      = EXCLUDED.trigger_table,
				trigger_conditions = EXCLUDED.trigger_conditions,
				actions            = EXCLUDED.actions,
				schedule           = EXCLUDED.schedule,
				field_types        = EXCLUDED.field_types,
				is_active          = EXCLUDED.is_active,
				updated_at         = now()`,
			args...,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting rules: %w", err)
	}
	return tx.Commit(ctx)
}

func ruleArgs(r *rule.Rule) ([]any, error) {
	conds := r.TriggerConditions
	if conds == nil {
		conds = []rule.ConditionGroup{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return nil, fmt.Errorf("marshaling conditions of rule %s: %w", r.ID, err)
	}
	actions := r.Actions
	if actions == nil {
		actions = []rule.ActionSpec{}
	}
	actionJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("marshaling actions of rule %s: %w", r.ID, err)
	}
	var typesJSON []byte
	if len(r.FieldTypes) > 0 {
		if typesJSON, err = json.Marshal(r.FieldTypes); err != nil {
			return nil, fmt.Errorf("marshaling field types of rule %s: %w", r.ID, err)
		}
	}
	var created *time.Time
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt.UTC()
		created = &t
	}
	return []any{
		r.ID, r.TenantID, r.Name, r.Description, string(r.TriggerType), nullable(r.TriggerTable),
		condJSON, actionJSON, nullable(r.Schedule), typesJSON, r.IsActive, created,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
